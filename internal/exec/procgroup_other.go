//go:build !unix

package exec

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
