//go:build unix

package ledger

import "syscall"

func fileLimit() int {
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil || rl.Cur == 0 {
		return defaultFileLimit
	}
	// RLIM_INFINITY and very large limits are clamped.
	if rl.Cur > 1<<20 {
		return 1 << 20
	}
	return int(rl.Cur)
}
