//go:build unix

package exec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRunner_ExitCodes(t *testing.T) {
	r := NewRunner()

	tests := []struct {
		name    string
		command string
		want    int
	}{
		{"success", "true", 0},
		{"failure", "exit 3", 3},
		{"command not found", "definitely-not-a-real-command-xyz", 127},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Run(context.Background(), Request{Command: tt.command})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ExitCode)
			assert.Greater(t, res.PID, 0)
		})
	}
}

func TestProcessRunner_ArgsEnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner()

	res, err := r.Run(context.Background(), Request{
		WorkDir: dir,
		Command: `printf '%s|%s|%s' "$BUILDFIX_CHUNK_FILE" "$(pwd)"`,
		Args:    []string{"a b"},
		Env:     []string{"BUILDFIX_CHUNK_FILE=/tmp/chunk"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	parts := strings.Split(string(res.Output), "|")
	require.Len(t, parts, 3)
	assert.Equal(t, "/tmp/chunk", parts[0])
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, parts[1])
	assert.Equal(t, "a b", parts[2])
}

func TestProcessRunner_TimeoutKillsGroup(t *testing.T) {
	r := NewRunner()

	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		Command: "sleep 30 & sleep 30; wait",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessRunner_OnStartAndLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "unit.log")
	var started int

	res, err := NewRunner().Run(context.Background(), Request{
		Command:   "echo 0123456789",
		TailBytes: 4,
		LogPath:   logPath,
		OnStart:   func(pid int) { started = pid },
	})
	require.NoError(t, err)

	assert.Equal(t, res.PID, started)
	assert.Equal(t, "789\n", string(res.Output))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "0123456789\n", string(data))
}

func TestProcessRunner_EmptyCommand(t *testing.T) {
	_, err := NewRunner().Run(context.Background(), Request{})
	assert.Error(t, err)
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(context.Background(), os.Getpid()))
	assert.False(t, Alive(context.Background(), 0))
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defgh"))
	assert.Equal(t, "defgh", string(b.Bytes()))

	all := newTailBuffer(0)
	_, _ = all.Write([]byte("abcdefgh"))
	assert.Equal(t, "abcdefgh", string(all.Bytes()))
}
