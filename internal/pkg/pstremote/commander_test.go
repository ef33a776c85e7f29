package pstremote

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellCommander(t *testing.T) {
	// "sh -c <script> <remoteHost> <binary> connect <coordinator>" runs the
	// script with the remaining words as $0..$3.
	tests := []struct {
		script string
		status int
	}{
		{`test "$0" = node001 && test "$2" = connect && test "$3" = head:3882`, 0},
		{"exit 1", 1},
		{"exit 7", 7},
		{"kill -9 $$", -1},
	}

	for _, test := range tests {
		c := &ShellCommander{Shell: "sh", ShellArgs: []string{"-c", test.script}, WorkerBinary: "pstworker"}
		proc, err := c.Start("node001", "head:3882")
		require.Nil(t, err)

		status, err := proc.Wait()
		assert.Nil(t, err)
		assert.Equal(t, test.status, status, test.script)
	}
}

func TestLocalCommanderSpawnError(t *testing.T) {
	c := &LocalCommander{WorkerBinary: "/does/not/exist/pstworker"}
	_, err := c.Start("node001", "head")

	var spawnErr *ProcessSpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "node001", spawnErr.Host)
	assert.Contains(t, err.Error(), "/does/not/exist/pstworker connect head")
}

func TestHandleWithShell(t *testing.T) {
	record := &finishRecord{}
	c := &ShellCommander{Shell: "sh", ShellArgs: []string{"-c", "exit 1"}, WorkerBinary: "pstworker"}
	h := NewHandle(c, "node002", record.onFinished)

	require.Nil(t, h.Start("head"))
	h.Join()

	assert.Equal(t, 1, record.calls)
	assert.True(t, record.failed)
	assert.Equal(t, 1, h.ExitStatus())
}
