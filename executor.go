package partstat

import (
	"github.com/spf13/viper"

	"github.com/bcongdon/partstat/internal/pkg/pstremote"
)

// commanderFromConfig returns the launcher selected by the remote_shell
// setting. An empty shell, or "local", runs workers on this machine.
func commanderFromConfig() pstremote.Commander {
	shell := viper.GetString("remote_shell")
	binary := viper.GetString("worker_binary")
	if shell == "" || shell == "local" {
		return &pstremote.LocalCommander{WorkerBinary: binary}
	}
	return &pstremote.ShellCommander{
		Shell:        shell,
		ShellArgs:    viper.GetStringSlice("remote_shell_args"),
		WorkerBinary: binary,
	}
}
