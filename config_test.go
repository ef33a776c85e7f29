package partstat

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/bcongdon/partstat/internal/pkg/pstremote"
)

func TestNewConfigDefaults(t *testing.T) {
	c := newConfig()
	assert.Equal(t, ":3882", c.ListenAddress)
	assert.Equal(t, 30, c.MaxReportedErrors)
	assert.Equal(t, 10*time.Minute, c.ReadTimeout)
	assert.Equal(t, uint64(1024), c.RowChunkSize)

	shell, ok := c.Commander.(*pstremote.ShellCommander)
	if assert.True(t, ok) {
		assert.Equal(t, "ssh", shell.Shell)
		assert.Equal(t, []string{"-o", "BatchMode=yes"}, shell.ShellArgs)
		assert.Equal(t, "pstworker", shell.WorkerBinary)
	}
}

func TestCommanderFromConfig(t *testing.T) {
	LoadConfig()
	defer viper.Set("remote_shell", "ssh")

	viper.Set("remote_shell", "local")
	viper.Set("worker_binary", "/opt/partstat/bin/pstworker")
	defer viper.Set("worker_binary", "pstworker")

	local, ok := commanderFromConfig().(*pstremote.LocalCommander)
	if assert.True(t, ok) {
		assert.Equal(t, "/opt/partstat/bin/pstworker", local.WorkerBinary)
	}
}

func TestCoordinatorOptions(t *testing.T) {
	commander := &pstremote.LocalCommander{WorkerBinary: "pstworker"}
	c := NewCoordinator(&PartitionSet{},
		WithListenAddress("127.0.0.1:0"),
		WithCoordinatorHost("head"),
		WithCommander(commander),
		WithMaxReportedErrors(5),
		WithMaxConcurrency(0),
		WithReadTimeout(time.Second),
		WithRowChunkSize(0),
	)

	assert.Equal(t, "127.0.0.1:0", c.config.ListenAddress)
	assert.Equal(t, "head", c.config.CoordinatorHost)
	assert.Equal(t, commander, c.config.Commander)
	assert.Equal(t, 5, c.config.MaxReportedErrors)
	assert.Equal(t, 1, c.config.MaxConcurrency)
	assert.Equal(t, time.Second, c.config.ReadTimeout)
	assert.Equal(t, uint64(1), c.config.RowChunkSize)
}
