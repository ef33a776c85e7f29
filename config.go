package partstat

import (
	"time"

	"github.com/spf13/viper"
)

// LoadConfig loads settings from partstatrc files and PARTSTAT_*
// environment variables into viper.
func LoadConfig() {
	viper.SetConfigName("partstatrc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.partstat")

	setupDefaults()

	viper.ReadInConfig()

	viper.SetEnvPrefix("partstat")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"port":                3882,
		"listen_address":      "",  // Defaults to all interfaces on port
		"coordinator_host":    "",  // Host name workers dial; defaults to this host
		"remote_shell":        "ssh",
		"remote_shell_args":   []string{"-o", "BatchMode=yes"},
		"worker_binary":       "pstworker",
		"max_reported_errors": 30,
		"max_concurrency":     64, // Maximum number of concurrent worker launches
		"read_timeout":        10 * time.Minute,
		"row_chunk_size":      1024,
		"store_cache_size":    16,
		"worker_read_timeout": 0, // Workers wait for requests indefinitely
		"verbose":             false,
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"v":     "verbose",
		"shell": "remote_shell",
	}
	for alias, key := range aliases {
		viper.RegisterAlias(alias, key)
	}
}
