package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BaseDirName    = ".config/forker"
	MarkerFileName = "daemon.json"
	SocketName     = "daemon.sock"
	DBFileName     = "forker.db"

	// DaemonEnvFlag triggers daemon bootstrap in a freshly spawned process.
	DaemonEnvFlag = "FORKER_DAEMON"
	// ConfigEnvVar carries the JSON-serialized effective configuration
	// across the exec boundary into the detached daemon.
	ConfigEnvVar = "FORKER_CONFIG"
)

var Config *viper.Viper

var globalFlagsToConfigKey = map[string]string{
	"config-path": "config_path",
	"verbose":     "verbose",
}

func GetSocketPath() string {
	return filepath.Join(Config.GetString("config_path"), SocketName)
}

func GetMarkerPath() string {
	return filepath.Join(Config.GetString("config_path"), MarkerFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.GetString("config_path"), DBFileName)
}

// Settings is the effective daemon configuration. It is what gets merged
// into the marker file at daemon boot and what travels through the
// FORKER_CONFIG environment variable when a detached daemon is launched.
type Settings struct {
	ConfigPath         string `json:"config_path"`
	AutoRestart        bool   `json:"auto_restart"`
	WaitBeforeRestart  string `json:"wait_before_restart"`
	MaximumAutoRestart int    `json:"maximum_auto_restart"`
	AutoClose          bool   `json:"auto_close"`
	GraceWindow        string `json:"grace_window"`
	ClientTimeout      string `json:"client_timeout"`
}

// CurrentSettings snapshots the loaded viper config into a Settings value.
func CurrentSettings() Settings {
	return Settings{
		ConfigPath:         Config.GetString("config_path"),
		AutoRestart:        Config.GetBool("restart.auto"),
		WaitBeforeRestart:  Config.GetString("restart.wait"),
		MaximumAutoRestart: Config.GetInt("restart.max"),
		AutoClose:          Config.GetBool("daemon.auto_close"),
		GraceWindow:        Config.GetString("daemon.grace_window"),
		ClientTimeout:      Config.GetString("client.timeout"),
	}
}

// DefaultSettings returns the built-in defaults, used when the daemon is
// bootstrapped without a FORKER_CONFIG environment variable.
func DefaultSettings() Settings {
	homeDir, _ := os.UserHomeDir()
	return Settings{
		ConfigPath:         filepath.Join(homeDir, BaseDirName),
		AutoRestart:        true,
		WaitBeforeRestart:  "1s",
		MaximumAutoRestart: 100,
		AutoClose:          false,
		GraceWindow:        "5s",
		ClientTimeout:      "10s",
	}
}

// SettingsFromEnv reads the JSON-serialized configuration handed to a
// freshly spawned daemon process. A missing or malformed variable falls
// back to defaults; the daemon must come up either way.
func SettingsFromEnv() Settings {
	settings := DefaultSettings()
	raw := os.Getenv(ConfigEnvVar)
	if raw == "" {
		return settings
	}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return DefaultSettings()
	}
	return settings
}

// ToJSON serializes the settings for the FORKER_CONFIG handoff.
func (s Settings) ToJSON() string {
	bytes, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

func (s Settings) WaitDuration() time.Duration {
	d, err := time.ParseDuration(s.WaitBeforeRestart)
	if err != nil {
		return time.Second
	}
	return d
}

func (s Settings) GraceDuration() time.Duration {
	d, err := time.ParseDuration(s.GraceWindow)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

func (s Settings) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.ClientTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func InitializeConfig(cmd *cobra.Command) error {
	Config = viper.New()

	// Set config path from user input
	configPath, err := cmd.Parent().Flags().GetString("config-path")
	if err != nil {
		panic("Unable to determine config path")
	}
	Config.AddConfigPath(configPath)

	// Set config name
	Config.SetConfigName("config")
	Config.SetConfigType("toml")

	// Set defaults
	Config.SetDefault("verbose", 0)
	Config.SetDefault("restart.auto", true)
	Config.SetDefault("restart.wait", "1s")
	Config.SetDefault("restart.max", 100)
	Config.SetDefault("daemon.auto_close", false)
	Config.SetDefault("daemon.grace_window", "5s")
	Config.SetDefault("client.timeout", "10s")

	// Setup env reading
	Config.SetEnvPrefix("forker")

	// Load config file
	if err := Config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found - create config path and write config with defaults
			if err := os.MkdirAll(configPath, 0o755); err != nil {
				panic(err)
			}
			Config.SafeWriteConfig()
		} else {
			// Config file was found but another error occurred
			panic(err)
		}
	}

	// In order to get environment variables mapped into config sections, we need to replace . with _
	Config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Config.AutomaticEnv() // read in environment variables that match

	// Bind the current command's flags to viper
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			// Is this a global flag
			configKey, ok := globalFlagsToConfigKey[f.Name]
			if !ok {
				return
			}

			// Apply the viper config value to the flag when the flag is not set and viper has a value
			if !f.Changed && Config.IsSet(configKey) {
				cmd.Flags().Set(f.Name, fmt.Sprintf("%v", Config.Get(configKey)))
			} else {
				Config.Set(configKey, fmt.Sprintf("%v", f.Value))
			}
		})
	}

	return nil
}

// InitializeDaemonConfig sets up the global config for a daemon process
// bootstrapped through the environment, where no cobra flags exist.
func InitializeDaemonConfig(settings Settings) {
	Config = viper.New()
	Config.Set("config_path", settings.ConfigPath)
	Config.Set("restart.auto", settings.AutoRestart)
	Config.Set("restart.wait", settings.WaitBeforeRestart)
	Config.Set("restart.max", settings.MaximumAutoRestart)
	Config.Set("daemon.auto_close", settings.AutoClose)
	Config.Set("daemon.grace_window", settings.GraceWindow)
	Config.Set("client.timeout", settings.ClientTimeout)
}
