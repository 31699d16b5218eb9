package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	BaseDirName = ".config/stasis"
	PidFileName = "daemon.pid"
	SocketName  = "daemon.sock"
)

// ActionConfig is one configured idle threshold as it appears in the config
// file. A zero timeout marks an instant action that fires at the start of
// every idle period.
type ActionConfig struct {
	Name          string        `mapstructure:"name"`
	Kind          string        `mapstructure:"kind"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Command       string        `mapstructure:"command"`
	ResumeCommand string        `mapstructure:"resume_command"`
	Profile       string        `mapstructure:"profile"`
}

// SchedulerConfig holds the scheduler policy knobs. The defaults (5s poll,
// 3 retries) are deliberate, documented choices; both are overridable.
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RetryLimit   int           `mapstructure:"retry_limit"`
}

// SessionConfig covers the session/power interface.
type SessionConfig struct {
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	PreSuspendCommand string        `mapstructure:"pre_suspend_command"`
	LockCommand       string        `mapstructure:"lock_command"`
}

// MetricsConfig controls the optional Prometheus listener. Empty address
// disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// DaemonConfig is the fully resolved daemon configuration.
type DaemonConfig struct {
	ConfigPath   string         `mapstructure:"config_path"`
	Verbose      int            `mapstructure:"verbose"`
	Debounce     time.Duration  `mapstructure:"debounce"`
	MonitorMedia bool           `mapstructure:"monitor_media"`
	InputDir     string         `mapstructure:"input_dir"`
	Actions      []ActionConfig `mapstructure:"action"`

	// LidCloseAction names the action to trigger when the lid closes.
	// Empty means lid events are only logged.
	LidCloseAction string `mapstructure:"lid_close_action"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Session   SessionConfig   `mapstructure:"session"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

var Config *DaemonConfig

var validKinds = map[string]bool{
	"lock":       true,
	"suspend":    true,
	"dpms":       true,
	"brightness": true,
	"command":    true,
}

var validProfiles = map[string]bool{
	"":        true,
	"default": true,
	"ac":      true,
	"battery": true,
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

// InitializeConfig loads the config file and binds global flags. It is called
// from the root command's PersistentPreRunE so every subcommand sees the same
// resolved configuration.
func InitializeConfig(cmd *cobra.Command) error {
	configPath, err := cmd.Root().PersistentFlags().GetString("config-path")
	if err != nil {
		return fmt.Errorf("unable to determine config path: %w", err)
	}

	cfg, err := loadFrom(configPath)
	if err != nil {
		return err
	}

	if verbose, err := cmd.Root().PersistentFlags().GetCount("verbose"); err == nil && verbose > 0 {
		cfg.Verbose = verbose
	}

	Config = cfg
	return nil
}

// LoadConfigFile re-reads the config file under configPath without touching
// command flags. Used by the daemon's config watcher for live reload.
func LoadConfigFile(configPath string) (*DaemonConfig, error) {
	return loadFrom(configPath)
}

func loadFrom(configPath string) (*DaemonConfig, error) {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("toml")

	setDefaults(v)

	v.SetEnvPrefix("stasis")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, the defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &DaemonConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ConfigPath = configPath

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("verbose", 0)
	v.SetDefault("debounce", "0s")
	v.SetDefault("monitor_media", true)
	v.SetDefault("input_dir", "/dev/input")
	v.SetDefault("scheduler.poll_interval", "5s")
	v.SetDefault("scheduler.retry_limit", 3)
	v.SetDefault("session.call_timeout", "10s")
	v.SetDefault("metrics.listen", "")
}

// Validate checks the parsed configuration for unusable values.
func Validate(cfg *DaemonConfig) error {
	if cfg.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive, got %s", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.RetryLimit < 1 {
		return fmt.Errorf("scheduler.retry_limit must be at least 1, got %d", cfg.Scheduler.RetryLimit)
	}
	if cfg.Session.CallTimeout <= 0 {
		return fmt.Errorf("session.call_timeout must be positive, got %s", cfg.Session.CallTimeout)
	}
	if cfg.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative, got %s", cfg.Debounce)
	}

	seen := map[string]bool{}
	for i := range cfg.Actions {
		a := &cfg.Actions[i]
		if a.Name == "" {
			a.Name = a.Kind
		}
		if a.Name == "" {
			return fmt.Errorf("action %d has neither name nor kind", i)
		}
		if !validKinds[a.Kind] {
			return fmt.Errorf("action %q has unknown kind %q", a.Name, a.Kind)
		}
		if !validProfiles[a.Profile] {
			return fmt.Errorf("action %q has unknown profile %q (want default, ac or battery)", a.Name, a.Profile)
		}
		if a.Kind == "command" && a.Command == "" {
			return fmt.Errorf("action %q of kind command needs a command", a.Name)
		}
		if a.Timeout < 0 {
			return fmt.Errorf("action %q has negative timeout %s", a.Name, a.Timeout)
		}
		key := a.Profile + "/" + a.Name
		if seen[key] {
			return fmt.Errorf("duplicate action name %q", a.Name)
		}
		seen[key] = true
	}

	if cfg.LidCloseAction != "" {
		found := false
		for _, a := range cfg.Actions {
			if a.Name == cfg.LidCloseAction {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("lid_close_action %q does not match any configured action", cfg.LidCloseAction)
		}
	}

	return nil
}

// ActionsForProfile returns the actions belonging to the given profile,
// sorted by ascending timeout. When no ac/battery actions are configured the
// default set applies regardless of power source.
func (c *DaemonConfig) ActionsForProfile(profile string) []ActionConfig {
	var hasProfiled bool
	for _, a := range c.Actions {
		if a.Profile == "ac" || a.Profile == "battery" {
			hasProfiled = true
			break
		}
	}

	var out []ActionConfig
	for _, a := range c.Actions {
		p := a.Profile
		if p == "" {
			p = "default"
		}
		if hasProfiled {
			if p == profile {
				out = append(out, a)
			}
		} else if p == "default" {
			out = append(out, a)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timeout < out[j].Timeout })
	return out
}

// DefaultConfigPath returns the per-user config directory.
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(homeDir, BaseDirName)
}
