// Package config loads the daemon settings and the thermal tables.
package config

import (
	"io/fs"
	"os"
	"strings"

	"codeberg.org/mutker/thermald/internal/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigPath   = "/etc/thermald.toml"
	DefaultEnvFile      = "/etc/default/thermald"
	DefaultEnvPrefix    = "THERMALD"
	DefaultEnvironment  = "/etc/thermald/environment.toml"
	DefaultSeedProfile  = "/etc/thermald/profile.toml"
	DefaultConfDir      = "/var/lib/thermald"
	DefaultScenarioFile = "/run/thermald/thermald.scen"
	DefaultDConfFile    = "/run/thermald/thermald.dconf"
	DefaultPollInterval = 1000
	DefaultLogLevel     = "info"
	DefaultTelemetryDB  = "/var/lib/thermald/telemetry.db"
)

type Config struct {
	Environment  string `mapstructure:"environment"`
	SeedProfile  string `mapstructure:"seed_profile"`
	ConfDir      string `mapstructure:"conf_dir"`
	ScenarioFile string `mapstructure:"scenario_file"`
	DConfFile    string `mapstructure:"dconf_file"`
	PollInterval int    `mapstructure:"poll_interval"`
	LogLevel     string `mapstructure:"log_level"`
	Telemetry    bool   `mapstructure:"telemetry"`
	TelemetryDB  string `mapstructure:"telemetry_db"`
	PIDFile      string `mapstructure:"pid_file"`
}

// Load reads the configuration with flags taking precedence over the
// environment, the environment over the config file and the file over
// defaults.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()
	o := &options{
		envPrefix: DefaultEnvPrefix,
		envFile:   DefaultEnvFile,
		args:      os.Args[1:],
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err).WithMessage("Failed to read env file")
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := newFlagSet()
	if err := flags.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	if err := bindFlags(v, flags); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	configPath, explicit := resolveConfigPath(o, flags)
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil || explicit {
			v.SetConfigFile(configPath)
			v.SetConfigType("toml")
			if err := v.ReadInConfig(); err != nil {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err).WithMessage("Failed to read config file")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.PollInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.PollInterval)
	}

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	required := map[string]string{
		"environment":   c.Environment,
		"conf_dir":      c.ConfDir,
		"scenario_file": c.ScenarioFile,
		"dconf_file":    c.DConfFile,
	}
	for key, value := range required {
		if value == "" {
			return errFactory.WithData(errors.ErrMissingConfig, key)
		}
	}

	if c.Telemetry && c.TelemetryDB == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "telemetry_db")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", DefaultEnvironment)
	v.SetDefault("seed_profile", DefaultSeedProfile)
	v.SetDefault("conf_dir", DefaultConfDir)
	v.SetDefault("scenario_file", DefaultScenarioFile)
	v.SetDefault("dconf_file", DefaultDConfFile)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("telemetry", false)
	v.SetDefault("telemetry_db", DefaultTelemetryDB)
	v.SetDefault("pid_file", "")
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("thermald", pflag.ContinueOnError)
	flags.String("config", "", "Path to the configuration file")
	flags.String("environment", DefaultEnvironment, "Sensor and device table")
	flags.String("seed-profile", DefaultSeedProfile, "Profile copied into conf-dir when missing")
	flags.String("conf-dir", DefaultConfDir, "Directory holding loadable profiles")
	flags.String("scenario-file", DefaultScenarioFile, "Scenario selector file")
	flags.String("dconf-file", DefaultDConfFile, "Profile selector file")
	flags.Int("poll-interval", DefaultPollInterval, "Selector poll interval in milliseconds")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.Bool("telemetry", false, "Record device and scenario changes")
	flags.String("telemetry-db", DefaultTelemetryDB, "Telemetry database path")
	flags.String("pid-file", "", "PID file path")

	return flags
}

// bindFlags maps every dashed flag onto its underscored key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Name == "config" {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})

	return err
}

// resolveConfigPath picks the config file. explicit is true when the path
// was asked for and must therefore exist.
func resolveConfigPath(o *options, flags *pflag.FlagSet) (string, bool) {
	if o.configPath != "" {
		return o.configPath, true
	}
	if f := flags.Lookup("config"); f != nil && f.Changed {
		return f.Value.String(), true
	}
	if env, ok := os.LookupEnv(o.envPrefix + "_CONFIG"); ok {
		return env, env != ""
	}

	return DefaultConfigPath, false
}
