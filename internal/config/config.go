package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/modectl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultReconcileInterval = 3  // seconds
	defaultThermalInterval   = 5  // seconds
	defaultAlertCooldown     = 30 // seconds
	defaultThermalThreshold  = 88.0

	// Frequency ceilings in kHz, matching the shipped profile table
	defaultPowersaveMaxKHz   = 1800000
	defaultBalancedMaxKHz    = 3200000
	defaultPerformanceMaxKHz = 4200000

	defaultMetricsDB = "/var/lib/modectl/metrics.db"
)

type Config struct {
	LogLevel          string  `mapstructure:"log_level"`
	ReconcileInterval int     `mapstructure:"reconcile_interval"`
	ThermalInterval   int     `mapstructure:"thermal_interval"`
	ThermalThreshold  float64 `mapstructure:"thermal_threshold"`
	AlertCooldown     int     `mapstructure:"alert_cooldown"`
	Metrics           bool    `mapstructure:"metrics"`
	MetricsDB         string  `mapstructure:"database"`
	StatePath         string  `mapstructure:"state_path"`
	PowersaveMaxKHz   int     `mapstructure:"powersave_max_khz"`
	BalancedMaxKHz    int     `mapstructure:"balanced_max_khz"`
	PerformanceMaxKHz int     `mapstructure:"performance_max_khz"`
}

func Load() (*Config, error) {
	errFactory := errors.New()

	flags := pflag.NewFlagSet("modectl", pflag.ContinueOnError)
	configFile := flags.String("config", "", "Path to configuration file")
	logLevel := flags.String("log-level", "", "Log level (debug, info, warning, error)")
	debug := flags.Bool("debug", false, "Enable debug logging")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	metrics := flags.Bool("metrics", false, "Enable metrics collection")
	database := flags.String("database", "", "Path to the metrics database")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("reconcile_interval", defaultReconcileInterval)
	v.SetDefault("thermal_interval", defaultThermalInterval)
	v.SetDefault("thermal_threshold", defaultThermalThreshold)
	v.SetDefault("alert_cooldown", defaultAlertCooldown)
	v.SetDefault("metrics", false)
	v.SetDefault("database", defaultMetricsDB)
	v.SetDefault("state_path", defaultStatePath())
	v.SetDefault("powersave_max_khz", defaultPowersaveMaxKHz)
	v.SetDefault("balanced_max_khz", defaultBalancedMaxKHz)
	v.SetDefault("performance_max_khz", defaultPerformanceMaxKHz)

	v.SetEnvPrefix("MODECTL")
	v.AutomaticEnv()

	switch {
	case *configFile != "":
		v.SetConfigFile(*configFile)
	case os.Getenv("MODECTL_CONFIG") != "":
		v.SetConfigFile(os.Getenv("MODECTL_CONFIG"))
	default:
		v.SetConfigName("modectl")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").WithData(err.Error())
		}
	}

	// Flags override file and environment values
	if *logLevel != "" {
		v.Set("log_level", *logLevel)
	}
	if *debug {
		v.Set("log_level", "debug")
	} else if *verbose && v.GetString("log_level") != "debug" {
		v.Set("log_level", "info")
	}
	if *metrics {
		v.Set("metrics", true)
	}
	if *database != "" {
		v.Set("database", *database)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if !isValidLogLevel(c.LogLevel) {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.ReconcileInterval <= 0 || c.ThermalInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, struct {
			Reconcile int
			Thermal   int
		}{c.ReconcileInterval, c.ThermalInterval})
	}
	if c.AlertCooldown < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.AlertCooldown)
	}
	if c.PowersaveMaxKHz <= 0 || c.BalancedMaxKHz <= 0 || c.PerformanceMaxKHz <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "frequency ceilings must be positive")
	}
	if c.Metrics && c.MetricsDB == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "metrics enabled without database path")
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warning", "warn", "error":
		return true
	default:
		return false
	}
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "/var/lib/modectl/state.json"
	}

	return dir + "/modectl/state.json"
}
