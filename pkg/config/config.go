// Package config loads swirl's run configuration.
//
// Configuration is layered, later sources overriding earlier ones:
//  1. Default values
//  2. A YAML file (--config, or ./swirl.yaml, $HOME/.swirl/config.yaml)
//  3. Environment variables with the SWIRL_ prefix
//
// Nested keys use underscores in the environment:
//   - SWIRL_PARALLEL=10
//   - SWIRL_FAIL_PERCENT=20
//   - SWIRL_LOGGING_LEVEL=debug
//
// The resulting Config feeds the engine (Engine), the lowest-precedence
// global arguments (Defaults) and telemetry (Telemetry).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/swirl/pkg/engine"
	"github.com/openfroyo/swirl/pkg/telemetry"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "SWIRL"

// Config is the root configuration.
type Config struct {
	// FailPercent aborts the run once more than this percentage of hosts
	// has failed. Unset means failures never abort the run.
	FailPercent *float64 `mapstructure:"fail_percent" validate:"omitempty,gte=0,lte=100"`

	// Parallel bounds how many hosts are worked on at once. Zero means all.
	Parallel int `mapstructure:"parallel" validate:"gte=0"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gte=0"`
	ConnectRate    float64       `mapstructure:"connect_rate" validate:"gte=0"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" validate:"gte=0"`

	Sudo     bool   `mapstructure:"sudo"`
	SudoUser string `mapstructure:"sudo_user"`
	SuUser   string `mapstructure:"su_user"`
	Doas     bool   `mapstructure:"doas"`
	DoasUser string `mapstructure:"doas_user"`

	ShellExecutable string            `mapstructure:"shell_executable" validate:"required"`
	Env             map[string]string `mapstructure:"env"`
	IgnoreErrors    bool              `mapstructure:"ignore_errors"`
	Retries         int               `mapstructure:"retries" validate:"gte=0"`
	RetryDelay      time.Duration     `mapstructure:"retry_delay" validate:"gte=0"`

	// Pipelining batches the fact lookups of pipelined operations.
	Pipelining bool `mapstructure:"pipelining"`

	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
	Path          string `mapstructure:"path" validate:"startswith=/"`
	Namespace     string `mapstructure:"namespace"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter" validate:"oneof=stdout otlp none"`
	Endpoint     string  `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Load reads configuration from cfgFile, or from the default search paths
// when cfgFile is empty. Only a missing default file is tolerated.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("swirl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// $HOME/.swirl/config.yaml is read when ./swirl.yaml is absent
	if cfgFile == "" && v.ConfigFileUsed() == "" {
		if home, err := os.UserHomeDir(); err == nil {
			v.SetConfigFile(home + "/.swirl/config.yaml")
			if err := v.ReadInConfig(); err != nil && !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without a default are only seen through explicit binding
	_ = v.BindEnv("fail_percent")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if used := v.ConfigFileUsed(); used != "" {
		env, err := readEnvSection(used)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		cfg.Env = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("parallel", 0)
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("connect_rate", 0)
	v.SetDefault("command_timeout", "0s")

	v.SetDefault("sudo", false)
	v.SetDefault("sudo_user", "")
	v.SetDefault("su_user", "")
	v.SetDefault("doas", false)
	v.SetDefault("doas_user", "")

	v.SetDefault("shell_executable", "sh")
	v.SetDefault("ignore_errors", false)
	v.SetDefault("retries", 0)
	v.SetDefault("retry_delay", "5s")
	v.SetDefault("pipelining", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_address", "")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "swirl")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampling_rate", 1.0)
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Engine returns the engine settings.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		FailPercent:    c.FailPercent,
		Parallel:       c.Parallel,
		ConnectTimeout: c.ConnectTimeout,
		ConnectRate:    c.ConnectRate,
		Pipelining:     c.Pipelining,
		Defaults:       c.Defaults(),
	}
}

// Defaults returns the global arguments the configuration sets, the lowest
// layer of argument precedence. Zero values are left out so they never mask
// the engine's own defaults.
func (c *Config) Defaults() engine.Kwargs {
	kw := engine.Kwargs{}
	set := func(key string, value any, ok bool) {
		if ok {
			kw[key] = value
		}
	}

	set("sudo", c.Sudo, c.Sudo)
	set("sudo_user", c.SudoUser, c.SudoUser != "")
	set("su_user", c.SuUser, c.SuUser != "")
	set("doas", c.Doas, c.Doas)
	set("doas_user", c.DoasUser, c.DoasUser != "")
	set("shell_executable", c.ShellExecutable, c.ShellExecutable != "")
	set("env", c.Env, len(c.Env) > 0)
	set("timeout", c.CommandTimeout, c.CommandTimeout > 0)
	set("ignore_errors", c.IgnoreErrors, c.IgnoreErrors)
	set("retries", c.Retries, c.Retries > 0)
	set("retry_delay", c.RetryDelay, c.Retries > 0)

	return kw
}

// Telemetry returns the telemetry configuration for the given version.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.ListenAddress
	tc.Metrics.Path = c.Metrics.Path
	tc.Metrics.Namespace = c.Metrics.Namespace

	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	return tc
}

// readEnvSection re-reads the env map from the file itself, since viper
// lowercases map keys and environment variable names are case sensitive.
func readEnvSection(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var raw struct {
		Env map[string]string `yaml:"env"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw.Env, nil
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
