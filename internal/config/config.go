// Package config loads the supervisor configuration from TOML, dotenv files
// and the environment. The result is immutable after Load.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loykin/gridvisor/internal/auth"
	"github.com/loykin/gridvisor/internal/cron"
	"github.com/loykin/gridvisor/internal/env"
	"github.com/loykin/gridvisor/internal/logger"
	"github.com/loykin/gridvisor/internal/metrics"
	"github.com/loykin/gridvisor/internal/process"
	"github.com/loykin/gridvisor/internal/tracing"
)

// ErrNoExecutable means neither the config nor the environment named the
// engine executable.
var ErrNoExecutable = errors.New("engine executable not configured (set engine.executable or RESINSIGHT_EXECUTABLE)")

const (
	EnvPrefix        = "GRIDVISOR"
	LegacyExeEnv     = "RESINSIGHT_EXECUTABLE"
	DefaultPort      = 50099
	DefaultListen    = "127.0.0.1:8087"
	DefaultBasePath  = "/api"
	defaultEngineTag = "ResInsight"
)

type Config struct {
	EnvFiles []string       `mapstructure:"env_files"`
	Env      []string       `mapstructure:"env"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	History  HistoryConfig  `mapstructure:"history"`
	Log      logger.Options `mapstructure:"log"`
	Tracing  tracing.Config `mapstructure:"tracing"`
	Source   string         `mapstructure:"-"` // config file path, empty when none
}

type EngineConfig struct {
	Name           string                 `mapstructure:"name"`
	Executable     string                 `mapstructure:"executable"`
	Port           int                    `mapstructure:"port"`
	Args           []string               `mapstructure:"args"`
	WorkDir        string                 `mapstructure:"work_dir"`
	Env            []string               `mapstructure:"env"`
	ProbeTimeout   time.Duration          `mapstructure:"probe_timeout"`
	ReapTimeout    time.Duration          `mapstructure:"reap_timeout"`
	StopOnShutdown bool                   `mapstructure:"stop_on_shutdown"`
	Warmup         bool                   `mapstructure:"warmup"`
	KeepWarm       string                 `mapstructure:"keep_warm"` // cron expression or "@every <duration>"; empty disables
	Log            logger.Config          `mapstructure:"log"`
	Resources      metrics.ResourceConfig `mapstructure:"resources"`
}

type ServerConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	Listen        string      `mapstructure:"listen"`
	BasePath      string      `mapstructure:"base_path"`
	TLS           *TLSConfig  `mapstructure:"tls"`
	TLSMinVersion string      `mapstructure:"tls_min_version"`
	TLSMaxVersion string      `mapstructure:"tls_max_version"`
	Auth          auth.Config `mapstructure:"auth"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// MetricsConfig: an empty Listen serves /metrics on the API server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	DSNs      []string `mapstructure:"dsns"`
	QueueSize int      `mapstructure:"queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.name", defaultEngineTag)
	v.SetDefault("engine.port", DefaultPort)
	v.SetDefault("engine.probe_timeout", 4*time.Second)
	v.SetDefault("engine.reap_timeout", 5*time.Second)
	v.SetDefault("engine.resources.interval", 10*time.Second)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("history.queue_size", 256)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Load reads path (optional) and applies environment overrides. Keys map to
// GRIDVISOR_<SECTION>_<KEY>, e.g. GRIDVISOR_ENGINE_PORT. The engine
// executable may also come from RESINSIGHT_EXECUTABLE, in the environment
// or in one of env_files.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("engine.executable", EnvPrefix+"_ENGINE_EXECUTABLE", LegacyExeEnv); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Source = path

	if len(c.EnvFiles) > 0 {
		base := ""
		if path != "" {
			base = filepath.Dir(path)
		}
		for i, f := range c.EnvFiles {
			if !filepath.IsAbs(f) && base != "" {
				c.EnvFiles[i] = filepath.Join(base, f)
			}
		}
		if c.Engine.Executable == "" {
			vars, err := godotenv.Read(c.EnvFiles...)
			if err != nil {
				return nil, fmt.Errorf("read env_files: %w", err)
			}
			c.Engine.Executable = vars[LegacyExeEnv]
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Engine.Executable == "" {
		return ErrNoExecutable
	}
	if err := c.EngineSpec().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Engine.ProbeTimeout <= 0 {
		return fmt.Errorf("engine.probe_timeout must be > 0, got %s", c.Engine.ProbeTimeout)
	}
	if c.Engine.ReapTimeout <= 0 {
		return fmt.Errorf("engine.reap_timeout must be > 0, got %s", c.Engine.ReapTimeout)
	}
	if c.Engine.KeepWarm != "" {
		if _, err := cron.Parse(c.Engine.KeepWarm); err != nil {
			return fmt.Errorf("engine.keep_warm: %w", err)
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		return fmt.Errorf("log.format must be text, json or color, got %q", c.Log.Format)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /, got %q", c.Server.BasePath)
	}
	if err := c.Server.Auth.Validate(); err != nil {
		return fmt.Errorf("server.auth: %w", err)
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		return errors.New("history.enabled requires at least one entry in history.dsns")
	}
	return nil
}

// EngineSpec converts the engine section into a launch spec.
func (c *Config) EngineSpec() process.Spec {
	return process.Spec{
		Name:       c.Engine.Name,
		Executable: c.Engine.Executable,
		Port:       c.Engine.Port,
		ExtraArgs:  c.Engine.Args,
		WorkDir:    c.Engine.WorkDir,
		Env:        c.Engine.Env,
		Log:        c.Engine.Log,
	}
}

// EngineEnv builds the environment composer for the engine: OS environment,
// then env_files, then the top-level env list. engine.env is applied per
// launch on top of this.
func (c *Config) EngineEnv() (*env.Env, error) {
	e := env.New()
	if err := e.LoadFiles(c.EnvFiles...); err != nil {
		return nil, err
	}
	if err := e.SetPairs(c.Env); err != nil {
		return nil, err
	}
	return e, nil
}
