package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is ~/.config/glimpse/config.yaml. Values only apply to flags
// that were not set on the command line or through the environment.
type Config struct {
	Model        string         `yaml:"model"`
	ModelsDir    string         `yaml:"models_dir"`
	Backend      string         `yaml:"backend"`
	TritonURL    string         `yaml:"triton_url"`
	TritonModel  string         `yaml:"triton_model"`
	TritonRate   *float64       `yaml:"triton_rate"`
	Workers      *int64         `yaml:"workers"`
	FetchTimeout *time.Duration `yaml:"fetch_timeout"`

	// Decoding
	MaxLength     *int    `yaml:"max_length"`
	NumBeams      *int    `yaml:"num_beams"`
	EarlyStopping *bool   `yaml:"early_stopping"`
	Prompt        *string `yaml:"prompt"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string         `yaml:"server_address"`
	Public        *bool          `yaml:"public"`
	RateLimit     *float64       `yaml:"rate_limit"`
	CacheTTL      *time.Duration `yaml:"cache_ttl"`
	Examples      []string       `yaml:"examples"`
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "glimpse", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyCommonConfig fills model and logging settings from cfg where the
// corresponding flag was not set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelName = cfg.Model
	}
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backend = cfg.Backend
	}
	if cfg.TritonURL != "" && !c.IsSet("triton-url") {
		tritonURL = cfg.TritonURL
	}
	if cfg.TritonModel != "" && !c.IsSet("triton-model") {
		tritonModel = cfg.TritonModel
	}
	if cfg.TritonRate != nil && !c.IsSet("triton-rate") {
		tritonRate = *cfg.TritonRate
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.FetchTimeout != nil && !c.IsSet("fetch-timeout") {
		fetchTimeout = *cfg.FetchTimeout
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, s *serveSettings) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		s.addr = cfg.ServerAddress
	}
	if cfg.Public != nil && !c.IsSet("public") {
		s.public = *cfg.Public
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		s.rateLimit = *cfg.RateLimit
	}
	if cfg.CacheTTL != nil && !c.IsSet("cache-ttl") {
		s.cacheTTL = *cfg.CacheTTL
	}
	if len(cfg.Examples) > 0 && !c.IsSet("example") {
		s.examples = cfg.Examples
	}
}
