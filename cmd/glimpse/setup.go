package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/glimpse/internal/fetch"
	"github.com/samcharles93/glimpse/internal/inference"
	"github.com/samcharles93/glimpse/internal/logger"
)

// loadedConfig is the config file read by setup.
var loadedConfig Config

// setup reads the config file, applies it to unset flags and installs the
// logger into the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configPath())
	if err != nil {
		return ctx, err
	}
	loadedConfig = cfg
	applyCommonConfig(cmd, cfg)

	level := slog.LevelDebug
	if !debug {
		if level, err = logger.ParseLevel(logLevel); err != nil {
			return ctx, err
		}
	}
	tty := isTerminal(os.Stderr)
	format := strings.ToLower(strings.TrimSpace(logFormat))
	if format == "" || format == "auto" {
		format = logger.FormatText
		if tty {
			format = logger.FormatPretty
		}
	}
	log, err := logger.Setup(os.Stderr, logger.Options{Format: format, Level: level, Color: tty})
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

func loadEngine(ctx context.Context) (*inference.Engine, error) {
	dir := modelsPath
	if dir == "" {
		dir = defaultModelsDir()
	}
	return inference.Loader{
		ModelsDir:    dir,
		Backend:      backend,
		TritonURL:    tritonURL,
		TritonModel:  tritonModel,
		ProbeTimeout: probeTimeout,
		TritonRate:   tritonRate,
	}.Load(ctx, modelName)
}

func newFetcher(rate float64) *fetch.Fetcher {
	return fetch.New(fetch.Config{Timeout: fetchTimeout, RatePerSecond: rate, Burst: max(int(rate), 1)})
}

// defaultModelsDir is the Hugging Face cache, where downloaded checkpoints
// normally live.
func defaultModelsDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if dir := os.Getenv("HF_HOME"); dir != "" {
		return filepath.Join(dir, "hub")
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "huggingface", "hub")
	}
	return ""
}
