package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/glimpse/internal/fetch"
	"github.com/samcharles93/glimpse/internal/inference"
)

var (
	configFile   string
	modelName    string
	modelsPath   string
	backend      string
	tritonURL    string
	tritonModel  string
	probeTimeout time.Duration
	tritonRate   float64
	workers      int64
	fetchTimeout time.Duration
	logLevel     string
	logFormat    string
	debug        bool

	maxLength     int64
	numBeams      int64
	earlyStopping bool
	prompt        string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default ~/.config/glimpse/config.yaml)",
			Sources:     cli.EnvVars("GLIMPSE_CONFIG"),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model id or directory",
			Value:       inference.DefaultModel,
			Destination: &modelName,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory holding models (plain or Hugging Face cache layout)",
			Sources:     cli.EnvVars("GLIMPSE_MODELS_DIR"),
			Destination: &modelsPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "caption backend (triton, toy)",
			Value:       inference.BackendTriton,
			Sources:     cli.EnvVars("GLIMPSE_BACKEND"),
			Destination: &backend,
		},
		&cli.StringFlag{
			Name:        "triton-url",
			Usage:       "base URL of the KServe v2 inference server",
			Value:       "http://127.0.0.1:8000",
			Sources:     cli.EnvVars("GLIMPSE_TRITON_URL"),
			Destination: &tritonURL,
		},
		&cli.StringFlag{
			Name:        "triton-model",
			Usage:       "model name on the inference server (derived from --model when empty)",
			Destination: &tritonModel,
		},
		&cli.Float64Flag{
			Name:        "triton-rate",
			Usage:       "requests per second sent to the inference server (0 disables)",
			Sources:     cli.EnvVars("GLIMPSE_TRITON_RATE"),
			Destination: &tritonRate,
		},
		&cli.DurationFlag{
			Name:        "probe-timeout",
			Usage:       "how long to wait for the inference server at startup",
			Value:       10 * time.Second,
			Destination: &probeTimeout,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "concurrent caption generations",
			Value:       1,
			Destination: &workers,
		},
		&cli.DurationFlag{
			Name:        "fetch-timeout",
			Usage:       "timeout for downloading an image URL",
			Value:       fetch.DefaultTimeout,
			Destination: &fetchTimeout,
		},
	}
}

// generationFlags override the decoding defaults only when set.
func generationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-length",
			Usage:       "maximum caption length in tokens, including the start token",
			Destination: &maxLength,
		},
		&cli.Int64Flag{
			Name:        "num-beams",
			Usage:       "beam width (1 is greedy)",
			Destination: &numBeams,
		},
		&cli.BoolFlag{
			Name:        "early-stopping",
			Usage:       "stop beam search once enough finished candidates exist",
			Destination: &earlyStopping,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Usage:       "text the caption should start with (conditional captioning)",
			Destination: &prompt,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("GLIMPSE_LOG_LEVEL"),
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       "auto",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// generationOptions returns the decoding overrides given on the command
// line or in the config file.
func generationOptions(cmd *cli.Command, cfg Config) inference.Options {
	var opts inference.Options
	switch {
	case cmd.IsSet("max-length"):
		n := int(maxLength)
		opts.MaxLength = &n
	case cfg.MaxLength != nil:
		n := *cfg.MaxLength
		opts.MaxLength = &n
	}
	switch {
	case cmd.IsSet("num-beams"):
		n := int(numBeams)
		opts.NumBeams = &n
	case cfg.NumBeams != nil:
		n := *cfg.NumBeams
		opts.NumBeams = &n
	}
	switch {
	case cmd.IsSet("early-stopping"):
		b := earlyStopping
		opts.EarlyStopping = &b
	case cfg.EarlyStopping != nil:
		b := *cfg.EarlyStopping
		opts.EarlyStopping = &b
	}
	switch {
	case cmd.IsSet("prompt"):
		p := prompt
		opts.Prompt = &p
	case cfg.Prompt != nil:
		p := *cfg.Prompt
		opts.Prompt = &p
	}
	return opts
}
