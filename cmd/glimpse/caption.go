package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/glimpse/internal/caption"
	"github.com/samcharles93/glimpse/internal/inference"
	"github.com/samcharles93/glimpse/internal/logger"
)

func captionCmd() *cli.Command {
	var interactive bool

	flags := append(commonModelFlags(), generationFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags, &cli.BoolFlag{
		Name:        "interactive",
		Aliases:     []string{"i"},
		Usage:       "read image paths or URLs from a prompt",
		Destination: &interactive,
	})

	return &cli.Command{
		Name:      "caption",
		Usage:     "Caption local images or image URLs",
		ArgsUsage: "<path|url>...",
		Flags:     flags,
		Before:    setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			args := cmd.Args().Slice()
			if len(args) == 0 && !interactive {
				return errors.New("caption: at least one image path or URL is required (or use --interactive)")
			}

			eng, err := loadEngine(ctx)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			defer func() {
				_ = eng.Close()
			}()

			c := caption.New(eng, newFetcher(0), caption.Config{
				Workers: int(workers),
				Logger:  log,
			})
			opts := generationOptions(cmd, loadedConfig)
			out := cmd.Root().Writer

			failed := 0
			for _, loc := range args {
				res := c.CaptionLocation(ctx, loc, opts)
				if !res.OK() {
					failed++
				}
				writeResult(out, log, loc, res, len(args) > 1)
			}

			if interactive {
				if err := captionPrompt(ctx, c, opts, out, log); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("caption: %d of %d images failed", failed, len(args))
			}
			return nil
		},
	}
}

func writeResult(w io.Writer, log logger.Logger, loc string, res caption.Result, labeled bool) {
	if labeled {
		_, _ = fmt.Fprintf(w, "%s\n", loc)
	}
	_, _ = fmt.Fprintf(w, "Caption: %s\n", res.Text())
	if !res.OK() {
		log.Debug("caption failed", "image", loc, "reason", res.Failure.Reason, "error", res.Failure.Err)
	}
}

// captionPrompt reads locations until EOF, "exit" or an interrupt on an
// empty line.
func captionPrompt(ctx context.Context, c *caption.Captioner, opts inference.Options, w io.Writer, log logger.Logger) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "image> ",
		HistoryFile:     historyPath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          w,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		writeResult(rl.Stdout(), log, line, c.CaptionLocation(ctx, line, opts), false)
	}
}

func historyPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	if err := os.MkdirAll(filepath.Join(dir, "glimpse"), 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, "glimpse", "history")
}
