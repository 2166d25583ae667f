package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/glimpse/internal/api"
	"github.com/samcharles93/glimpse/internal/caption"
	"github.com/samcharles93/glimpse/internal/inference"
	"github.com/samcharles93/glimpse/internal/logger"
)

type serveSettings struct {
	addr        string
	readTimeout time.Duration
	rateLimit   float64
	fetchRate   float64
	cacheTTL    time.Duration
	examples    []string
	noWarm      bool
	public      bool
}

func serveCmd() *cli.Command {
	s := serveSettings{}

	flags := append(commonModelFlags(), generationFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:7860",
			Destination: &s.addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &s.readTimeout,
		},
		&cli.Float64Flag{
			Name:        "rate-limit",
			Usage:       "caption requests per second across all clients (0 disables)",
			Value:       5,
			Destination: &s.rateLimit,
		},
		&cli.Float64Flag{
			Name:        "fetch-rate",
			Usage:       "outgoing image downloads per second (0 disables)",
			Value:       10,
			Destination: &s.fetchRate,
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Usage:       "how long captions are cached (negative disables)",
			Value:       30 * time.Minute,
			Destination: &s.cacheTTL,
		},
		&cli.StringSliceFlag{
			Name:        "example",
			Usage:       "example image URL shown in the web UI (repeatable)",
			Destination: &s.examples,
		},
		&cli.BoolFlag{
			Name:        "no-warm",
			Usage:       "do not caption the examples at startup",
			Destination: &s.noWarm,
		},
		&cli.BoolFlag{
			Name:        "public",
			Usage:       "listen on all interfaces and log links other machines can open",
			Destination: &s.public,
		},
	)

	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve the web UI and the captioning API",
		Flags:  flags,
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, loadedConfig, &s)
			if len(s.examples) == 0 {
				s.examples = caption.DefaultExampleURLs
			}

			eng, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = eng.Close()
			}()

			if s.public {
				ifaces, err := net.InterfaceAddrs()
				if err != nil {
					return fmt.Errorf("list interface addresses: %w", err)
				}
				bind, links, err := shareAddr(s.addr, ifaces)
				if err != nil {
					return err
				}
				s.addr = bind
				for _, link := range links {
					log.Info("public link", "url", link)
				}
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			capt := caption.New(eng, newFetcher(s.fetchRate), caption.Config{
				Workers:  int(workers),
				CacheTTL: s.cacheTTL,
				Defaults: caption.MergeOptions(caption.InteractiveDefaults(), generationOptions(cmd, loadedConfig)),
				Logger:   log.With("component", "caption"),
			})
			capt.SetExamples(s.examples)
			if !s.noWarm {
				go warmExamples(ctx, capt, s.examples, log)
			}

			server := api.NewServer(api.ServerConfig{
				Captioner: capt,
				Logger:    log.With("component", "api"),
				RateLimit: s.rateLimit,
				Burst:     max(int(s.rateLimit), 1),
			})
			e := api.NewEcho(server)

			params := capt.Params(inference.Options{})
			log.Info("starting server",
				"address", s.addr,
				"model", eng.Name(),
				"backend", eng.Backend(),
				"max_length", params.MaxLength,
				"num_beams", params.NumBeams,
				"workers", capt.Workers(),
			)
			sc := echo.StartConfig{
				Address: s.addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = s.readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func warmExamples(ctx context.Context, c *caption.Captioner, urls []string, log logger.Logger) {
	start := time.Now()
	if err := c.Warm(ctx, urls, inference.Options{}); err != nil {
		log.Debug("example warm-up interrupted", "error", err)
		return
	}
	ready := 0
	for _, ex := range c.Examples() {
		if ex.Ready {
			ready++
		}
	}
	log.Info("examples ready", "ready", ready, "total", len(urls), "duration", time.Since(start))
}

// shareAddr rebinds addr to every interface and lists the URLs other
// machines can use to reach it.
func shareAddr(addr string, ifaces []net.Addr) (string, []string, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", nil, fmt.Errorf("addr %q: %w", addr, err)
	}
	var links []string
	for _, a := range ifaces {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		links = append(links, "http://"+net.JoinHostPort(ipnet.IP.String(), port)+"/")
	}
	return net.JoinHostPort("0.0.0.0", port), links, nil
}
