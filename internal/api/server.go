// Package api serves captioning over HTTP with echo.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/samcharles93/glimpse/internal/caption"
	"github.com/samcharles93/glimpse/internal/inference"
	"github.com/samcharles93/glimpse/internal/logger"
	"github.com/samcharles93/glimpse/internal/webui"
)

// Captioner is what the HTTP layer needs from caption.Captioner.
type Captioner interface {
	Model() string
	Backend() string
	Workers() int
	CaptionReader(ctx context.Context, r io.Reader, opts inference.Options) caption.Result
	CaptionURL(ctx context.Context, rawURL string, opts inference.Options) caption.Result
	Examples() []caption.Example
}

const DefaultMaxUploadBytes = 20 << 20

type ServerConfig struct {
	Captioner Captioner
	Store     *CaptionStore
	Logger    logger.Logger
	// RateLimit is caption requests per second across all clients; zero
	// disables limiting.
	RateLimit      float64
	Burst          int
	MaxUploadBytes int64
}

type Server struct {
	captioner Captioner
	store     *CaptionStore
	log       logger.Logger
	limiter   *rate.Limiter
	maxUpload int64
	clock     func() time.Time
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		captioner: cfg.Captioner,
		store:     cfg.Store,
		log:       cfg.Logger,
		maxUpload: cfg.MaxUploadBytes,
		clock:     time.Now,
	}
	if s.store == nil {
		s.store = NewCaptionStore(0)
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUploadBytes
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/captions", s.handleCaptionUpload, s.rateLimit)
	e.POST("/v1/captions/url", s.handleCaptionURL, s.rateLimit)
	e.GET("/v1/captions/:id", s.handleGetCaption)
	e.DELETE("/v1/captions/:id", s.handleDeleteCaption)

	e.GET("/v1/examples", s.handleExamples)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)

	static := echo.WrapHandler(webui.Handler())
	e.GET("/", static)
	e.GET("/static/*", echo.WrapHandler(http.StripPrefix("/static", webui.Handler())))
}

// NewEcho returns an echo instance with the standard middleware and all
// routes registered.
func NewEcho(s *Server) *echo.Echo {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

// rateLimit answers 429 once the shared token bucket is empty.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			c.Response().Header().Set("Retry-After", "1")
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many caption requests, try again shortly", "", "")
		}
		return next(c)
	}
}
