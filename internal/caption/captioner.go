// Package caption turns images from files, uploads and URLs into captions
// with typed failures.
package caption

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/glimpse/internal/fetch"
	"github.com/samcharles93/glimpse/internal/inference"
	"github.com/samcharles93/glimpse/internal/logger"
	"github.com/samcharles93/glimpse/internal/vision"
)

// Engine is the part of inference.Engine the captioner drives.
type Engine interface {
	Name() string
	Backend() string
	ResolveParams(opts inference.Options) inference.Params
	Preprocess(img image.Image) (*vision.PixelValues, error)
	Generate(ctx context.Context, pv *vision.PixelValues, params inference.Params) (*inference.Output, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (image.Image, error)
}

type Config struct {
	// Workers bounds concurrent generations.
	Workers int
	// CacheTTL of zero uses the default; negative disables caching.
	CacheTTL time.Duration
	// Defaults are layered under every request's options.
	Defaults inference.Options
	Logger   logger.Logger
}

const (
	defaultCacheTTL     = 30 * time.Minute
	defaultCacheCleanup = time.Hour
)

// InteractiveDefaults are the decoding settings of the web surface.
func InteractiveDefaults() inference.Options {
	maxLength, beams, early := 50, 5, true
	return inference.Options{MaxLength: &maxLength, NumBeams: &beams, EarlyStopping: &early}
}

// Captioner is safe for concurrent use.
type Captioner struct {
	engine   Engine
	fetcher  Fetcher
	sem      *semaphore.Weighted
	workers  int
	cache    *cache.Cache
	defaults inference.Options
	log      logger.Logger

	examples *exampleSet
}

func New(engine Engine, fetcher Fetcher, cfg Config) *Captioner {
	workers := max(cfg.Workers, 1)
	c := &Captioner{
		engine:   engine,
		fetcher:  fetcher,
		sem:      semaphore.NewWeighted(int64(workers)),
		workers:  workers,
		defaults: cfg.Defaults,
		log:      cfg.Logger,
		examples: &exampleSet{},
	}
	if c.log == nil {
		c.log = logger.Default()
	}
	switch {
	case cfg.CacheTTL > 0:
		c.cache = cache.New(cfg.CacheTTL, defaultCacheCleanup)
	case cfg.CacheTTL == 0:
		c.cache = cache.New(defaultCacheTTL, defaultCacheCleanup)
	}
	return c
}

func (c *Captioner) Model() string   { return c.engine.Name() }
func (c *Captioner) Backend() string { return c.engine.Backend() }
func (c *Captioner) Workers() int    { return c.workers }

// Params resolves opts against the captioner defaults and the model's
// generation config.
func (c *Captioner) Params(opts inference.Options) inference.Params {
	return c.engine.ResolveParams(MergeOptions(c.defaults, opts))
}

// CaptionImage captions a decoded image.
func (c *Captioner) CaptionImage(ctx context.Context, img image.Image, opts inference.Options) Result {
	if img == nil || img.Bounds().Empty() {
		return failed(ReasonInvalidInput, MessageCaptionFailed, errors.New("no image provided"))
	}
	start := time.Now()
	params := c.Params(opts)
	if err := params.Validate(); err != nil {
		return failed(ReasonInvalidInput, MessageCaptionFailed, err)
	}

	pv, err := c.engine.Preprocess(img)
	if err != nil {
		return failed(ReasonInferenceFailed, MessageCaptionFailed, fmt.Errorf("preprocess: %w", err))
	}

	key := cacheKey(pv, params)
	if res, ok := c.cached(key); ok {
		res.Duration = time.Since(start)
		return res
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return failed(ReasonCanceled, MessageCaptionFailed, err)
	}
	out, err := c.engine.Generate(ctx, pv, params)
	c.sem.Release(1)
	if err != nil {
		reason := ReasonInferenceFailed
		switch {
		case ctx.Err() != nil:
			reason = ReasonCanceled
		case errors.Is(err, inference.ErrInvalidParams):
			reason = ReasonInvalidInput
		}
		return failed(reason, MessageCaptionFailed, err)
	}

	res := Result{
		Caption:  out.Text,
		Tokens:   out.Tokens,
		Params:   params,
		Duration: time.Since(start),
	}
	if c.cache != nil {
		stored := res
		stored.Tokens = slices.Clone(res.Tokens)
		c.cache.SetDefault(key, stored)
	}
	c.log.Debug("caption generated", "tokens", len(out.Tokens), "beams", params.NumBeams, "duration", res.Duration)
	return res
}

func (c *Captioner) cached(key string) (Result, bool) {
	if c.cache == nil {
		return Result{}, false
	}
	v, ok := c.cache.Get(key)
	if !ok {
		return Result{}, false
	}
	res := v.(Result)
	res.Tokens = slices.Clone(res.Tokens)
	res.Cached = true
	return res, true
}

// CaptionReader decodes an uploaded image and captions it.
func (c *Captioner) CaptionReader(ctx context.Context, r io.Reader, opts inference.Options) Result {
	if r == nil {
		return failed(ReasonInvalidInput, MessageCaptionFailed, errors.New("no image provided"))
	}
	img, _, err := vision.Decode(r)
	if err != nil {
		return decodeFailure(MessageCaptionFailed, err)
	}
	return c.CaptionImage(ctx, img, opts)
}

// CaptionFile captions the image stored at path.
func (c *Captioner) CaptionFile(ctx context.Context, path string, opts inference.Options) Result {
	f, err := os.Open(path)
	if err != nil {
		return failed(ReasonInvalidInput, MessageCaptionFailed, err)
	}
	defer f.Close()
	img, _, err := vision.Decode(f)
	if err != nil {
		return decodeFailure(MessageCaptionFailed, fmt.Errorf("%s: %w", path, err))
	}
	return c.CaptionImage(ctx, img, opts)
}

// CaptionURL fetches the image behind rawURL and captions it. Every fetch
// or decode problem is reported with MessageFetchFailed.
func (c *Captioner) CaptionURL(ctx context.Context, rawURL string, opts inference.Options) Result {
	if c.fetcher == nil {
		return failed(ReasonFetchFailed, MessageFetchFailed, errors.New("url fetching is disabled"))
	}
	img, err := c.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return failed(fetchReason(ctx, err), MessageFetchFailed, err)
	}
	res := c.CaptionImage(ctx, img, opts)
	if res.Failure != nil && res.Failure.Reason == ReasonCanceled {
		res.Failure.Message = MessageFetchFailed
	}
	return res
}

// CaptionLocation treats http(s) locations as URLs and anything else as a
// local path.
func (c *Captioner) CaptionLocation(ctx context.Context, loc string, opts inference.Options) Result {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return failed(ReasonInvalidInput, MessageCaptionFailed, errors.New("empty image location"))
	}
	if IsURL(loc) {
		return c.CaptionURL(ctx, loc, opts)
	}
	return c.CaptionFile(ctx, loc, opts)
}

func IsURL(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func decodeFailure(message string, err error) Result {
	switch {
	case errors.Is(err, vision.ErrTooLarge):
		return failed(ReasonInvalidInput, message, err)
	case errors.Is(err, vision.ErrUnsupportedFormat):
		return failed(ReasonNotAnImage, message, err)
	}
	return failed(ReasonDecodeFailed, message, err)
}

func fetchReason(ctx context.Context, err error) Reason {
	switch {
	case ctx.Err() != nil:
		return ReasonCanceled
	case errors.Is(err, fetch.ErrInvalidURL), errors.Is(err, vision.ErrTooLarge):
		return ReasonInvalidInput
	case errors.Is(err, fetch.ErrNotImage):
		return ReasonNotAnImage
	case errors.Is(err, fetch.ErrDecode):
		return ReasonDecodeFailed
	default:
		return ReasonFetchFailed
	}
}

func cacheKey(pv *vision.PixelValues, p inference.Params) string {
	return fmt.Sprintf("%s|%d|%d|%d|%t|%g|%g|%t|%d|%g|%d|%g|%q",
		pv.Fingerprint(), p.MaxLength, p.MinLength, p.NumBeams, p.EarlyStopping,
		p.LengthPenalty, p.RepetitionPenalty, p.DoSample, p.Seed, p.Temperature, p.TopK, p.TopP, p.Prompt)
}

// MergeOptions returns base with every non-nil field of over applied.
func MergeOptions(base, over inference.Options) inference.Options {
	out := base
	if over.MaxLength != nil {
		out.MaxLength = over.MaxLength
	}
	if over.MinLength != nil {
		out.MinLength = over.MinLength
	}
	if over.NumBeams != nil {
		out.NumBeams = over.NumBeams
	}
	if over.EarlyStopping != nil {
		out.EarlyStopping = over.EarlyStopping
	}
	if over.LengthPenalty != nil {
		out.LengthPenalty = over.LengthPenalty
	}
	if over.RepetitionPenalty != nil {
		out.RepetitionPenalty = over.RepetitionPenalty
	}
	if over.DoSample != nil {
		out.DoSample = over.DoSample
	}
	if over.Seed != nil {
		out.Seed = over.Seed
	}
	if over.Temperature != nil {
		out.Temperature = over.Temperature
	}
	if over.TopK != nil {
		out.TopK = over.TopK
	}
	if over.TopP != nil {
		out.TopP = over.TopP
	}
	if over.Prompt != nil {
		out.Prompt = over.Prompt
	}
	return out
}
