// Package fetch downloads images from user supplied URLs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mvdan/xurls"
	"golang.org/x/time/rate"

	"github.com/samcharles93/glimpse/internal/vision"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultMaxBytes = 20 << 20
	userAgent       = "glimpse/1 (+image captioning)"
)

type Config struct {
	// Timeout bounds the whole fetch, including one HTML page hop.
	Timeout  time.Duration
	MaxBytes int64
	// RatePerSecond limits outgoing requests; zero disables the limit.
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
	UserAgent     string
}

type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	maxBytes  int64
	limiter   *rate.Limiter
	userAgent string
}

func New(cfg Config) *Fetcher {
	f := &Fetcher{
		client:    cfg.HTTPClient,
		timeout:   cfg.Timeout,
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxBytes
	}
	if f.userAgent == "" {
		f.userAgent = userAgent
	}
	if cfg.RatePerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.Burst, 1))
	}
	return f
}

func (f *Fetcher) Timeout() time.Duration { return f.timeout }

// ExtractURL returns the first http(s) URL found in text. A bare host
// such as "example.com/cat.jpg" is taken as https.
func ExtractURL(text string) (*url.URL, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fail(ErrInvalidURL, "", errors.New("empty url"))
	}
	found := xurls.Relaxed.FindString(text)
	if found == "" {
		return nil, fail(ErrInvalidURL, text, nil)
	}
	if !strings.Contains(found, "://") {
		found = "https://" + found
	}
	u, err := url.Parse(found)
	if err != nil {
		return nil, fail(ErrInvalidURL, found, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fail(ErrInvalidURL, found, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, fail(ErrInvalidURL, found, errors.New("missing host"))
	}
	return u, nil
}

// Fetch downloads and decodes the image behind rawURL. If the URL serves
// an HTML page, its og:image (or first <img>) is fetched instead.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (image.Image, error) {
	u, err := ExtractURL(rawURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	body, ctype, err := f.get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	if isHTML(ctype, body) {
		next, ok := pageImage(body, u)
		if !ok {
			return nil, fail(ErrNotImage, u.String(), errors.New("html page without an image"))
		}
		body, ctype, err = f.get(ctx, next)
		if err != nil {
			return nil, err
		}
		if isHTML(ctype, body) {
			return nil, fail(ErrNotImage, next, nil)
		}
		u, _ = url.Parse(next)
	}

	img, _, err := vision.DecodeBytes(body)
	switch {
	case errors.Is(err, vision.ErrTooLarge):
		return nil, fail(ErrTooLarge, u.String(), err)
	case errors.Is(err, vision.ErrUnsupportedFormat):
		return nil, fail(ErrNotImage, u.String(), err)
	case err != nil:
		return nil, fail(ErrDecode, u.String(), err)
	}
	return img, nil
}

func (f *Fetcher) get(ctx context.Context, target string) ([]byte, string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, "", fail(ErrFetch, target, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fail(ErrInvalidURL, target, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*, text/html;q=0.5, */*;q=0.1")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fail(ErrFetch, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fail(ErrFetch, target, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", fail(ErrTooLarge, target, fmt.Errorf("%d bytes", resp.ContentLength))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fail(ErrFetch, target, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", fail(ErrTooLarge, target, fmt.Errorf("more than %d bytes", f.maxBytes))
	}
	if len(body) == 0 {
		return nil, "", fail(ErrNotImage, target, errors.New("empty body"))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func isHTML(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if mt == "text/html" || mt == "application/xhtml+xml" {
			return true
		}
		if strings.HasPrefix(mt, "image/") {
			return false
		}
	}
	return strings.HasPrefix(http.DetectContentType(body), "text/html")
}
