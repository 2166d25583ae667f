package caption

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samcharles93/glimpse/internal/fetch"
	"github.com/samcharles93/glimpse/internal/inference"
	"github.com/samcharles93/glimpse/internal/vision"
)

type stubEngine struct {
	text     string
	err      error
	delay    time.Duration
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32

	mu   sync.Mutex
	last inference.Params
}

func (e *stubEngine) Name() string    { return "stub-model" }
func (e *stubEngine) Backend() string { return "stub" }

func (e *stubEngine) ResolveParams(opts inference.Options) inference.Params {
	return inference.ResolveParams(opts, inference.GenDefaults{})
}

func (e *stubEngine) Preprocess(img image.Image) (*vision.PixelValues, error) {
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X, b.Min.Y).RGBA()
	return &vision.PixelValues{
		Shape: [4]int{1, 3, 1, 1},
		Data:  []float32{float32(r), float32(g), float32(bl) + float32(b.Dx()*1000+b.Dy())},
	}, nil
}

func (e *stubEngine) Generate(ctx context.Context, _ *vision.PixelValues, params inference.Params) (*inference.Output, error) {
	e.calls.Add(1)
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	e.mu.Lock()
	e.last = params
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.delay):
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return &inference.Output{Text: e.text, Tokens: []int{5, 9, 3}, Params: params}, nil
}

func (e *stubEngine) lastParams() inference.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

type stubFetcher struct {
	img image.Image
	err error
}

func (f stubFetcher) Fetch(ctx context.Context, rawURL string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	if strings.Contains(rawURL, "broken") {
		return nil, fmt.Errorf("%w: %s", fetch.ErrFetch, rawURL)
	}
	return f.img, nil
}

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func pngData(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestCaptionImage(t *testing.T) {
	t.Parallel()

	eng := &stubEngine{text: "a red square"}
	c := New(eng, nil, Config{})
	res := c.CaptionImage(context.Background(), solid(8, 8, color.RGBA{R: 255, A: 255}), inference.Options{})
	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Failure)
	}
	if res.Text() != "a red square" || res.Caption != "a red square" {
		t.Fatalf("unexpected caption %q", res.Text())
	}
	if res.Cached {
		t.Fatalf("first call should not be cached")
	}
	if c.Model() != "stub-model" || c.Backend() != "stub" {
		t.Fatalf("unexpected identity %s/%s", c.Model(), c.Backend())
	}
}

func TestCaptionImageRejectsEmpty(t *testing.T) {
	t.Parallel()

	c := New(&stubEngine{text: "x"}, nil, Config{})
	for _, img := range []image.Image{nil, image.NewRGBA(image.Rect(0, 0, 0, 0))} {
		res := c.CaptionImage(context.Background(), img, inference.Options{})
		if res.OK() || res.Failure.Reason != ReasonInvalidInput {
			t.Fatalf("expected invalid_input, got %+v", res)
		}
		if res.Text() != MessageCaptionFailed {
			t.Fatalf("unexpected message %q", res.Text())
		}
	}
}

func TestCaptionDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	eng := &stubEngine{text: "ok"}
	c := New(eng, nil, Config{Defaults: InteractiveDefaults(), CacheTTL: -1})
	img := solid(4, 4, color.White)

	c.CaptionImage(context.Background(), img, inference.Options{})
	p := eng.lastParams()
	if p.MaxLength != 50 || p.NumBeams != 5 || !p.EarlyStopping {
		t.Fatalf("interactive defaults not applied: %+v", p)
	}

	beams := 2
	c.CaptionImage(context.Background(), img, inference.Options{NumBeams: &beams})
	p = eng.lastParams()
	if p.NumBeams != 2 || p.MaxLength != 50 {
		t.Fatalf("override not applied: %+v", p)
	}

	plain := New(eng, nil, Config{CacheTTL: -1})
	plain.CaptionImage(context.Background(), img, inference.Options{})
	p = eng.lastParams()
	if p.MaxLength != 20 || p.NumBeams != 1 || p.EarlyStopping {
		t.Fatalf("library defaults not applied: %+v", p)
	}
}

func TestCaptionInvalidParams(t *testing.T) {
	t.Parallel()

	eng := &stubEngine{text: "ok"}
	c := New(eng, nil, Config{})
	beams := 0
	res := c.CaptionImage(context.Background(), solid(2, 2, color.Black), inference.Options{NumBeams: &beams})
	if res.OK() || res.Failure.Reason != ReasonInvalidInput {
		t.Fatalf("expected invalid_input, got %+v", res.Failure)
	}
	if eng.calls.Load() != 0 {
		t.Fatalf("engine should not run on invalid params")
	}
}

func TestCaptionCache(t *testing.T) {
	t.Parallel()

	eng := &stubEngine{text: "cached caption"}
	c := New(eng, nil, Config{})
	img := solid(5, 5, color.RGBA{G: 128, A: 255})

	first := c.CaptionImage(context.Background(), img, inference.Options{})
	second := c.CaptionImage(context.Background(), img, inference.Options{})
	if !second.Cached || second.Caption != first.Caption {
		t.Fatalf("expected cached result, got %+v", second)
	}
	if eng.calls.Load() != 1 {
		t.Fatalf("expected one generation, got %d", eng.calls.Load())
	}

	beams := 3
	c.CaptionImage(context.Background(), img, inference.Options{NumBeams: &beams})
	if eng.calls.Load() != 2 {
		t.Fatalf("different params must miss the cache")
	}

	off := New(eng, nil, Config{CacheTTL: -1})
	off.CaptionImage(context.Background(), img, inference.Options{})
	off.CaptionImage(context.Background(), img, inference.Options{})
	if eng.calls.Load() != 4 {
		t.Fatalf("disabled cache should always generate, got %d calls", eng.calls.Load())
	}
}

func TestCachedTokensAreCopies(t *testing.T) {
	t.Parallel()

	c := New(&stubEngine{text: "shared"}, nil, Config{})
	img := solid(5, 5, color.RGBA{B: 200, A: 255})

	first := c.CaptionImage(context.Background(), img, inference.Options{})
	first.Tokens[0] = 99
	second := c.CaptionImage(context.Background(), img, inference.Options{})
	if !second.Cached || second.Tokens[0] != 5 {
		t.Fatalf("cache was changed through the first result: %v", second.Tokens)
	}
	second.Tokens[0] = 77
	third := c.CaptionImage(context.Background(), img, inference.Options{})
	if third.Tokens[0] != 5 {
		t.Fatalf("cache was changed through a cached result: %v", third.Tokens)
	}
}

func TestCaptionInferenceFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("backend exploded")
	c := New(&stubEngine{err: cause}, nil, Config{})
	res := c.CaptionImage(context.Background(), solid(3, 3, color.White), inference.Options{})
	if res.OK() || res.Failure.Reason != ReasonInferenceFailed {
		t.Fatalf("expected inference_failed, got %+v", res)
	}
	if res.Text() != MessageCaptionFailed {
		t.Fatalf("unexpected message %q", res.Text())
	}
	if !errors.Is(res.Failure, cause) {
		t.Fatalf("failure should wrap the cause")
	}
	if strings.Contains(res.Text(), "exploded") {
		t.Fatalf("message must not leak the cause")
	}
}

func TestCaptionRejectedParamsAreInvalidInput(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("%w: prompt uses 12 of the 10 tokens allowed by max_length", inference.ErrInvalidParams)
	c := New(&stubEngine{err: cause}, nil, Config{})
	res := c.CaptionImage(context.Background(), solid(3, 3, color.White), inference.Options{})
	if res.OK() || res.Failure.Reason != ReasonInvalidInput {
		t.Fatalf("expected invalid_input, got %+v", res.Failure)
	}
}

func TestCaptionCanceled(t *testing.T) {
	t.Parallel()

	c := New(&stubEngine{text: "late", delay: time.Second}, nil, Config{CacheTTL: -1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := c.CaptionImage(ctx, solid(3, 3, color.White), inference.Options{})
	if res.OK() || res.Failure.Reason != ReasonCanceled {
		t.Fatalf("expected canceled, got %+v", res)
	}
}

func TestWorkersBoundConcurrency(t *testing.T) {
	t.Parallel()

	eng := &stubEngine{text: "x", delay: 20 * time.Millisecond}
	c := New(eng, nil, Config{Workers: 2, CacheTTL: -1})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			c.CaptionImage(context.Background(), solid(i+1, 2, color.White), inference.Options{})
		})
	}
	wg.Wait()
	if eng.calls.Load() != 8 {
		t.Fatalf("expected 8 generations, got %d", eng.calls.Load())
	}
	if peak := eng.peak.Load(); peak > 2 {
		t.Fatalf("concurrency exceeded workers: %d", peak)
	}
}

func TestCaptionReader(t *testing.T) {
	t.Parallel()

	c := New(&stubEngine{text: "uploaded"}, nil, Config{})
	res := c.CaptionReader(context.Background(), bytes.NewReader(pngData(t, solid(4, 3, color.White))), inference.Options{})
	if !res.OK() || res.Caption != "uploaded" {
		t.Fatalf("unexpected result %+v", res)
	}

	res = c.CaptionReader(context.Background(), strings.NewReader("definitely not an image"), inference.Options{})
	if res.OK() || res.Failure.Reason != ReasonNotAnImage {
		t.Fatalf("expected not_an_image, got %+v", res.Failure)
	}

	data := pngData(t, solid(40, 40, color.White))
	res = c.CaptionReader(context.Background(), bytes.NewReader(data[:len(data)/2]), inference.Options{})
	if res.OK() || res.Failure.Reason != ReasonDecodeFailed {
		t.Fatalf("expected decode_failed, got %+v", res.Failure)
	}

	res = c.CaptionReader(context.Background(), nil, inference.Options{})
	if res.OK() || res.Failure.Reason != ReasonInvalidInput {
		t.Fatalf("expected invalid_input, got %+v", res.Failure)
	}
}

// pngHeader is a PNG signature and IHDR chunk declaring a w x h grayscale
// image with no pixel data behind it.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.WriteString("IHDR")
	buf.Write(ihdr)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(append([]byte("IHDR"), ihdr...)))
	return buf.Bytes()
}

func TestCaptionReaderRejectsOversizedImage(t *testing.T) {
	t.Parallel()

	eng := &stubEngine{text: "never"}
	c := New(eng, nil, Config{})
	res := c.CaptionReader(context.Background(), bytes.NewReader(pngHeader(20000, 20000)), inference.Options{})
	if res.OK() || res.Failure.Reason != ReasonInvalidInput {
		t.Fatalf("expected invalid_input, got %+v", res.Failure)
	}
	if !errors.Is(res.Failure, vision.ErrTooLarge) {
		t.Fatalf("failure should wrap vision.ErrTooLarge: %v", res.Failure.Err)
	}
	if res.Text() != MessageCaptionFailed {
		t.Fatalf("unexpected message %q", res.Text())
	}
	if eng.calls.Load() != 0 {
		t.Fatalf("engine must not run for an oversized image")
	}
}

func TestCaptionFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(path, pngData(t, solid(6, 6, color.White)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := New(&stubEngine{text: "from disk"}, nil, Config{})

	if res := c.CaptionFile(context.Background(), path, inference.Options{}); !res.OK() || res.Caption != "from disk" {
		t.Fatalf("unexpected result %+v", res)
	}
	res := c.CaptionFile(context.Background(), filepath.Join(dir, "missing.png"), inference.Options{})
	if res.OK() || res.Failure.Reason != ReasonInvalidInput || res.Text() != MessageCaptionFailed {
		t.Fatalf("expected invalid_input, got %+v", res.Failure)
	}
	if res := c.CaptionLocation(context.Background(), "  "+path+"  ", inference.Options{}); !res.OK() {
		t.Fatalf("location with spaces: %+v", res.Failure)
	}
}

func TestCaptionURL(t *testing.T) {
	t.Parallel()

	img := solid(4, 4, color.White)
	cases := []struct {
		name   string
		err    error
		reason Reason
	}{
		{"ok", nil, ""},
		{"network", fmt.Errorf("%w: connection refused", fetch.ErrFetch), ReasonFetchFailed},
		{"too large", fmt.Errorf("%w: 99 bytes", fetch.ErrTooLarge), ReasonFetchFailed},
		{"too many pixels", &fetch.Error{Kind: fetch.ErrTooLarge, Err: vision.ErrTooLarge}, ReasonInvalidInput},
		{"invalid", fmt.Errorf("%w: nope", fetch.ErrInvalidURL), ReasonInvalidInput},
		{"not image", fmt.Errorf("%w: text/plain", fetch.ErrNotImage), ReasonNotAnImage},
		{"corrupt", fmt.Errorf("%w: eof", fetch.ErrDecode), ReasonDecodeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := New(&stubEngine{text: "web image"}, stubFetcher{img: img, err: tc.err}, Config{})
			res := c.CaptionURL(context.Background(), "https://example.com/a.png", inference.Options{})
			if tc.reason == "" {
				if !res.OK() || res.Caption != "web image" {
					t.Fatalf("unexpected result %+v", res)
				}
				return
			}
			if res.OK() || res.Failure.Reason != tc.reason {
				t.Fatalf("expected %s, got %+v", tc.reason, res.Failure)
			}
			if res.Text() != MessageFetchFailed {
				t.Fatalf("unexpected message %q", res.Text())
			}
		})
	}
}

func TestCaptionURLWithoutFetcher(t *testing.T) {
	t.Parallel()

	c := New(&stubEngine{text: "x"}, nil, Config{})
	res := c.CaptionLocation(context.Background(), "https://example.com/cat.jpg", inference.Options{})
	if res.OK() || res.Failure.Reason != ReasonFetchFailed || res.Text() != MessageFetchFailed {
		t.Fatalf("expected fetch_failed, got %+v", res.Failure)
	}
}

func TestIsURL(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]bool{
		"https://example.com/x.png": true,
		" HTTP://EXAMPLE.COM ":      true,
		"/tmp/cat.png":              false,
		"cat.png":                   false,
		"ftp://example.com/x":       false,
	} {
		if got := IsURL(in); got != want {
			t.Fatalf("IsURL(%q) = %v", in, got)
		}
	}
}

func TestWarmExamples(t *testing.T) {
	t.Parallel()

	c := New(&stubEngine{text: "example caption"}, stubFetcher{img: solid(3, 3, color.White)}, Config{Workers: 2})
	urls := []string{"https://a.example/1.jpg", "https://broken.example/2.jpg", "https://c.example/3.jpg"}
	if err := c.Warm(context.Background(), urls, InteractiveDefaults()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	ex := c.Examples()
	if len(ex) != 3 {
		t.Fatalf("expected 3 examples, got %d", len(ex))
	}
	for i, e := range ex {
		if e.URL != urls[i] {
			t.Fatalf("order not preserved: %v", ex)
		}
	}
	if !ex[0].Ready || ex[0].Caption != "example caption" || ex[1].Ready || !ex[2].Ready {
		t.Fatalf("unexpected warm state %+v", ex)
	}
}

func TestWarmCanceled(t *testing.T) {
	t.Parallel()

	c := New(&stubEngine{text: "x"}, stubFetcher{img: solid(3, 3, color.White)}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Warm(ctx, DefaultExampleURLs, inference.Options{}); err == nil {
		t.Fatalf("expected cancellation error")
	}
	if len(c.Examples()) != len(DefaultExampleURLs) {
		t.Fatalf("examples should still be registered")
	}
}

func TestToyEngineEndToEnd(t *testing.T) {
	t.Parallel()

	eng, err := inference.Loader{Backend: inference.BackendToy, ModelsDir: t.TempDir()}.Load(context.Background(), "toy-blip")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	c := New(eng, nil, Config{Defaults: InteractiveDefaults()})
	img := solid(32, 24, color.RGBA{R: 30, G: 160, B: 90, A: 255})
	a := c.CaptionImage(context.Background(), img, inference.Options{})
	if !a.OK() {
		t.Fatalf("toy caption failed: %v", a.Failure)
	}
	if strings.TrimSpace(a.Caption) == "" {
		t.Fatalf("expected a caption")
	}
	if strings.Contains(a.Caption, "[SEP]") || strings.Contains(a.Caption, "[DEC]") {
		t.Fatalf("special tokens leaked: %q", a.Caption)
	}
	if len(a.Tokens) > 50 {
		t.Fatalf("max length exceeded: %d", len(a.Tokens))
	}

	fresh := New(eng, nil, Config{Defaults: InteractiveDefaults(), CacheTTL: -1})
	b := fresh.CaptionImage(context.Background(), img, inference.Options{})
	if b.Caption != a.Caption {
		t.Fatalf("captions should be deterministic: %q vs %q", a.Caption, b.Caption)
	}
}
