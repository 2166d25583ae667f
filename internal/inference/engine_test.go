package inference

import (
	"context"
	"errors"
	"image"
	"image/color"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/glimpse/internal/tokenizer"
	"github.com/samcharles93/glimpse/internal/vision"
)

type stubModel struct {
	seq   []int
	err   error
	panic bool
	calls int
}

func (m *stubModel) Backend() string { return "stub" }
func (m *stubModel) Close() error    { return nil }

func (m *stubModel) Generate(_ context.Context, p Prompt, _ Params) ([]int, error) {
	m.calls++
	if m.panic {
		panic("generate boom")
	}
	if m.err != nil {
		return nil, m.err
	}
	return append(append([]int(nil), p.Start...), m.seq...), nil
}

type panicDecodeTokenizer struct{}

func (panicDecodeTokenizer) Encode(string) ([]int, error)    { return nil, nil }
func (panicDecodeTokenizer) IsSpecial(int) bool              { return false }
func (panicDecodeTokenizer) Decode([]int) (string, error)    { panic("decode boom") }
func (panicDecodeTokenizer) DecodeRaw([]int) (string, error) { return "", nil }

var stubVocab = []string{"[PAD]", "[UNK]", "[SEP]", "[DEC]", "a", "dog", "on", "the", "beach"}

func newStubEngine(t *testing.T, m Model, tok tokenizer.Tokenizer) *Engine {
	t.Helper()
	proc, err := vision.NewProcessor(vision.DefaultProcessorConfig())
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	if tok == nil {
		tok = tokenizer.New(stubVocab, true)
	}
	e, err := NewEngine(EngineConfig{
		Name:      "stub",
		Processor: proc,
		Tokenizer: tok,
		Tokens:    SpecialTokens{Start: 3, EOS: 2, PAD: 0},
		Model:     m,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func grayImage() image.Image {
	img := image.NewGray(image.Rect(0, 0, 16, 12))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	return img
}

func TestEngineCaptionDecodesWithoutSpecialTokens(t *testing.T) {
	t.Parallel()

	e := newStubEngine(t, &stubModel{seq: []int{4, 5, 6, 7, 8, 2, 0}}, nil)
	out, err := e.Caption(context.Background(), grayImage(), Options{})
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	if out.Text != "a dog on the beach" {
		t.Fatalf("unexpected caption %q", out.Text)
	}
	for _, sp := range []string{"[SEP]", "[DEC]", "[PAD]"} {
		if strings.Contains(out.Text, sp) {
			t.Fatalf("caption contains %s", sp)
		}
	}
	if out.Tokens[0] != 3 {
		t.Fatalf("sequence should start with the decoder start token: %v", out.Tokens)
	}
}

func TestEngineTruncatesToMaxLength(t *testing.T) {
	t.Parallel()

	e := newStubEngine(t, &stubModel{seq: []int{4, 5, 6, 7, 8, 4, 5}}, nil)
	out, err := e.Caption(context.Background(), grayImage(), Options{MaxLength: ptr(4)})
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	if len(out.Tokens) != 4 || out.Text != "a dog on" {
		t.Fatalf("expected 3 content tokens, got %v %q", out.Tokens, out.Text)
	}
}

func TestEnginePromptConditionsCaption(t *testing.T) {
	t.Parallel()

	m := &stubModel{seq: []int{4, 5, 2}}
	e := newStubEngine(t, m, nil)
	out, err := e.Caption(context.Background(), grayImage(), Options{Prompt: ptr("The Beach [SEP]")})
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	if want := []int{3, 7, 8}; !slices.Equal(out.Tokens[:3], want) {
		t.Fatalf("start tokens: got %v want %v", out.Tokens[:3], want)
	}
	if out.Text != "the beach a dog" {
		t.Fatalf("unexpected caption %q", out.Text)
	}

	_, err = e.Caption(context.Background(), grayImage(), Options{Prompt: ptr("the beach"), MaxLength: ptr(3)})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for a prompt filling max_length, got %v", err)
	}
	if m.calls != 1 {
		t.Fatalf("model should not run for an oversized prompt, ran %d times", m.calls)
	}
}

func TestEngineConvertsPanics(t *testing.T) {
	t.Parallel()

	e := newStubEngine(t, &stubModel{panic: true}, nil)
	_, err := e.Caption(context.Background(), grayImage(), Options{})
	if err == nil || !strings.Contains(err.Error(), "panic in Generate") {
		t.Fatalf("expected generate panic error, got %v", err)
	}

	e = newStubEngine(t, &stubModel{seq: []int{4}}, panicDecodeTokenizer{})
	_, err = e.Caption(context.Background(), grayImage(), Options{})
	if err == nil || !strings.Contains(err.Error(), "panic in Decode") {
		t.Fatalf("expected decode panic error, got %v", err)
	}
}

func TestEngineRejectsBadInput(t *testing.T) {
	t.Parallel()

	m := &stubModel{seq: []int{4}}
	e := newStubEngine(t, m, nil)
	if _, err := e.Caption(context.Background(), nil, Options{}); err == nil {
		t.Fatalf("expected error for nil image")
	}
	if _, err := e.Caption(context.Background(), grayImage(), Options{NumBeams: ptr(0)}); err == nil {
		t.Fatalf("expected validation error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Caption(ctx, grayImage(), Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m.calls != 0 {
		t.Fatalf("model should not run for rejected requests, ran %d times", m.calls)
	}

	boom := errors.New("server down")
	e = newStubEngine(t, &stubModel{err: boom}, nil)
	if _, err := e.Caption(context.Background(), grayImage(), Options{}); !errors.Is(err, boom) {
		t.Fatalf("expected model error, got %v", err)
	}
}

func TestNewEngineRequiresParts(t *testing.T) {
	t.Parallel()

	if _, err := NewEngine(EngineConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestToyEngineIsDeterministicAndBounded(t *testing.T) {
	t.Parallel()

	e, err := Loader{Backend: BackendToy}.Load(context.Background(), "toy")
	if err != nil {
		t.Fatalf("load toy: %v", err)
	}
	defer e.Close()

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := range 32 {
		for x := range 32 {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}

	interactive := Options{MaxLength: ptr(50), NumBeams: ptr(5), EarlyStopping: ptr(true)}
	a, err := e.Caption(context.Background(), img, interactive)
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	b, _ := e.Caption(context.Background(), img, interactive)
	if a.Text != b.Text || a.Text == "" {
		t.Fatalf("expected identical non-empty captions, got %q and %q", a.Text, b.Text)
	}

	for _, maxLen := range []int{3, 6, 10, 50} {
		for _, beams := range []int{1, 3, 5} {
			out, err := e.Caption(context.Background(), img, Options{MaxLength: ptr(maxLen), NumBeams: ptr(beams), EarlyStopping: ptr(true)})
			if err != nil {
				t.Fatalf("max=%d beams=%d: %v", maxLen, beams, err)
			}
			if len(out.Tokens) > maxLen {
				t.Fatalf("max=%d beams=%d: %d tokens", maxLen, beams, len(out.Tokens))
			}
			if words := len(strings.Fields(out.Text)); words > maxLen-1 {
				t.Fatalf("max=%d: caption has %d words: %q", maxLen, words, out.Text)
			}
		}
	}

	short, _ := e.Caption(context.Background(), img, Options{MaxLength: ptr(3)})
	if len(short.Tokens) >= len(a.Tokens) {
		t.Fatalf("a tighter max length should shorten the caption: %d vs %d", len(short.Tokens), len(a.Tokens))
	}
}
