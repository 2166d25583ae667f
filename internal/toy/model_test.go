package toy

import (
	"context"
	"math"
	"slices"
	"testing"

	"github.com/samcharles93/glimpse/internal/logits"
	"github.com/samcharles93/glimpse/internal/vision"
)

func pixels(fill func(c, y, x int) float32) vision.PixelValues {
	const size = 8
	pv := vision.PixelValues{Shape: [4]int{1, 3, size, size}, Data: make([]float32, 3*size*size)}
	for c := range 3 {
		for y := range size {
			for x := range size {
				pv.Data[c*size*size+y*size+x] = fill(c, y, x)
			}
		}
	}
	return pv
}

func TestVocabularyLayout(t *testing.T) {
	t.Parallel()

	vocab := Vocabulary()
	want := map[int]string{PADTokenID: "[PAD]", SEPTokenID: "[SEP]", DECTokenID: "[DEC]"}
	for id, tok := range want {
		if vocab[id] != tok {
			t.Fatalf("id %d: got %q want %q", id, vocab[id], tok)
		}
	}
	if New(Config{}).VocabSize() != len(vocab) {
		t.Fatalf("model vocab %d does not match vocabulary %d", New(Config{}).VocabSize(), len(vocab))
	}
}

func TestLogitsAreDeterministic(t *testing.T) {
	t.Parallel()

	pv := pixels(func(c, y, x int) float32 { return float32(c-y+x) / 8 })
	a, err := New(Config{Seed: 3}).NewDecoder(pv)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	b, _ := New(Config{Seed: 3}).NewDecoder(pv)
	prefix := []int{DECTokenID, 10, 20}
	la, _ := a.Logits(context.Background(), prefix)
	lb, _ := b.Logits(context.Background(), prefix)
	if !slices.Equal(la, lb) {
		t.Fatalf("same seed and pixels must give identical logits")
	}

	other, _ := New(Config{Seed: 3}).NewDecoder(pixels(func(c, y, x int) float32 { return -1 }))
	lo, _ := other.Logits(context.Background(), prefix)
	if slices.Equal(la, lo) {
		t.Fatalf("different images should condition the decoder differently")
	}
}

func TestEndTokenMaskedUntilMinTokens(t *testing.T) {
	t.Parallel()

	dec, err := New(Config{Seed: 1, MinTokens: 4}).NewDecoder(pixels(func(int, int, int) float32 { return 0.5 }))
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	prefix := []int{DECTokenID}
	for i := range 4 {
		out, err := dec.Logits(context.Background(), prefix)
		if err != nil {
			t.Fatalf("logits: %v", err)
		}
		if !math.IsInf(float64(out[SEPTokenID]), -1) {
			t.Fatalf("step %d: end token should be masked", i)
		}
		for _, id := range []int{PADTokenID, DECTokenID, CLSTokenID} {
			if !math.IsInf(float64(out[id]), -1) {
				t.Fatalf("special token %d should never be generated", id)
			}
		}
		prefix = append(prefix, 10+i)
	}
	out, _ := dec.Logits(context.Background(), prefix)
	if math.IsInf(float64(out[SEPTokenID]), -1) {
		t.Fatalf("end token should be reachable after min tokens")
	}
}

func TestGreedyCaptionTerminates(t *testing.T) {
	t.Parallel()

	dec, err := New(Config{Seed: 7}).NewDecoder(pixels(func(c, y, x int) float32 { return float32(x*c) / 10 }))
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	cfg := logits.SearchConfig{MaxLength: 50, NumBeams: 1, EOSTokenID: SEPTokenID}
	ids, err := logits.Greedy(context.Background(), dec, []int{DECTokenID}, cfg)
	if err != nil {
		t.Fatalf("greedy: %v", err)
	}
	if ids[len(ids)-1] != SEPTokenID {
		t.Fatalf("expected the end token within 50 tokens: %v", ids)
	}
	if len(ids) < 7 {
		t.Fatalf("caption shorter than min tokens: %v", ids)
	}
}

func TestNewDecoderRejectsBadShapes(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	cases := []vision.PixelValues{
		{Shape: [4]int{1, 1, 8, 8}, Data: make([]float32, 64)},
		{Shape: [4]int{1, 3, 8, 8}, Data: make([]float32, 10)},
		{Shape: [4]int{1, 3, 1, 1}, Data: make([]float32, 3)},
	}
	for _, pv := range cases {
		if _, err := m.NewDecoder(pv); err == nil {
			t.Fatalf("expected error for shape %v with %d values", pv.Shape, len(pv.Data))
		}
	}
}

func TestLogitsHonorsContext(t *testing.T) {
	t.Parallel()

	dec, _ := New(Config{}).NewDecoder(pixels(func(int, int, int) float32 { return 0 }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dec.Logits(ctx, []int{DECTokenID}); err == nil {
		t.Fatalf("expected canceled context error")
	}
}
