// Package toy is a small deterministic image-conditioned decoder with seeded
// random weights. Its output is a pure function of the pixels and the
// decoding parameters.
package toy

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/glimpse/internal/vision"
)

// Special token ids in Vocabulary.
const (
	PADTokenID  = 0
	UNKTokenID  = 1
	CLSTokenID  = 2
	SEPTokenID  = 3
	MASKTokenID = 4
	DECTokenID  = 5
)

var words = []string{
	"a", "an", "the", "of", "with", "on", "in", "and", "near", "next", "to",
	"photo", "picture", "close", "view",
	"dog", "cat", "bird", "horse", "car", "bus", "boat", "tree", "flower",
	"person", "man", "woman", "child", "group", "people",
	"beach", "street", "sky", "mountain", "building", "field", "water",
	"grass", "road", "sunset", "table", "plate", "food", "city", "park",
	"red", "blue", "green", "white", "black", "yellow", "small", "large",
	"sitting", "standing", "running", "walking", "flying", "parked",
	".",
}

// Vocabulary returns the token list used by the toy model, indexed by id.
func Vocabulary() []string {
	out := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "[DEC]"}
	return append(out, words...)
}

const gridSize = 2

type Config struct {
	Hidden int
	Seed   int64
	// MinTokens is the number of content tokens generated before the end
	// token becomes possible.
	MinTokens int
}

// Model holds an embedding matrix, a projection back to vocab logits and a
// visual projection from pooled pixel statistics into the hidden space.
type Model struct {
	vocab     int
	hidden    int
	minTokens int

	emb    [][]float32 // [vocab][hidden]
	proj   [][]float32 // [hidden][vocab]
	visual [][]float32 // [features][hidden]
	bias   []float32
}

func New(cfg Config) *Model {
	if cfg.Hidden <= 0 {
		cfg.Hidden = 16
	}
	if cfg.MinTokens <= 0 {
		cfg.MinTokens = 5
	}
	vocab := len(words) + DECTokenID + 1
	features := 3 * gridSize * gridSize
	rng := rand.New(rand.NewSource(cfg.Seed))

	m := &Model{
		vocab:     vocab,
		hidden:    cfg.Hidden,
		minTokens: cfg.MinTokens,
		emb:       randMat(rng, vocab, cfg.Hidden, 0.6),
		proj:      randMat(rng, cfg.Hidden, vocab, 0.6),
		visual:    randMat(rng, features, cfg.Hidden, 1.2),
		bias:      make([]float32, vocab),
	}
	for _, id := range []int{PADTokenID, UNKTokenID, CLSTokenID, MASKTokenID, DECTokenID} {
		m.bias[id] = float32(math.Inf(-1))
	}
	return m
}

func randMat(rng *rand.Rand, rows, cols int, scale float64) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, cols)
		for j := range out[i] {
			out[i][j] = float32(rng.NormFloat64() * scale)
		}
	}
	return out
}

func (m *Model) VocabSize() int { return m.vocab }

// NewDecoder encodes pv into a hidden state and returns a decoder
// conditioned on it.
func (m *Model) NewDecoder(pv vision.PixelValues) (*Decoder, error) {
	feats, err := poolFeatures(pv)
	if err != nil {
		return nil, err
	}
	h := make([]float32, m.hidden)
	for f, v := range feats {
		row := m.visual[f]
		for i := range h {
			h[i] += v * row[i]
		}
	}
	return &Decoder{m: m, image: h}, nil
}

// poolFeatures averages each channel over a gridSize x gridSize grid.
func poolFeatures(pv vision.PixelValues) ([]float32, error) {
	c, hgt, wid := pv.Shape[1], pv.Shape[2], pv.Shape[3]
	if pv.Shape[0] != 1 || c != 3 || hgt < gridSize || wid < gridSize {
		return nil, fmt.Errorf("toy: unsupported pixel shape %v", pv.Shape)
	}
	if len(pv.Data) != c*hgt*wid {
		return nil, fmt.Errorf("toy: pixel data has %d values, shape %v wants %d", len(pv.Data), pv.Shape, c*hgt*wid)
	}
	feats := make([]float32, 0, c*gridSize*gridSize)
	for ch := range c {
		plane := pv.Data[ch*hgt*wid : (ch+1)*hgt*wid]
		for gy := range gridSize {
			for gx := range gridSize {
				y0, y1 := gy*hgt/gridSize, (gy+1)*hgt/gridSize
				x0, x1 := gx*wid/gridSize, (gx+1)*wid/gridSize
				var sum float64
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						sum += float64(plane[y*wid+x])
					}
				}
				feats = append(feats, float32(sum/float64((y1-y0)*(x1-x0))))
			}
		}
	}
	return feats, nil
}

// Decoder scores next tokens for one image. It is safe for concurrent use.
type Decoder struct {
	m     *Model
	image []float32
}

// Logits mixes the image state with the embeddings of the last two tokens
// and projects the result onto the vocabulary. The end token is masked for
// the first MinTokens content tokens and grows more likely after that.
func (d *Decoder) Logits(ctx context.Context, prefix []int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(prefix) == 0 {
		return nil, fmt.Errorf("toy: empty prefix")
	}
	m := d.m
	h := make([]float32, m.hidden)
	copy(h, d.image)
	last := m.wrap(prefix[len(prefix)-1])
	for i := range h {
		h[i] += m.emb[last][i]
	}
	if len(prefix) > 1 {
		prev := m.wrap(prefix[len(prefix)-2])
		for i := range h {
			h[i] += 0.5 * m.emb[prev][i]
		}
	}
	for i := range h {
		h[i] = float32(math.Tanh(float64(h[i])))
	}

	out := make([]float32, m.vocab)
	for j := range out {
		var sum float32
		for i := range h {
			sum += h[i] * m.proj[i][j]
		}
		out[j] = sum + m.bias[j]
	}
	out[last] -= 4

	generated := len(prefix) - 1
	if generated < m.minTokens {
		out[SEPTokenID] = float32(math.Inf(-1))
	} else {
		out[SEPTokenID] = 1.5 * float32(generated-m.minTokens+1)
	}
	return out, nil
}

func (m *Model) wrap(id int) int {
	id %= m.vocab
	if id < 0 {
		id += m.vocab
	}
	return id
}
