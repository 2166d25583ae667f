package inference

import (
	"context"
	"time"

	"github.com/samcharles93/glimpse/internal/vision"
)

// Params are fully resolved generation parameters.
type Params struct {
	MaxLength         int
	MinLength         int
	NumBeams          int
	EarlyStopping     bool
	LengthPenalty     float64
	RepetitionPenalty float64

	DoSample    bool
	Seed        int64
	Temperature float64
	TopK        int
	TopP        float64

	Prompt string
}

// Prompt is what a Model needs to caption one image.
type Prompt struct {
	Pixels     vision.PixelValues
	Start      []int
	EOSTokenID int
}

// Model turns pixels into a token sequence. The returned sequence starts
// with Prompt.Start.
type Model interface {
	Backend() string
	Generate(ctx context.Context, p Prompt, params Params) ([]int, error)
	Close() error
}

type Output struct {
	Text     string
	Tokens   []int
	Params   Params
	Duration time.Duration
}
