package inference

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// Limits applied to every request regardless of where the values came from.
const (
	MaxLengthLimit = 256
	MaxBeamsLimit  = 16
	MaxPromptChars = 200
)

// ErrInvalidParams marks requests rejected before any generation work.
var ErrInvalidParams = errors.New("invalid generation parameters")

// Options carries per-request overrides. Nil fields fall back to the
// model's generation defaults.
type Options struct {
	MaxLength         *int
	MinLength         *int
	NumBeams          *int
	EarlyStopping     *bool
	LengthPenalty     *float64
	RepetitionPenalty *float64

	DoSample    *bool
	Seed        *int64
	Temperature *float64
	TopK        *int
	TopP        *float64

	// Prompt conditions the caption on a text prefix, which is kept at
	// the start of the caption.
	Prompt *string
}

// GenDefaults mirrors the fields of generation_config.json that matter for
// captioning.
type GenDefaults struct {
	MaxLength           *int           `json:"max_length"`
	MinLength           *int           `json:"min_length"`
	NumBeams            *int           `json:"num_beams"`
	EarlyStopping       *earlyStopping `json:"early_stopping"`
	LengthPenalty       *float64       `json:"length_penalty"`
	RepetitionPenalty   *float64       `json:"repetition_penalty"`
	DoSample            *bool          `json:"do_sample"`
	Temperature         *float64       `json:"temperature"`
	TopK                *int           `json:"top_k"`
	TopP                *float64       `json:"top_p"`
	BOSTokenID          *int           `json:"bos_token_id"`
	EOSTokenID          *int           `json:"eos_token_id"`
	PadTokenID          *int           `json:"pad_token_id"`
	DecoderStartTokenID *int           `json:"decoder_start_token_id"`
	SEPTokenID          *int           `json:"sep_token_id"`
}

// earlyStopping accepts true/false and the "never" spelling.
type earlyStopping bool

func (e *earlyStopping) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*e = earlyStopping(x)
	case string:
		*e = false
	case nil:
		*e = false
	default:
		return fmt.Errorf("early_stopping: unexpected value %s", b)
	}
	return nil
}

// ParseGenerationDefaults reads generation_config.json contents. Empty or
// malformed input yields zero defaults.
func ParseGenerationDefaults(raw []byte) GenDefaults {
	if len(raw) == 0 {
		return GenDefaults{}
	}
	var cfg GenDefaults
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return GenDefaults{}
	}
	return cfg
}

func LoadGenerationDefaults(path string) (GenDefaults, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return GenDefaults{}, nil
	}
	if err != nil {
		return GenDefaults{}, fmt.Errorf("read generation config: %w", err)
	}
	return ParseGenerationDefaults(raw), nil
}

// ResolveParams layers opts over defaults over the library defaults
// (max_length 20, greedy).
func ResolveParams(opts Options, defaults GenDefaults) Params {
	p := Params{
		MaxLength:         20,
		NumBeams:          1,
		LengthPenalty:     1,
		RepetitionPenalty: 1,
		Temperature:       1,
		TopK:              50,
		TopP:              1,
	}

	if defaults.MaxLength != nil && *defaults.MaxLength > 0 {
		p.MaxLength = *defaults.MaxLength
	}
	if defaults.MinLength != nil && *defaults.MinLength > 0 {
		p.MinLength = *defaults.MinLength
	}
	if defaults.NumBeams != nil && *defaults.NumBeams > 0 {
		p.NumBeams = *defaults.NumBeams
	}
	if defaults.EarlyStopping != nil {
		p.EarlyStopping = bool(*defaults.EarlyStopping)
	}
	if defaults.LengthPenalty != nil {
		p.LengthPenalty = *defaults.LengthPenalty
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		p.RepetitionPenalty = *defaults.RepetitionPenalty
	}
	if defaults.DoSample != nil {
		p.DoSample = *defaults.DoSample
	}
	if defaults.Temperature != nil && *defaults.Temperature > 0 {
		p.Temperature = *defaults.Temperature
	}
	if defaults.TopK != nil && *defaults.TopK > 0 {
		p.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		p.TopP = *defaults.TopP
	}

	if opts.MaxLength != nil {
		p.MaxLength = *opts.MaxLength
	}
	if opts.MinLength != nil {
		p.MinLength = *opts.MinLength
	}
	if opts.NumBeams != nil {
		p.NumBeams = *opts.NumBeams
	}
	if opts.EarlyStopping != nil {
		p.EarlyStopping = *opts.EarlyStopping
	}
	if opts.LengthPenalty != nil {
		p.LengthPenalty = *opts.LengthPenalty
	}
	if opts.RepetitionPenalty != nil {
		p.RepetitionPenalty = *opts.RepetitionPenalty
	}
	if opts.DoSample != nil {
		p.DoSample = *opts.DoSample
	}
	if opts.Seed != nil {
		p.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		p.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		p.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		p.TopP = *opts.TopP
	}
	if opts.Prompt != nil {
		p.Prompt = strings.TrimSpace(*opts.Prompt)
	}

	return p
}

// Validate rejects parameters outside the supported range.
func (p Params) Validate() error {
	switch {
	case p.MaxLength < 2 || p.MaxLength > MaxLengthLimit:
		return invalidParams("max_length must be between 2 and %d, got %d", MaxLengthLimit, p.MaxLength)
	case p.MinLength < 0 || p.MinLength > p.MaxLength:
		return invalidParams("min_length must be between 0 and max_length, got %d", p.MinLength)
	case p.NumBeams < 1 || p.NumBeams > MaxBeamsLimit:
		return invalidParams("num_beams must be between 1 and %d, got %d", MaxBeamsLimit, p.NumBeams)
	case p.RepetitionPenalty <= 0:
		return invalidParams("repetition_penalty must be positive, got %g", p.RepetitionPenalty)
	case p.DoSample && p.Temperature <= 0:
		return invalidParams("temperature must be positive when sampling, got %g", p.Temperature)
	case p.DoSample && (p.TopP <= 0 || p.TopP > 1):
		return invalidParams("top_p must be in (0, 1], got %g", p.TopP)
	case utf8.RuneCountInString(p.Prompt) > MaxPromptChars:
		return invalidParams("prompt must be at most %d characters", MaxPromptChars)
	}
	return nil
}

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}
