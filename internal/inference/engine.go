package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/samcharles93/glimpse/internal/tokenizer"
	"github.com/samcharles93/glimpse/internal/vision"
)

// Engine holds everything loaded once per process: processor, tokenizer,
// model handle and generation defaults. It is immutable after
// construction and safe for concurrent use when Model is.
type Engine struct {
	name      string
	processor *vision.Processor
	tokenizer tokenizer.Tokenizer
	tokens    SpecialTokens
	model     Model
	defaults  GenDefaults
}

type EngineConfig struct {
	Name      string
	Processor *vision.Processor
	Tokenizer tokenizer.Tokenizer
	Tokens    SpecialTokens
	Model     Model
	Defaults  GenDefaults
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Processor == nil:
		return nil, errors.New("engine: processor is required")
	case cfg.Tokenizer == nil:
		return nil, errors.New("engine: tokenizer is required")
	case cfg.Model == nil:
		return nil, errors.New("engine: model is required")
	}
	return &Engine{
		name:      cfg.Name,
		processor: cfg.Processor,
		tokenizer: cfg.Tokenizer,
		tokens:    cfg.Tokens,
		model:     cfg.Model,
		defaults:  cfg.Defaults,
	}, nil
}

func (e *Engine) Name() string          { return e.name }
func (e *Engine) Backend() string       { return e.model.Backend() }
func (e *Engine) Defaults() GenDefaults { return e.defaults }
func (e *Engine) Tokens() SpecialTokens { return e.tokens }

func (e *Engine) Processor() *vision.Processor { return e.processor }

func (e *Engine) ResolveParams(opts Options) Params {
	return ResolveParams(opts, e.defaults)
}

// Preprocess converts img to RGB and runs the image processor.
func (e *Engine) Preprocess(img image.Image) (pv *vision.PixelValues, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Preprocess: %v", rec)
		}
	}()
	if img == nil {
		return nil, errors.New("image is required")
	}
	return e.processor.Preprocess(vision.ToRGB(img))
}

// Generate runs the model on preprocessed pixels and decodes the best
// sequence with special tokens removed.
func (e *Engine) Generate(ctx context.Context, pv *vision.PixelValues, params Params) (*Output, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if pv == nil {
		return nil, errors.New("pixel values are required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	startIDs, err := e.startTokens(params.Prompt)
	if err != nil {
		return nil, err
	}
	if len(startIDs) >= params.MaxLength {
		return nil, invalidParams("prompt uses %d of the %d tokens allowed by max_length", len(startIDs), params.MaxLength)
	}
	prompt := Prompt{Pixels: *pv, Start: startIDs, EOSTokenID: e.tokens.EOS}
	ids, err := safeGenerate(ctx, e.model, prompt, params)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) > params.MaxLength {
		ids = ids[:params.MaxLength]
	}

	text, err := safeDecode(e.tokenizer, ids)
	if err != nil {
		return nil, fmt.Errorf("decode caption: %w", err)
	}
	return &Output{
		Text:     text,
		Tokens:   ids,
		Params:   params,
		Duration: time.Since(start),
	}, nil
}

// startTokens is the decoder start token followed by the encoded prompt.
// Special tokens typed into the prompt are dropped.
func (e *Engine) startTokens(prompt string) ([]int, error) {
	ids := []int{e.tokens.Start}
	if prompt == "" {
		return ids, nil
	}
	enc, err := e.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	for _, id := range enc {
		if !e.tokenizer.IsSpecial(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Caption is Preprocess followed by Generate.
func (e *Engine) Caption(ctx context.Context, img image.Image, opts Options) (*Output, error) {
	pv, err := e.Preprocess(img)
	if err != nil {
		return nil, err
	}
	return e.Generate(ctx, pv, e.ResolveParams(opts))
}

func (e *Engine) Close() error {
	if e == nil || e.model == nil {
		return nil
	}
	return e.model.Close()
}

func safeGenerate(ctx context.Context, m Model, p Prompt, params Params) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Generate: %v", rec)
		}
	}()
	return m.Generate(ctx, p, params)
}

func safeDecode(tok tokenizer.Tokenizer, ids []int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return tok.Decode(ids)
}
