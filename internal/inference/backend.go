package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/glimpse/internal/logits"
	"github.com/samcharles93/glimpse/internal/triton"
	"github.com/samcharles93/glimpse/internal/vision"
)

// Backend names accepted by the loader.
const (
	BackendTriton = "triton"
	BackendToy    = "toy"
)

// DecoderFactory conditions a step decoder on one image.
type DecoderFactory func(pv vision.PixelValues) (logits.Decoder, error)

// LocalModel runs the decoding loop in process over a step decoder.
type LocalModel struct {
	backend    string
	newDecoder DecoderFactory
}

func NewLocalModel(backend string, f DecoderFactory) *LocalModel {
	return &LocalModel{backend: backend, newDecoder: f}
}

func (m *LocalModel) Backend() string { return m.backend }
func (m *LocalModel) Close() error    { return nil }

func (m *LocalModel) Generate(ctx context.Context, p Prompt, params Params) ([]int, error) {
	if m.newDecoder == nil {
		return nil, errors.New("local model has no decoder")
	}
	dec, err := m.newDecoder(p.Pixels)
	if err != nil {
		return nil, err
	}
	cfg := logits.SearchConfig{
		MaxLength:         params.MaxLength,
		MinLength:         params.MinLength,
		NumBeams:          params.NumBeams,
		EarlyStopping:     params.EarlyStopping,
		LengthPenalty:     params.LengthPenalty,
		RepetitionPenalty: float32(params.RepetitionPenalty),
		EOSTokenID:        p.EOSTokenID,
	}
	var sampler *logits.Sampler
	if params.DoSample {
		sampler = logits.NewSampler(logits.SamplerConfig{
			Seed:        params.Seed,
			Temperature: float32(params.Temperature),
			TopK:        params.TopK,
			TopP:        float32(params.TopP),
		})
	}
	return logits.Generate(ctx, dec, p.Start, cfg, sampler)
}

// RemoteModel delegates generation to a KServe v2 inference server.
type RemoteModel struct {
	client   *triton.Client
	model    string
	features triton.Features
}

// NewRemoteModel wraps a server model whose tensors were checked with
// triton.CheckGenerateModel.
func NewRemoteModel(client *triton.Client, model string, features triton.Features) *RemoteModel {
	return &RemoteModel{client: client, model: model, features: features}
}

func (m *RemoteModel) Backend() string { return BackendTriton + ":" + m.model }
func (m *RemoteModel) Close() error    { return nil }

func (m *RemoteModel) Generate(ctx context.Context, p Prompt, params Params) ([]int, error) {
	if params.DoSample && !m.features.Sampling {
		return nil, fmt.Errorf("%s: %w", m.model, triton.ErrSamplingUnsupported)
	}
	return m.client.Generate(ctx, m.model, triton.GenerateRequest{
		Pixels:            p.Pixels.Data,
		Shape:             p.Pixels.Shape,
		InputIDs:          p.Start,
		MaxLength:         params.MaxLength,
		MinLength:         params.MinLength,
		NumBeams:          params.NumBeams,
		EarlyStopping:     params.EarlyStopping,
		LengthPenalty:     float32(params.LengthPenalty),
		RepetitionPenalty: float32(params.RepetitionPenalty),
		DoSample:          params.DoSample,
		Seed:              params.Seed,
		Temperature:       float32(params.Temperature),
		TopK:              params.TopK,
		TopP:              float32(params.TopP),
	})
}
