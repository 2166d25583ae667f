package triton

import (
	"context"
	"errors"
	"fmt"
)

// Tensor names of a captioning model that runs generate() server side.
const (
	InputPixelValues       = "pixel_values"
	InputIDs               = "input_ids"
	InputMaxLength         = "max_length"
	InputMinLength         = "min_length"
	InputNumBeams          = "num_beams"
	InputEarlyStopping     = "early_stopping"
	InputLengthPenalty     = "length_penalty"
	InputRepetitionPenalty = "repetition_penalty"
	OutputSequences        = "sequences"

	// Sampling inputs. A model supports sampling only when it declares
	// all of them.
	InputDoSample    = "do_sample"
	InputSeed        = "seed"
	InputTemperature = "temperature"
	InputTopK        = "top_k"
	InputTopP        = "top_p"
)

var (
	ErrIncompatibleModel   = errors.New("model does not expose the captioning tensors")
	ErrSamplingUnsupported = errors.New("model does not accept sampling parameters")
)

var (
	requiredInputs = []string{
		InputPixelValues, InputIDs, InputMaxLength, InputMinLength, InputNumBeams,
		InputEarlyStopping, InputLengthPenalty, InputRepetitionPenalty,
	}
	samplingInputs = []string{InputDoSample, InputSeed, InputTemperature, InputTopK, InputTopP}
)

// Features describes what a server-side captioning model accepts.
type Features struct {
	Sampling bool
}

// CheckGenerateModel verifies that meta declares every tensor Generate
// sends and reads.
func CheckGenerateModel(meta *ModelMetadata) (Features, error) {
	if meta == nil {
		return Features{}, fmt.Errorf("%w: no metadata", ErrIncompatibleModel)
	}
	for _, name := range requiredInputs {
		if !hasTensor(meta.Inputs, name) {
			return Features{}, fmt.Errorf("%w: %s has no %q input", ErrIncompatibleModel, meta.Name, name)
		}
	}
	if !hasTensor(meta.Outputs, OutputSequences) {
		return Features{}, fmt.Errorf("%w: %s has no %q output", ErrIncompatibleModel, meta.Name, OutputSequences)
	}
	f := Features{Sampling: true}
	for _, name := range samplingInputs {
		if !hasTensor(meta.Inputs, name) {
			f.Sampling = false
			break
		}
	}
	return f, nil
}

func hasTensor(ts []TensorMetadata, name string) bool {
	for _, t := range ts {
		if t.Name == name {
			return true
		}
	}
	return false
}

type GenerateRequest struct {
	Pixels            []float32
	Shape             [4]int
	InputIDs          []int
	MaxLength         int
	MinLength         int
	NumBeams          int
	EarlyStopping     bool
	LengthPenalty     float32
	RepetitionPenalty float32

	// Sampling tensors are only sent when DoSample is set.
	DoSample    bool
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
}

func (g GenerateRequest) tensors() ([]Tensor, error) {
	n := 1
	shape := make([]int64, len(g.Shape))
	for i, d := range g.Shape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid pixel shape %v", g.Shape)
		}
		n *= d
		shape[i] = int64(d)
	}
	if n != len(g.Pixels) {
		return nil, fmt.Errorf("pixel data has %d values, shape %v wants %d", len(g.Pixels), g.Shape, n)
	}
	if len(g.InputIDs) == 0 {
		return nil, fmt.Errorf("input ids are required")
	}
	ids := make([]int64, len(g.InputIDs))
	for i, id := range g.InputIDs {
		ids[i] = int64(id)
	}
	scalar := []int64{1}
	inputs := []Tensor{
		{Name: InputPixelValues, Shape: shape, Datatype: TypeFP32, Data: g.Pixels},
		{Name: InputIDs, Shape: []int64{1, int64(len(ids))}, Datatype: TypeINT64, Data: ids},
		{Name: InputMaxLength, Shape: scalar, Datatype: TypeINT32, Data: []int32{int32(g.MaxLength)}},
		{Name: InputMinLength, Shape: scalar, Datatype: TypeINT32, Data: []int32{int32(g.MinLength)}},
		{Name: InputNumBeams, Shape: scalar, Datatype: TypeINT32, Data: []int32{int32(max(g.NumBeams, 1))}},
		{Name: InputEarlyStopping, Shape: scalar, Datatype: TypeBOOL, Data: []bool{g.EarlyStopping}},
		{Name: InputLengthPenalty, Shape: scalar, Datatype: TypeFP32, Data: []float32{g.LengthPenalty}},
		{Name: InputRepetitionPenalty, Shape: scalar, Datatype: TypeFP32, Data: []float32{g.RepetitionPenalty}},
	}
	if g.DoSample {
		inputs = append(inputs,
			Tensor{Name: InputDoSample, Shape: scalar, Datatype: TypeBOOL, Data: []bool{true}},
			Tensor{Name: InputSeed, Shape: scalar, Datatype: TypeINT64, Data: []int64{g.Seed}},
			Tensor{Name: InputTemperature, Shape: scalar, Datatype: TypeFP32, Data: []float32{g.Temperature}},
			Tensor{Name: InputTopK, Shape: scalar, Datatype: TypeINT32, Data: []int32{int32(g.TopK)}},
			Tensor{Name: InputTopP, Shape: scalar, Datatype: TypeFP32, Data: []float32{g.TopP}},
		)
	}
	return inputs, nil
}

// Generate runs server-side generation and returns the best sequence.
func (c *Client) Generate(ctx context.Context, model string, g GenerateRequest) ([]int, error) {
	inputs, err := g.tensors()
	if err != nil {
		return nil, err
	}
	resp, err := c.Infer(ctx, model, &InferRequest{
		Inputs:  inputs,
		Outputs: []RequestedOutput{{Name: OutputSequences}},
	})
	if err != nil {
		return nil, err
	}
	out, err := resp.Output(OutputSequences)
	if err != nil {
		return nil, err
	}
	seq, err := out.Ints()
	if err != nil {
		return nil, err
	}
	// [batch, len]: keep the first row.
	if len(out.Shape) == 2 && out.Shape[0] > 1 && out.Shape[1] > 0 && int(out.Shape[1]) <= len(seq) {
		seq = seq[:out.Shape[1]]
	}
	if len(seq) == 0 {
		return nil, fmt.Errorf("output %q is empty", OutputSequences)
	}
	return seq, nil
}
