package triton

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Datatypes from the KServe v2 inference protocol.
const (
	TypeFP32  = "FP32"
	TypeINT32 = "INT32"
	TypeINT64 = "INT64"
	TypeBOOL  = "BOOL"
)

// Tensor is a named input in an inference request.
type Tensor struct {
	Name     string  `json:"name"`
	Shape    []int64 `json:"shape"`
	Datatype string  `json:"datatype"`
	Data     any     `json:"data"`
}

type RequestedOutput struct {
	Name string `json:"name"`
}

type InferRequest struct {
	ID      string            `json:"id,omitempty"`
	Inputs  []Tensor          `json:"inputs"`
	Outputs []RequestedOutput `json:"outputs,omitempty"`
}

// OutputTensor keeps Data raw until the caller asks for a concrete type.
type OutputTensor struct {
	Name     string          `json:"name"`
	Shape    []int64         `json:"shape"`
	Datatype string          `json:"datatype"`
	Data     json.RawMessage `json:"data"`
}

type InferResponse struct {
	ModelName    string         `json:"model_name"`
	ModelVersion string         `json:"model_version,omitempty"`
	ID           string         `json:"id,omitempty"`
	Outputs      []OutputTensor `json:"outputs"`
}

// Output returns the named output tensor.
func (r *InferResponse) Output(name string) (*OutputTensor, error) {
	for i := range r.Outputs {
		if r.Outputs[i].Name == name {
			return &r.Outputs[i], nil
		}
	}
	return nil, fmt.Errorf("output %q missing from response", name)
}

// Ints decodes an integer tensor.
func (t *OutputTensor) Ints() ([]int, error) {
	switch t.Datatype {
	case TypeINT64, TypeINT32:
	default:
		return nil, fmt.Errorf("output %q has datatype %s, want an integer type", t.Name, t.Datatype)
	}
	var raw []int64
	if err := json.Unmarshal(t.Data, &raw); err != nil {
		return nil, fmt.Errorf("decode output %q: %w", t.Name, err)
	}
	out := make([]int, len(raw))
	for i, v := range raw {
		out[i] = int(v)
	}
	return out, nil
}

type TensorMetadata struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
}

type ModelMetadata struct {
	Name     string           `json:"name"`
	Versions []string         `json:"versions,omitempty"`
	Platform string           `json:"platform"`
	Inputs   []TensorMetadata `json:"inputs"`
	Outputs  []TensorMetadata `json:"outputs"`
}

type errorBody struct {
	Error string `json:"error"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("inference server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("inference server returned status %d: %s", e.StatusCode, e.Message)
}
