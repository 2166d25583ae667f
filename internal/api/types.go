package api

// CaptionURLRequest is the body of POST /v1/captions/url. The decoding
// fields override the server defaults when set.
type CaptionURLRequest struct {
	URL string `json:"url"`
	GenerationOverrides
}

type GenerationOverrides struct {
	MaxLength     *int    `json:"max_length,omitempty"`
	NumBeams      *int    `json:"num_beams,omitempty"`
	EarlyStopping *bool   `json:"early_stopping,omitempty"`
	Prompt        *string `json:"prompt,omitempty"`
}

type CaptionResponse struct {
	ID       string         `json:"id"`
	Object   string         `json:"object"`
	Created  int64          `json:"created"`
	Model    string         `json:"model,omitempty"`
	Caption  string         `json:"caption,omitempty"`
	Status   string         `json:"status"`
	Source   string         `json:"source,omitempty"`
	Cached   bool           `json:"cached,omitempty"`
	Duration float64        `json:"duration_ms,omitempty"`
	Params   *CaptionParams `json:"params,omitempty"`
	Error    *ResponseError `json:"error,omitempty"`
}

type CaptionParams struct {
	MaxLength     int    `json:"max_length"`
	NumBeams      int    `json:"num_beams"`
	EarlyStopping bool   `json:"early_stopping"`
	Prompt        string `json:"prompt,omitempty"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type ExampleItem struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
	Ready   bool   `json:"ready"`
}

type ListResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

type ModelItem struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Backend string `json:"backend"`
	Workers int    `json:"workers"`
}

type DeleteCaptionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	objectCaption   = "caption"
)
