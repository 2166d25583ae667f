package caption

import (
	"fmt"
	"time"

	"github.com/samcharles93/glimpse/internal/inference"
)

// User-facing messages. They never carry error details.
const (
	MessageCaptionFailed = "Sorry, I couldn't generate a caption for this image."
	MessageFetchFailed   = "Please check your internet connection or try a different image URL."
)

type Reason string

const (
	ReasonInvalidInput    Reason = "invalid_input"
	ReasonFetchFailed     Reason = "fetch_failed"
	ReasonNotAnImage      Reason = "not_an_image"
	ReasonDecodeFailed    Reason = "decode_failed"
	ReasonInferenceFailed Reason = "inference_failed"
	ReasonCanceled        Reason = "canceled"
)

// Failure describes why no caption was produced. Message is safe to show
// to users; Err keeps the cause for logs.
type Failure struct {
	Reason  Reason
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Reason, f.Message)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result is either a caption or a Failure, never both.
type Result struct {
	Caption  string
	Tokens   []int
	Params   inference.Params
	Cached   bool
	Duration time.Duration
	Failure  *Failure
}

func (r Result) OK() bool { return r.Failure == nil }

// Text is what a user sees: the caption or the failure message.
func (r Result) Text() string {
	if r.Failure != nil {
		return r.Failure.Message
	}
	return r.Caption
}

func failed(reason Reason, message string, err error) Result {
	return Result{Failure: &Failure{Reason: reason, Message: message, Err: err}}
}
