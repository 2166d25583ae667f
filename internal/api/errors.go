package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/glimpse/internal/caption"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	param string
	msg   string
}

func (e invalidRequestError) Error() string { return e.msg }

func (e invalidRequestError) Unwrap() error { return ErrInvalidRequest }

func newInvalidRequest(param, msg string) error {
	return invalidRequestError{param: param, msg: msg}
}

// statusForReason maps a caption failure to an HTTP status.
func statusForReason(r caption.Reason) int {
	switch r {
	case caption.ReasonInvalidInput, caption.ReasonNotAnImage, caption.ReasonDecodeFailed:
		return http.StatusBadRequest
	case caption.ReasonFetchFailed:
		return http.StatusBadGateway
	case caption.ReasonCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
