package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/glimpse/internal/inference"
)

func writeBadRequest(c *echo.Context, err error) error {
	var param string
	var ire invalidRequestError
	if errors.As(err, &ire) {
		param = ire.param
	}
	return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), param, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, newInvalidRequest("", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return out, nil
}

// overridesFromForm reads decoding overrides from the query string or
// multipart form values.
func overridesFromForm(r *http.Request) (GenerationOverrides, error) {
	var o GenerationOverrides
	var err error
	if o.MaxLength, err = formInt(r, "max_length"); err != nil {
		return o, err
	}
	if o.NumBeams, err = formInt(r, "num_beams"); err != nil {
		return o, err
	}
	if v := strings.TrimSpace(r.FormValue("early_stopping")); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return o, newInvalidRequest("early_stopping", "early_stopping must be a boolean")
		}
		o.EarlyStopping = &b
	}
	if v := strings.TrimSpace(r.FormValue("prompt")); v != "" {
		o.Prompt = &v
	}
	return o, nil
}

func formInt(r *http.Request, name string) (*int, error) {
	v := strings.TrimSpace(r.FormValue(name))
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, newInvalidRequest(name, name+" must be an integer")
	}
	return &n, nil
}

// options clamps overrides to the server limits.
func (o GenerationOverrides) options() inference.Options {
	var opts inference.Options
	if o.MaxLength != nil {
		n := min(max(*o.MaxLength, 2), inference.MaxLengthLimit)
		opts.MaxLength = &n
	}
	if o.NumBeams != nil {
		n := min(max(*o.NumBeams, 1), inference.MaxBeamsLimit)
		opts.NumBeams = &n
	}
	if o.EarlyStopping != nil {
		b := *o.EarlyStopping
		opts.EarlyStopping = &b
	}
	if o.Prompt != nil {
		p := *o.Prompt
		opts.Prompt = &p
	}
	return opts
}

func newCaptionID() string {
	return "cap_" + uuid.NewString()
}
