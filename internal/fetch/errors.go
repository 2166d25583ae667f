package fetch

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL = errors.New("invalid image url")
	ErrFetch      = errors.New("fetch failed")
	ErrTooLarge   = errors.New("response too large")
	ErrNotImage   = errors.New("url does not point to an image")
	ErrDecode     = errors.New("image could not be decoded")
)

// Error records which step failed for which URL. It matches both its
// kind sentinel and the underlying cause with errors.Is.
type Error struct {
	Kind error
	URL  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.URL == "" && e.Err == nil:
		return e.Kind.Error()
	case e.URL == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("%v: %s", e.Kind, e.URL)
	default:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.URL, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fail(kind error, url string, err error) error {
	return &Error{Kind: kind, URL: url, Err: err}
}
