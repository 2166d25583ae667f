package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/glimpse/internal/caption"
	"github.com/samcharles93/glimpse/internal/version"
)

func (s *Server) handleCaptionUpload(c *echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.maxUpload)

	fh, err := c.FormFile("image")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error",
				"image exceeds the upload limit", "image", "")
		}
		return writeBadRequest(c, newInvalidRequest("image", "multipart field \"image\" is required"))
	}
	overrides, err := overridesFromForm(req)
	if err != nil {
		return writeBadRequest(c, err)
	}

	f, err := fh.Open()
	if err != nil {
		return writeBadRequest(c, newInvalidRequest("image", "could not read uploaded image"))
	}
	defer f.Close()

	res := s.captioner.CaptionReader(req.Context(), f, overrides.options())
	return s.respond(c, "upload:"+fh.Filename, res)
}

func (s *Server) handleCaptionURL(c *echo.Context) error {
	body, err := decodeJSON[CaptionURLRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	body.URL = strings.TrimSpace(body.URL)
	if body.URL == "" {
		return writeBadRequest(c, newInvalidRequest("url", "url is required"))
	}
	res := s.captioner.CaptionURL(c.Request().Context(), body.URL, body.options())
	return s.respond(c, body.URL, res)
}

// respond stores and writes the caption record. Failure causes are only
// logged; clients see the fixed message.
func (s *Server) respond(c *echo.Context, source string, res caption.Result) error {
	out := CaptionResponse{
		ID:      newCaptionID(),
		Object:  objectCaption,
		Created: s.clock().Unix(),
		Model:   s.captioner.Model(),
		Source:  source,
	}
	status := http.StatusOK
	if res.OK() {
		out.Status = statusCompleted
		out.Caption = res.Caption
		out.Cached = res.Cached
		out.Duration = float64(res.Duration) / float64(time.Millisecond)
		out.Params = &CaptionParams{
			MaxLength:     res.Params.MaxLength,
			NumBeams:      res.Params.NumBeams,
			EarlyStopping: res.Params.EarlyStopping,
			Prompt:        res.Params.Prompt,
		}
		s.log.Info("caption completed", "id", out.ID, "source", source, "cached", res.Cached, "duration", res.Duration)
	} else {
		out.Status = statusFailed
		out.Error = &ResponseError{Type: string(res.Failure.Reason), Message: res.Failure.Message}
		status = statusForReason(res.Failure.Reason)
		s.log.Warn("caption failed", "id", out.ID, "source", source, "reason", res.Failure.Reason, "error", res.Failure.Err)
	}
	s.store.Put(out)
	return c.JSON(status, out)
}

func (s *Server) handleGetCaption(c *echo.Context) error {
	id := c.Param("id")
	rec, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "caption not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteCaption(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "caption not found")
	}
	return c.JSON(http.StatusOK, DeleteCaptionResponse{ID: id, Object: objectCaption + ".deleted", Deleted: true})
}

func (s *Server) handleExamples(c *echo.Context) error {
	examples := s.captioner.Examples()
	data := make([]ExampleItem, 0, len(examples))
	for _, ex := range examples {
		data = append(data, ExampleItem{URL: ex.URL, Caption: ex.Caption, Ready: ex.Ready})
	}
	return c.JSON(http.StatusOK, ListResponse[ExampleItem]{Object: "list", Data: data})
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, ListResponse[ModelItem]{
		Object: "list",
		Data: []ModelItem{{
			ID:      s.captioner.Model(),
			Object:  "model",
			Backend: s.captioner.Backend(),
			Workers: s.captioner.Workers(),
		}},
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"model":    s.captioner.Model(),
		"version":  version.String(),
		"captions": s.store.Len(),
	})
}
