package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// apiError is the JSON error body returned by every failing endpoint.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newAPIError(code int, message string) apiError {
	return apiError{Code: code, Message: message}
}

func (e apiError) Error() string {
	return e.Message
}

var errInternal = apiError{
	Code:    http.StatusInternalServerError,
	Message: "internal server error",
}

// mux wraps chi.Router so handlers can return errors. A returned apiError is
// written as-is; any other error is logged and masked as a 500.
type mux struct {
	chi.Router
	logger *slog.Logger
}

func newMux(router chi.Router, logger *slog.Logger) *mux {
	return &mux{Router: router, logger: logger}
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type middleware func(http.Handler) handlerFunc

func (m *mux) handleWithErr(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		apiErr, ok := err.(apiError)
		if !ok {
			m.logger.Error(err.Error(),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path))
			apiErr = errInternal
		}
		if err := writeJSON(w, apiErr, apiErr.Code); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

func (m *mux) Get(path string, h handlerFunc) {
	m.Router.Get(path, m.handleWithErr(h))
}

func (m *mux) Post(path string, h handlerFunc) {
	m.Router.Post(path, m.handleWithErr(h))
}

func (m *mux) Route(path string, f func(r *mux)) {
	m.Router.Route(path, func(r chi.Router) {
		f(newMux(r, m.logger))
	})
}

func (m *mux) Use(mw middleware) {
	m.Router.Use(func(h http.Handler) http.Handler {
		return m.handleWithErr(mw(h))
	})
}

func (m *mux) With(mw middleware) *mux {
	ch := m.Router.With(func(h http.Handler) http.Handler {
		return m.handleWithErr(mw(h))
	})
	return newMux(ch, m.logger)
}

func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any, code int) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
