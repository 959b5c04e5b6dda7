package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const maxBodySize = 10 << 20

// Session handles one raw JSON-RPC message and returns the encoded
// response, or nil for notifications.
type Session interface {
	HandleMessage(ctx context.Context, raw []byte) []byte
}

// ReadyFunc reports whether the backing store is reachable.
type ReadyFunc func(ctx context.Context) error

// Handler holds the HTTP route handlers.
type Handler struct {
	session Session
	ready   ReadyFunc
	logger  *slog.Logger
}

// NewHandler creates a new Handler. ready may be nil.
func NewHandler(session Session, ready ReadyFunc, logger *slog.Logger) *Handler {
	return &Handler{session: session, ready: ready, logger: logger}
}

// MCP handles POST /mcp. The body is one JSON-RPC message; the response body
// is the JSON-RPC response, or empty with 202 when the message needed none.
func (h *Handler) MCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("message too large"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody("read body: "+err.Error()))
		return
	}

	resp := h.session.HandleMessage(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		h.logger.Warn("http: write response", slog.String("error", err.Error()))
	}
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.Warn("http: not ready", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
