// Package api exposes the exercise bank over HTTP: import, export, import
// reports, and exercise maintenance.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/p-n-ai/pai-qbank/internal/audit"
	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/exporter"
	"github.com/p-n-ai/pai-qbank/internal/importer"
)

const modelExercise = "Exercise"

// Options tune a Handler.
type Options struct {
	// Policy is used when a request does not pass ?mode.
	Policy importer.Policy
	// MaxUploadBytes caps an import request body. Zero means no limit.
	MaxUploadBytes int64
}

// Handler serves the exercise bank API.
type Handler struct {
	store    exercise.Store
	importer *importer.Importer
	streamer *exporter.Streamer
	audit    audit.Logger
	opts     Options
	now      func() time.Time
}

// New creates a Handler. A nil audit logger drops actions.
func New(store exercise.Store, im *importer.Importer, streamer *exporter.Streamer, auditLog audit.Logger, opts Options) *Handler {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Handler{
		store:    store,
		importer: im,
		streamer: streamer,
		audit:    auditLog,
		opts:     opts,
		now:      time.Now,
	}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/exercises/import", h.handleImport)
	mux.HandleFunc("GET /api/imports/{id}", h.handleGetReport)
	mux.HandleFunc("GET /api/exercises/export", h.handleExport)
	mux.HandleFunc("GET /api/exercises/export/ws", h.handleExportWS)
	mux.HandleFunc("DELETE /api/exercises/{id}", h.handleDelete)
	mux.HandleFunc("POST /api/exercises/bulk-update", h.handleBulkUpdate)
}

func (h *Handler) record(r *http.Request, actionType, objectID string, details map[string]any) {
	audit.Record(r.Context(), h.audit, audit.Action{
		ActionType: actionType,
		ModelName:  modelExercise,
		ObjectID:   objectID,
		Details:    details,
		IPAddress:  clientIP(r),
	})
}

// clientIP prefers the first X-Forwarded-For hop, then the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

type errorResponse struct {
	Error    string `json:"error"`
	Details  any    `json:"details,omitempty"`
	ImportID string `json:"import_id,omitempty"`
}

// writeError maps err onto a status code: validation failures are 400,
// missing references 404, and everything else 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *exercise.ValidationError
		nf *exercise.NotFoundError
		mb *http.MaxBytesError
	)
	switch {
	case errors.As(err, &mb):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
	case errors.As(err, &ve):
		resp := errorResponse{Error: ve.Message}
		if ve.Field != "" {
			resp = errorResponse{Error: "validation failed", Details: map[string]string{ve.Field: ve.Message}}
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: nf.Error()})
	case errors.Is(err, context.Canceled):
		slog.Info("request canceled", "path", r.URL.Path)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
