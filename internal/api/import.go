package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/p-n-ai/pai-qbank/internal/audit"
	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/importer"
)

type importResponse struct {
	Message  string             `json:"message"`
	Count    int                `json:"count"`
	Failed   int                `json:"failed,omitempty"`
	Details  []importer.Failure `json:"details,omitempty"`
	ImportID string             `json:"import_id"`
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	policy := h.opts.Policy
	if mode := r.URL.Query().Get("mode"); mode != "" {
		p, err := importer.ParsePolicy(mode)
		if err != nil {
			writeError(w, r, exercise.Invalid("mode", "must be atomic or continue, got %q", mode))
			return
		}
		policy = p
	}

	if h.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	}
	body, err := importBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rep, err := h.importer.Import(r.Context(), body, policy)
	if rep != nil {
		h.record(r, audit.ActionImport, rep.ID, map[string]any{
			"policy":  rep.Policy,
			"total":   rep.Total,
			"created": rep.Created,
			"updated": rep.Updated,
			"failed":  rep.Failed,
		})
	}

	var (
		pe *importer.PartialImportError
		re *importer.RecordError
		de *importer.DecodeError
	)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, importResponse{
			Message:  fmt.Sprintf("Successfully imported %d exercises", rep.Count),
			Count:    rep.Count,
			ImportID: rep.ID,
		})
	case errors.As(err, &pe), errors.As(err, &de) && rep.Count > 0:
		writeJSON(w, http.StatusOK, importResponse{
			Message:  fmt.Sprintf("Imported %d exercises, %d failed", rep.Count, rep.Failed),
			Count:    rep.Count,
			Failed:   rep.Failed,
			Details:  rep.Failures,
			ImportID: rep.ID,
		})
	case errors.As(err, &re):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:    fmt.Sprintf("import aborted, nothing was saved: %v", re),
			Details:  rep.Failures,
			ImportID: rep.ID,
		})
	case errors.As(err, &de):
		status := http.StatusBadRequest
		var mb *http.MaxBytesError
		if errors.As(err, &mb) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse{Error: de.Error(), ImportID: rep.ID})
	default:
		writeError(w, r, err)
	}
}

// importBody returns the uploaded file of a multipart request, or the raw
// body otherwise. The multipart body is streamed, not buffered.
func importBody(r *http.Request) (io.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, exercise.Invalid("file", "malformed multipart body: %v", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, exercise.Invalid("file", "no file uploaded")
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart body: %w", err)
		}
		if part.FormName() == "file" {
			return part, nil
		}
		_ = part.Close()
	}
}

func (h *Handler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.importer.Reports().Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, importer.ErrReportNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
