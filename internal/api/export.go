package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/pai-qbank/internal/audit"
	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/exporter"
)

// parseFilter reads the export filter query parameters.
func parseFilter(q url.Values) (exercise.Filter, error) {
	var f exercise.Filter
	params := []struct {
		name string
		dst  *int64
	}{
		{"category_id", &f.CategoryID},
		{"major_id", &f.MajorID},
		{"chapter_id", &f.ChapterID},
		{"examgroup_id", &f.ExamGroupID},
		{"school_id", &f.SchoolID},
		{"exam_id", &f.ExamID},
	}
	for _, p := range params {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return f, exercise.Invalid(p.name, "must be a positive integer, got %q", v)
		}
		*p.dst = id
	}
	return f, nil
}

func filterDetails(f exercise.Filter, format string, n int) map[string]any {
	return map[string]any{
		"category_id":  f.CategoryID,
		"major_id":     f.MajorID,
		"chapter_id":   f.ChapterID,
		"examgroup_id": f.ExamGroupID,
		"school_id":    f.SchoolID,
		"exam_id":      f.ExamID,
		"format":       format,
		"count":        n,
	}
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	format, err := exporter.ParseFormat(q.Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.streamer.Check(r.Context(), f); err != nil {
		writeError(w, r, err)
		return
	}

	name := exporter.Filename(f, string(format), h.now())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	slog.Info("export started", "file", name, "format", format)
	n, err := exporter.Write(w, format, h.streamer.Records(r.Context(), f))
	if err != nil {
		// Headers are gone; the client sees a truncated body.
		slog.Error("export aborted", "file", name, "written", n, "error", err)
		return
	}
	slog.Info("export finished", "file", name, "records", n)
	h.record(r, audit.ActionExport, name, filterDetails(f, string(format), n))
}

// handleExportWS streams one record per text message, then closes normally.
// A client disconnect cancels the export.
func (h *Handler) handleExportWS(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.streamer.Check(r.Context(), f); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx := conn.CloseRead(r.Context())
	n := 0
	for rec, err := range h.streamer.Records(ctx, f) {
		if err != nil {
			slog.Error("websocket export aborted", "written", n, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "export failed")
			return
		}
		if err := wsjson.Write(ctx, conn, rec); err != nil {
			slog.Info("websocket export client gone", "written", n, "error", err)
			return
		}
		n++
	}

	slog.Info("websocket export finished", "records", n)
	h.record(r, audit.ActionExport, "websocket", filterDetails(f, "websocket", n))
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
