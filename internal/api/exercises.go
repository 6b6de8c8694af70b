package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/p-n-ai/pai-qbank/internal/audit"
	"github.com/p-n-ai/pai-qbank/internal/exercise"
)

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, exercise.Invalid("id", "must be a positive integer"))
		return
	}

	if err := h.store.DeleteExercise(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionDelete, strconv.FormatInt(id, 10), nil)
	w.WriteHeader(http.StatusNoContent)
}

type bulkUpdateRequest struct {
	ExerciseIDs []int64  `json:"exercise_ids"`
	ExamGroup   *int64   `json:"exam_group"`
	Level       *int     `json:"level"`
	Score       *float64 `json:"score"`
}

type bulkUpdateResponse struct {
	Message      string `json:"message"`
	UpdatedCount int    `json:"updated_count"`
}

func (req bulkUpdateRequest) validate() error {
	if len(req.ExerciseIDs) == 0 {
		return exercise.Invalid("exercise_ids", "at least one id is required")
	}
	if req.ExamGroup == nil && req.Level == nil && req.Score == nil {
		return exercise.Invalid("", "no fields to update")
	}
	if req.Level != nil && (*req.Level < 1 || *req.Level > 5) {
		return exercise.Invalid("level", "must be between 1 and 5")
	}
	return nil
}

func (h *Handler) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req bulkUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, exercise.Invalid("", "malformed request body: %v", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	n, err := h.store.BulkUpdate(r.Context(), req.ExerciseIDs, exercise.BulkUpdate{
		ExamGroupID: req.ExamGroup,
		Level:       req.Level,
		Score:       req.Score,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	ids := make([]string, len(req.ExerciseIDs))
	for i, id := range req.ExerciseIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	h.record(r, audit.ActionBulkUpdate, strings.Join(ids, ","), map[string]any{
		"exam_group":    req.ExamGroup,
		"level":         req.Level,
		"score":         req.Score,
		"updated_count": n,
	})
	writeJSON(w, http.StatusOK, bulkUpdateResponse{
		Message:      fmt.Sprintf("Successfully updated %d exercises", n),
		UpdatedCount: n,
	})
}
