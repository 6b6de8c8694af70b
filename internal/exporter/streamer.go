// Package exporter streams stored exercises back out in the import record
// shape, as a JSON array, an XLSX sheet, or one record at a time.
package exporter

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/platform/metrics"
)

// DefaultChunkSize is the number of graphs fetched per page.
const DefaultChunkSize = 500

// Streamer reads exercises page by page, so at most one page of graphs is
// held in memory at a time.
type Streamer struct {
	store     exercise.Store
	chunkSize int
}

// New creates a streamer over store. A non-positive chunkSize uses
// DefaultChunkSize.
func New(store exercise.Store, chunkSize int) *Streamer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Streamer{store: store, chunkSize: chunkSize}
}

// Check validates f before any output is written: at least one filter must
// be set and every filter id must exist.
func (s *Streamer) Check(ctx context.Context, f exercise.Filter) error {
	if f.Empty() {
		return exercise.Invalid("filter", "at least one filter parameter is required")
	}
	return s.store.CheckFilter(ctx, f)
}

// Count returns the number of exercises f matches.
func (s *Streamer) Count(ctx context.Context, f exercise.Filter) (int, error) {
	return s.store.Count(ctx, f)
}

// Records yields the exercises matching f as records in ascending id order.
// A graph that fails its integrity check is logged and skipped. A store
// error or context cancellation is yielded once and ends the sequence. The
// sequence is single pass.
func (s *Streamer) Records(ctx context.Context, f exercise.Filter) iter.Seq2[exercise.Record, error] {
	return func(yield func(exercise.Record, error) bool) {
		var after int64
		for {
			if err := ctx.Err(); err != nil {
				yield(exercise.Record{}, err)
				return
			}

			page, err := s.store.Page(ctx, f, after, s.chunkSize)
			if err != nil {
				yield(exercise.Record{}, fmt.Errorf("load export page after %d: %w", after, err))
				return
			}

			for i := range page {
				g := &page[i]
				after = g.Exercise.ID
				rec, err := exercise.ToRecord(g)
				if err != nil {
					slog.Error("skipping exercise in export", "exercise_id", g.Exercise.ID, "error", err)
					metrics.ExportSkipped.Inc()
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}

			if len(page) < s.chunkSize {
				return
			}
		}
	}
}

// Filename builds the attachment name for an export of f, e.g.
// exercises_category_3_major_7_20240102_150405.json.
func Filename(f exercise.Filter, ext string, now time.Time) string {
	parts := []string{"exercises"}
	for _, p := range []struct {
		name string
		id   int64
	}{
		{"category", f.CategoryID},
		{"major", f.MajorID},
		{"chapter", f.ChapterID},
		{"examgroup", f.ExamGroupID},
		{"school", f.SchoolID},
		{"exam", f.ExamID},
	} {
		if p.id != 0 {
			parts = append(parts, fmt.Sprintf("%s_%d", p.name, p.id))
		}
	}
	parts = append(parts, now.Format("20060102_150405"))
	return strings.Join(parts, "_") + "." + ext
}
