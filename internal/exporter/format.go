package exporter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/platform/metrics"
)

// Format is an export output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat parses a format name; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", exercise.Invalid("format", "must be json or xlsx, got %q", s)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// Write writes records to w in format f and returns how many were written.
func Write(w io.Writer, f Format, records iter.Seq2[exercise.Record, error]) (int, error) {
	if f == FormatXLSX {
		return WriteXLSX(w, records)
	}
	return WriteJSON(w, records)
}

const flushEvery = 100

type flusher interface {
	Flush()
}

// WriteJSON writes records as one JSON array, element by element. If w can
// be flushed it is flushed periodically so clients see progress.
func WriteJSON(w io.Writer, records iter.Seq2[exercise.Record, error]) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	fl, _ := w.(flusher)

	if _, err := io.WriteString(w, "["); err != nil {
		return 0, err
	}

	n := 0
	for rec, err := range records {
		if err != nil {
			return n, err
		}

		buf.Reset()
		if n > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(rec); err != nil {
			return n, fmt.Errorf("encode exercise %d: %w", recordID(rec), err)
		}
		if _, err := w.Write(bytes.TrimRight(buf.Bytes(), "\n")); err != nil {
			return n, err
		}
		n++
		metrics.ExportRecords.WithLabelValues(string(FormatJSON)).Inc()
		if fl != nil && n%flushEvery == 0 {
			fl.Flush()
		}
	}

	if _, err := io.WriteString(w, "]"); err != nil {
		return n, err
	}
	if fl != nil {
		fl.Flush()
	}
	return n, nil
}

var xlsxHeader = []any{
	"exercise_id", "category", "major", "chapter", "examgroup", "source", "type",
	"level", "score", "stem", "questions", "answer", "analysis", "exercise_from", "image_links",
}

const sheetName = "Sheet1"

// maxCellChars is the most characters a spreadsheet cell holds; longer text
// is truncated by readers.
const maxCellChars = excelize.TotalCellChars

// WriteXLSX writes records as rows of a single-sheet workbook. Nested fields
// are stored as JSON text in their cells. Rows are streamed to a temporary
// file by excelize, so memory stays bounded; the workbook is written to w
// once all rows are in.
func WriteXLSX(w io.Writer, records iter.Seq2[exercise.Record, error]) (int, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return 0, fmt.Errorf("create stream writer: %w", err)
	}
	if err := sw.SetRow("A1", xlsxHeader); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	n := 0
	for rec, err := range records {
		if err != nil {
			return n, err
		}
		row, err := xlsxRow(rec)
		if err != nil {
			return n, err
		}
		if col, length := longestCell(row); length > maxCellChars {
			slog.Warn("skipping exercise in xlsx export, cell too long",
				"exercise_id", recordID(rec),
				"column", xlsxHeader[col],
				"length", length,
			)
			metrics.ExportSkipped.Inc()
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, n+2)
		if err != nil {
			return n, err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return n, fmt.Errorf("write exercise %d: %w", recordID(rec), err)
		}
		n++
		metrics.ExportRecords.WithLabelValues(string(FormatXLSX)).Inc()
	}

	if err := sw.Flush(); err != nil {
		return n, fmt.Errorf("flush sheet: %w", err)
	}
	if err := f.Write(w); err != nil {
		return n, fmt.Errorf("write workbook: %w", err)
	}
	return n, nil
}

func xlsxRow(rec exercise.Record) ([]any, error) {
	nested := []any{rec.Questions, rec.Answers, rec.Analyses, rec.ExerciseFrom, rec.ImageLinks}
	row := []any{
		recordID(rec), rec.Category, deref(rec.Major), deref(rec.Chapter), deref(rec.ExamGroup),
		deref(rec.Source), rec.Type, derefInt(rec.Level), derefFloat(rec.Score), deref(rec.Stem),
	}
	for _, v := range nested {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode exercise %d: %w", recordID(rec), err)
		}
		row = append(row, string(data))
	}
	return row, nil
}

// longestCell returns the column of the longest text cell in row and its
// length in characters.
func longestCell(row []any) (col, length int) {
	for i, v := range row {
		if s, ok := v.(string); ok {
			if l := utf8.RuneCountInString(s); l > length {
				col, length = i, l
			}
		}
	}
	return col, length
}

func recordID(rec exercise.Record) int64 {
	if rec.ExerciseID == nil {
		return 0
	}
	return *rec.ExerciseID
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func derefFloat(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
