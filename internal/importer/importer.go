package importer

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/platform/metrics"
)

// DefaultChunkSize is the number of records committed per transaction.
const DefaultChunkSize = 1000

// Policy decides what a failing record does to the rest of an import.
type Policy int

const (
	// ContinueOnError commits each chunk in its own transaction and reports
	// failed records alongside the ones that succeeded.
	ContinueOnError Policy = iota
	// AbortOnError runs the whole import in one transaction; the first
	// failure rolls everything back.
	AbortOnError
)

func (p Policy) String() string {
	if p == AbortOnError {
		return "abort"
	}
	return "continue"
}

// ParsePolicy parses "continue" or "abort". "atomic" is accepted as an alias
// for "abort"; the empty string means ContinueOnError.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "continue":
		return ContinueOnError, nil
	case "abort", "atomic":
		return AbortOnError, nil
	default:
		return 0, fmt.Errorf("unknown import policy %q", s)
	}
}

// Importer runs the import pipeline: decode, validate, assemble, persist.
type Importer struct {
	store     exercise.Store
	reports   ReportStore
	chunkSize int
}

// New creates an importer. A non-positive chunkSize uses DefaultChunkSize;
// a nil reports store keeps reports in memory.
func New(store exercise.Store, reports ReportStore, chunkSize int) *Importer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if reports == nil {
		reports = NewMemoryReportStore()
	}
	return &Importer{store: store, reports: reports, chunkSize: chunkSize}
}

// Reports returns the store import reports are saved to.
func (im *Importer) Reports() ReportStore {
	return im.reports
}

type pendingRecord struct {
	index int
	rec   exercise.Record
}

type chunkResult struct {
	created  int
	updated  int
	failures []*RecordError
	taxonomy map[exercise.Kind]int
}

// Import reads a JSON array (or single object) of records from r and
// persists them under policy. The report is returned and saved even when an
// error is returned. Under ContinueOnError a run with failed records returns
// *PartialImportError; under AbortOnError the failing *RecordError is
// returned and nothing is committed. Unreadable input returns *DecodeError.
func (im *Importer) Import(ctx context.Context, r io.Reader, policy Policy) (*Report, error) {
	rep := &Report{
		ID:              uuid.NewString(),
		Policy:          policy.String(),
		Failures:        []Failure{},
		TaxonomyCreated: map[string]int{},
		StartedAt:       time.Now(),
	}
	dec := NewDecoder(r)

	var failures []*RecordError
	var err error
	if policy == AbortOnError {
		err = im.importAtomic(ctx, dec, rep)
	} else {
		failures, err = im.importChunked(ctx, dec, rep)
		var de *DecodeError
		if errors.As(err, &de) {
			// The unreadable record ends the run but earlier chunks stay
			// committed, so it is reported like any other failure.
			rep.Total++
			rep.addFailure(&RecordError{Index: de.Index, Err: de})
			metrics.ImportRecords.WithLabelValues(metrics.ResultFailed).Inc()
		}
	}

	slices.SortFunc(rep.Failures, func(a, b Failure) int { return cmp.Compare(a.Index, b.Index) })
	rep.FinishedAt = time.Now()
	if saveErr := im.reports.Save(context.WithoutCancel(ctx), rep); saveErr != nil {
		slog.Warn("failed to save import report", "import_id", rep.ID, "error", saveErr)
	}

	slog.Info("import finished",
		"import_id", rep.ID,
		"policy", rep.Policy,
		"total", rep.Total,
		"created", rep.Created,
		"updated", rep.Updated,
		"failed", rep.Failed,
	)

	if err != nil {
		return rep, err
	}
	if len(failures) > 0 {
		return rep, &PartialImportError{Succeeded: rep.Count, Failures: failures}
	}
	return rep, nil
}

func (im *Importer) importChunked(ctx context.Context, dec *Decoder, rep *Report) ([]*RecordError, error) {
	var failures []*RecordError
	fail := func(re *RecordError) {
		failures = append(failures, re)
		rep.addFailure(re)
		metrics.ImportRecords.WithLabelValues(metrics.ResultFailed).Inc()
	}

	for {
		chunk, invalid, eof, readErr := im.readChunk(dec, rep, false)
		for _, re := range invalid {
			fail(re)
		}

		if len(chunk) > 0 {
			var result chunkResult
			start := time.Now()
			txErr := im.store.InTx(ctx, func(tx exercise.Tx) error {
				var err error
				result, err = im.persistChunk(ctx, tx, chunk, false)
				return err
			})
			metrics.ImportChunkDuration.Observe(time.Since(start).Seconds())

			if txErr != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return failures, ctxErr
				}
				slog.Error("import chunk rolled back",
					"import_id", rep.ID,
					"first_index", chunk[0].index,
					"records", len(chunk),
					"error", txErr,
				)
				for _, p := range chunk {
					fail(&RecordError{Index: p.index, ExerciseID: recordID(&p.rec), Err: txErr})
				}
			} else {
				for _, re := range result.failures {
					fail(re)
				}
				rep.apply(result)
				slog.Debug("import chunk committed",
					"import_id", rep.ID,
					"first_index", chunk[0].index,
					"records", len(chunk),
				)
			}
		}

		if readErr != nil {
			return failures, readErr
		}
		if eof {
			return failures, nil
		}
	}
}

func (im *Importer) importAtomic(ctx context.Context, dec *Decoder, rep *Report) error {
	var results []chunkResult

	err := im.store.InTx(ctx, func(tx exercise.Tx) error {
		for {
			chunk, invalid, eof, err := im.readChunk(dec, rep, true)
			if len(invalid) > 0 {
				return invalid[0]
			}
			if err != nil {
				return err
			}

			if len(chunk) > 0 {
				start := time.Now()
				result, err := im.persistChunk(ctx, tx, chunk, true)
				metrics.ImportChunkDuration.Observe(time.Since(start).Seconds())
				if err != nil {
					return err
				}
				results = append(results, result)
			}
			if eof {
				return nil
			}
		}
	})

	if err != nil {
		var re *RecordError
		if errors.As(err, &re) {
			rep.addFailure(re)
		}
		rep.Failed = rep.Total
		metrics.ImportRecords.WithLabelValues(metrics.ResultFailed).Add(float64(rep.Total))
		slog.Error("atomic import rolled back", "import_id", rep.ID, "error", err)
		return err
	}

	for _, r := range results {
		rep.apply(r)
	}
	return nil
}

// readChunk reads up to chunkSize records. Records failing validation are
// returned separately; with stopOnInvalid the first one ends the read.
// eof is set once the input is exhausted.
func (im *Importer) readChunk(dec *Decoder, rep *Report, stopOnInvalid bool) (chunk []pendingRecord, invalid []*RecordError, eof bool, err error) {
	chunk = make([]pendingRecord, 0, im.chunkSize)
	for len(chunk) < im.chunkSize {
		raw, idx, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return chunk, invalid, true, nil
		}
		if err != nil {
			return chunk, invalid, true, err
		}
		rep.Total++

		rec, err := parseRecord(raw)
		if err != nil {
			invalid = append(invalid, &RecordError{Index: idx, ExerciseID: recordID(&rec), Err: err})
			if stopOnInvalid {
				return chunk, invalid, true, nil
			}
			continue
		}
		chunk = append(chunk, pendingRecord{index: idx, rec: rec})
	}
	return chunk, invalid, false, nil
}

// persistChunk assembles and persists one chunk inside tx. Records whose
// assembly fails are returned as failures unless abort is set, in which case
// the first one is returned as the error.
func (im *Importer) persistChunk(ctx context.Context, tx exercise.Tx, chunk []pendingRecord, abort bool) (chunkResult, error) {
	var result chunkResult
	asm := NewAssembler(NewResolver(tx))
	resolver := asm.resolver

	graphs := make([]*exercise.Graph, 0, len(chunk))
	for _, p := range chunk {
		g, err := asm.Assemble(ctx, &p.rec)
		if err != nil {
			if !isRecordFailure(err) {
				return result, err
			}
			re := &RecordError{Index: p.index, ExerciseID: recordID(&p.rec), Err: err}
			if abort {
				return result, re
			}
			result.failures = append(result.failures, re)
			continue
		}
		graphs = append(graphs, g)
	}

	outcomes, err := Persist(ctx, tx, graphs)
	if err != nil {
		return result, err
	}
	for _, o := range outcomes {
		if o == Updated {
			result.updated++
		} else {
			result.created++
		}
	}
	result.taxonomy = resolver.Created()
	return result, nil
}

func (r *Report) apply(result chunkResult) {
	r.Created += result.created
	r.Updated += result.updated
	r.Count += result.created + result.updated
	for kind, n := range result.taxonomy {
		r.TaxonomyCreated[kind.String()] += n
		metrics.TaxonomyCreated.WithLabelValues(kind.String()).Add(float64(n))
	}
	metrics.ImportRecords.WithLabelValues(metrics.ResultCreated).Add(float64(result.created))
	metrics.ImportRecords.WithLabelValues(metrics.ResultUpdated).Add(float64(result.updated))
}

// parseRecord validates raw JSON against the schema, decodes it, and applies
// the record-level rules. The partially decoded record is returned with any
// error so callers can report its exercise_id.
func parseRecord(raw json.RawMessage) (exercise.Record, error) {
	var rec exercise.Record
	schemaErr := ValidateSchema(raw)
	if err := json.Unmarshal(raw, &rec); err != nil && schemaErr == nil {
		return rec, exercise.Invalid("", "malformed record: %v", err)
	}
	if schemaErr != nil {
		return rec, schemaErr
	}
	if err := Validate(&rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func recordID(rec *exercise.Record) int64 {
	if rec.ExerciseID == nil {
		return 0
	}
	return *rec.ExerciseID
}

func isRecordFailure(err error) bool {
	var ve *exercise.ValidationError
	var nf *exercise.NotFoundError
	return errors.As(err, &ve) || errors.As(err, &nf)
}
