package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
)

// RecordError ties an import failure to the record that caused it.
type RecordError struct {
	Index      int
	ExerciseID int64
	Err        error
}

func (e *RecordError) Error() string {
	if e.ExerciseID != 0 {
		return fmt.Sprintf("record %d (exercise_id %d): %v", e.Index, e.ExerciseID, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// PartialImportError is returned when some records were imported and others
// failed under the continue-on-error policy.
type PartialImportError struct {
	Succeeded int
	Failures  []*RecordError
}

func (e *PartialImportError) Error() string {
	return fmt.Sprintf("imported %d records, %d failed", e.Succeeded, len(e.Failures))
}

// Failure is the reported form of one RecordError.
type Failure struct {
	Index      int    `json:"index"`
	ExerciseID int64  `json:"exercise_id,omitempty"`
	Field      string `json:"field,omitempty"`
	Error      string `json:"error"`
}

// Report summarizes one import run.
type Report struct {
	ID              string         `json:"import_id"`
	Policy          string         `json:"policy"`
	Total           int            `json:"total"`
	Count           int            `json:"count"`
	Created         int            `json:"created"`
	Updated         int            `json:"updated"`
	Failed          int            `json:"failed"`
	Failures        []Failure      `json:"failures"`
	TaxonomyCreated map[string]int `json:"taxonomy_created"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

func (r *Report) addFailure(re *RecordError) {
	f := Failure{Index: re.Index, ExerciseID: re.ExerciseID, Error: re.Err.Error()}
	var ve *exercise.ValidationError
	if errors.As(re.Err, &ve) {
		f.Field = ve.Field
		f.Error = ve.Message
	}
	r.Failures = append(r.Failures, f)
	r.Failed++
}

// ErrReportNotFound is returned when no report exists for an id.
var ErrReportNotFound = errors.New("import report not found")

// ReportStore keeps finished import reports for later retrieval.
type ReportStore interface {
	Save(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, error)
}

// MemoryReportStore is an in-memory ReportStore.
type MemoryReportStore struct {
	reports map[string]Report
	mu      sync.RWMutex
}

// NewMemoryReportStore creates an empty in-memory report store.
func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{reports: make(map[string]Report)}
}

func (s *MemoryReportStore) Save(ctx context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.ID] = *r
	return nil
}

func (s *MemoryReportStore) Get(ctx context.Context, id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	return &r, nil
}

const reportKeyPrefix = "qbank:import:"

// RedisReportStore keeps reports in Redis as JSON with a TTL.
type RedisReportStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReportStore creates a report store on client. Reports expire
// after ttl; a zero ttl keeps them forever.
func NewRedisReportStore(client *redis.Client, ttl time.Duration) *RedisReportStore {
	return &RedisReportStore{client: client, ttl: ttl}
}

func (s *RedisReportStore) Save(ctx context.Context, r *Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := s.client.Set(ctx, reportKeyPrefix+r.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *RedisReportStore) Get(ctx context.Context, id string) (*Report, error) {
	data, err := s.client.Get(ctx, reportKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}
