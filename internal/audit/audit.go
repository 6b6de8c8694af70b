// Package audit records user actions on exercises to the action log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// Action types.
const (
	ActionImport     = "import"
	ActionExport     = "export"
	ActionDelete     = "delete"
	ActionBulkUpdate = "bulk_update"
)

// Action is one entry of the action log.
type Action struct {
	ActionType string
	ModelName  string
	ObjectID   string
	Details    map[string]any
	IPAddress  string
	CreatedAt  time.Time
}

// Logger appends actions to the action log.
type Logger interface {
	Log(ctx context.Context, action Action) error
}

// Record logs action and swallows the error, so a broken action log never
// fails the request that triggered it.
func Record(ctx context.Context, l Logger, action Action) {
	if err := l.Log(ctx, action); err != nil {
		slog.Warn("failed to write action log",
			"action_type", action.ActionType,
			"object_id", action.ObjectID,
			"error", err,
		)
	}
}

func validate(action Action) error {
	if action.ActionType == "" {
		return fmt.Errorf("action_type is required")
	}
	if action.ModelName == "" {
		return fmt.Errorf("model_name is required")
	}
	return nil
}

// NopLogger drops all actions.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Action) error {
	return nil
}

// MemoryLogger keeps actions in memory for tests.
type MemoryLogger struct {
	mu      sync.Mutex
	actions []Action
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{actions: []Action{}}
}

func (l *MemoryLogger) Log(_ context.Context, action Action) error {
	if err := validate(action); err != nil {
		return err
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}

	l.mu.Lock()
	l.actions = append(l.actions, action)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLogger) Actions() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Action{}, l.actions...)
}

// PostgresLogger inserts actions into the action_logs table.
type PostgresLogger struct {
	pool *pgxpool.Pool
}

func NewPostgresLogger(pool *pgxpool.Pool) *PostgresLogger {
	return &PostgresLogger{pool: pool}
}

func (l *PostgresLogger) Log(ctx context.Context, action Action) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("action logger pool is nil")
	}
	if err := validate(action); err != nil {
		return err
	}

	details := action.Details
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal action details: %w", err)
	}

	createdAt := action.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbTimeout)
	defer cancel()

	_, err = l.pool.Exec(ctx,
		`INSERT INTO action_logs (action_type, model_name, object_id, details, ip_address, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, NULLIF($5, ''), $6)`,
		action.ActionType,
		action.ModelName,
		action.ObjectID,
		string(data),
		action.IPAddress,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}

	slog.Debug("action logged",
		"type", action.ActionType,
		"model", action.ModelName,
		"object_id", action.ObjectID,
	)
	return nil
}
