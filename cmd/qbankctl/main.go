// Command qbankctl is the operator CLI for the exercise bank: migrations,
// bulk import and export, and taxonomy seeding.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/platform/config"
	"github.com/p-n-ai/pai-qbank/internal/platform/database"
	"github.com/p-n-ai/pai-qbank/internal/platform/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(os.Stderr, cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a := &app{
		cfg:       cfg,
		openStore: postgresOpener(cfg),
		out:       os.Stdout,
	}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// postgresOpener connects to the configured database. With migrate set the
// embedded migrations are applied first.
func postgresOpener(cfg *config.Config) storeOpener {
	return func(ctx context.Context, migrate bool) (exercise.Store, func(), error) {
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		store, err := exercise.NewPostgresStore(db.Pool)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	}
}
