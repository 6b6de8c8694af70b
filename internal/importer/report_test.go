package importer_test

import (
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/p-n-ai/pai-qbank/internal/importer"
)

func testReportStore(t *testing.T, store importer.ReportStore) {
	t.Helper()

	rep := &importer.Report{
		ID:       "3f6c1f0e-6d8a-4b57-9d0c-4b1e7a0f2a11",
		Policy:   "continue",
		Total:    3,
		Count:    2,
		Failed:   1,
		Failures: []importer.Failure{{Index: 2, Field: "category", Error: "is required"}},
	}
	if err := store.Save(t.Context(), rep); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(t.Context(), rep.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Count != 2 || len(got.Failures) != 1 || got.Failures[0].Field != "category" {
		t.Errorf("Get() = %+v", got)
	}

	if _, err := store.Get(t.Context(), "missing"); !errors.Is(err, importer.ErrReportNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrReportNotFound", err)
	}
}

func TestMemoryReportStore(t *testing.T) {
	testReportStore(t, importer.NewMemoryReportStore())
}

func TestRedisReportStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := t.Context()
	ctr, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}

	endpoint, err := ctr.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Endpoint() error = %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	store := importer.NewRedisReportStore(client, time.Hour)
	testReportStore(t, store)

	ttl, err := client.TTL(ctx, "qbank:import:3f6c1f0e-6d8a-4b57-9d0c-4b1e7a0f2a11").Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL = %v, want (0, 1h]", ttl)
	}
}
