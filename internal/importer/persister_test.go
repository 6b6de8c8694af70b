package importer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/importer"
)

// failingStore wraps every transaction so that image inserts fail, the last
// child insert the persister performs.
type failingStore struct {
	exercise.Store
}

func (s failingStore) InTx(ctx context.Context, fn func(tx exercise.Tx) error) error {
	return s.Store.InTx(ctx, func(tx exercise.Tx) error {
		return fn(failingTx{Tx: tx})
	})
}

type failingTx struct {
	exercise.Tx
}

func (failingTx) InsertImages(ctx context.Context, images []*exercise.Image) error {
	if len(images) == 0 {
		return nil
	}
	return &exercise.PersistenceError{Op: "insert images", Err: errors.New("disk full")}
}

func persist(t *testing.T, store exercise.Store, graphs ...*exercise.Graph) []importer.Outcome {
	t.Helper()
	var outcomes []importer.Outcome
	err := store.InTx(t.Context(), func(tx exercise.Tx) error {
		var err error
		outcomes, err = importer.Persist(t.Context(), tx, graphs)
		return err
	})
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	return outcomes
}

func onlyGraph(t *testing.T, store exercise.Store) exercise.Graph {
	t.Helper()
	graphs, err := store.Page(t.Context(), exercise.Filter{}, 0, 10)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if len(graphs) != 1 {
		t.Fatalf("Page() = %d graphs, want 1", len(graphs))
	}
	return graphs[0]
}

func TestPersist_PrimaryIsLastVariant(t *testing.T) {
	store := exercise.NewMemoryStore()

	persist(t, store, &exercise.Graph{
		Exercise: exercise.Exercise{Level: 1},
		Stems:    []exercise.Stem{{Content: "stem"}},
		Answers:  []exercise.Answer{{Content: "A", Mark: "m1"}, {Content: "B", Mark: "m2"}},
		Analyses: []exercise.Analysis{{Content: "why A"}, {Content: "why B"}, {Content: "why C"}},
		From:     &exercise.From{PageNumber: 3},
	})

	g := onlyGraph(t, store)
	rec, err := exercise.ToRecord(&g)
	if err != nil {
		t.Fatalf("ToRecord() error = %v", err)
	}
	if got := rec.Answers[len(rec.Answers)-1].Content; got != "B" {
		t.Errorf("primary answer = %q, want B", got)
	}
	if got := rec.Analyses[len(rec.Analyses)-1].Content; got != "why C" {
		t.Errorf("primary analysis = %q, want why C", got)
	}
	if g.Exercise.PrimaryStemID != g.Stems[0].ID {
		t.Errorf("PrimaryStemID = %d, want %d", g.Exercise.PrimaryStemID, g.Stems[0].ID)
	}
	if g.Exercise.PrimaryFromID != g.From.ID {
		t.Errorf("PrimaryFromID = %d, want %d", g.Exercise.PrimaryFromID, g.From.ID)
	}
}

func TestPersist_UpdateReplacesChildren(t *testing.T) {
	store := exercise.NewMemoryStore()

	persist(t, store, &exercise.Graph{
		Exercise: exercise.Exercise{ID: 9, Level: 1},
		Stems:    []exercise.Stem{{Content: "old"}},
		Answers:  []exercise.Answer{{Content: "a1"}, {Content: "a2"}},
		Images:   []exercise.Image{{Link: "x.png", Source: exercise.ImageStem}},
	})

	outcomes := persist(t, store, &exercise.Graph{
		Exercise: exercise.Exercise{ID: 9, Level: 4},
		Stems:    []exercise.Stem{{Content: "new"}},
		Exists:   true,
	})
	if outcomes[0] != importer.Updated {
		t.Errorf("outcome = %v, want updated", outcomes[0])
	}

	g := onlyGraph(t, store)
	if g.Exercise.Level != 4 {
		t.Errorf("Level = %d, want 4", g.Exercise.Level)
	}
	if len(g.Stems) != 1 || g.Stems[0].Content != "new" {
		t.Errorf("Stems = %+v, want only new", g.Stems)
	}
	if len(g.Answers) != 0 || len(g.Images) != 0 {
		t.Errorf("old children survived: answers=%d images=%d", len(g.Answers), len(g.Images))
	}
	if g.Exercise.PrimaryAnswerID != 0 {
		t.Errorf("PrimaryAnswerID = %d, want cleared", g.Exercise.PrimaryAnswerID)
	}
}

func TestPersist_DuplicateIDInBatch(t *testing.T) {
	store := exercise.NewMemoryStore()

	outcomes := persist(t, store,
		&exercise.Graph{Exercise: exercise.Exercise{ID: 3, Level: 1}, Stems: []exercise.Stem{{Content: "first"}}},
		&exercise.Graph{Exercise: exercise.Exercise{ID: 3, Level: 2}, Stems: []exercise.Stem{{Content: "second"}}},
	)

	want := []importer.Outcome{importer.Created, importer.Updated}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("outcome[%d] = %v, want %v", i, outcomes[i], want[i])
		}
	}

	g := onlyGraph(t, store)
	if g.Stems[0].Content != "second" || g.Exercise.Level != 2 {
		t.Errorf("stored graph = level %d stem %q, want the later record", g.Exercise.Level, g.Stems[0].Content)
	}
}

func TestPersist_AllocatedIDsSkipExplicit(t *testing.T) {
	store := exercise.NewMemoryStore()

	auto := &exercise.Graph{Exercise: exercise.Exercise{Level: 1}}
	explicit := &exercise.Graph{Exercise: exercise.Exercise{ID: 1, Level: 1}}
	persist(t, store, auto, explicit)

	if auto.Exercise.ID == explicit.Exercise.ID {
		t.Fatalf("allocated id collided with explicit id %d", explicit.Exercise.ID)
	}
	if auto.Exercise.ID <= 1 {
		t.Errorf("allocated id = %d, want > 1", auto.Exercise.ID)
	}
}

func TestPersist_FailureOnLastInsertRollsBackEverything(t *testing.T) {
	store := exercise.NewMemoryStore()
	failing := failingStore{Store: store}

	err := failing.InTx(t.Context(), func(tx exercise.Tx) error {
		r := importer.NewResolver(tx)
		cat, err := r.Resolve(t.Context(), exercise.KindCategory, "Math", 0)
		if err != nil {
			return err
		}
		_, err = importer.Persist(t.Context(), tx, []*exercise.Graph{{
			Exercise: exercise.Exercise{Level: 1, CategoryID: cat},
			Stems:    []exercise.Stem{{Content: "s"}},
			Images:   []exercise.Image{{Link: "a.png", Source: exercise.ImageStem}},
		}})
		return err
	})

	var pe *exercise.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want PersistenceError", err)
	}
	if n, _ := store.Count(t.Context(), exercise.Filter{}); n != 0 {
		t.Errorf("Count() = %d after rollback, want 0", n)
	}
	if err := store.CheckFilter(t.Context(), exercise.Filter{CategoryID: 1}); err == nil {
		t.Error("category from rolled back transaction was committed")
	}
}
