package importer

import (
	"context"
	"log/slog"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
)

// Outcome says what persisting one graph did.
type Outcome int

const (
	Created Outcome = iota
	Updated
)

func (o Outcome) String() string {
	if o == Updated {
		return "updated"
	}
	return "created"
}

// Persist writes graphs inside tx and returns one outcome per input graph.
//
// Existing exercises are updated in place and their children replaced. A
// graph whose exercise id repeats an earlier graph in the same batch replaces
// it and is reported as an update. Primary pointers are set last, after every
// child row has its id. Any error leaves tx to be rolled back by the caller.
func Persist(ctx context.Context, tx exercise.Tx, graphs []*exercise.Graph) ([]Outcome, error) {
	outcomes := make([]Outcome, len(graphs))
	live := make([]*exercise.Graph, 0, len(graphs))
	byID := make(map[int64]int, len(graphs))

	for i, g := range graphs {
		if g.Exists {
			outcomes[i] = Updated
		}
		id := g.Exercise.ID
		if id == 0 {
			live = append(live, g)
			continue
		}
		if j, dup := byID[id]; dup {
			slog.Warn("duplicate exercise_id in batch, later record wins", "exercise_id", id)
			g.Exists = live[j].Exists
			live[j] = g
			outcomes[i] = Updated
			continue
		}
		byID[id] = len(live)
		live = append(live, g)
	}

	var explicit, allocated, updates []*exercise.Exercise
	var updateIDs []int64
	for _, g := range live {
		switch {
		case g.Exists:
			updates = append(updates, &g.Exercise)
			updateIDs = append(updateIDs, g.Exercise.ID)
		case g.Exercise.ID != 0:
			explicit = append(explicit, &g.Exercise)
		default:
			allocated = append(allocated, &g.Exercise)
		}
	}

	if len(updates) > 0 {
		if err := tx.DeleteChildren(ctx, updateIDs); err != nil {
			return nil, err
		}
		if err := tx.UpdateExercises(ctx, updates); err != nil {
			return nil, err
		}
	}
	// Explicit ids go first so allocated ids are drawn past them.
	if len(explicit) > 0 {
		if err := tx.InsertExercises(ctx, explicit); err != nil {
			return nil, err
		}
	}
	if len(allocated) > 0 {
		if err := tx.InsertExercises(ctx, allocated); err != nil {
			return nil, err
		}
	}

	var (
		stems     []*exercise.Stem
		questions []*exercise.Question
		answers   []*exercise.Answer
		analyses  []*exercise.Analysis
		froms     []*exercise.From
		images    []*exercise.Image
	)
	for _, g := range live {
		g.Bind()
		for i := range g.Stems {
			stems = append(stems, &g.Stems[i])
		}
		for i := range g.Questions {
			questions = append(questions, &g.Questions[i])
		}
		for i := range g.Answers {
			answers = append(answers, &g.Answers[i])
		}
		for i := range g.Analyses {
			analyses = append(analyses, &g.Analyses[i])
		}
		if g.From != nil {
			froms = append(froms, g.From)
		}
		for i := range g.Images {
			images = append(images, &g.Images[i])
		}
	}

	if err := tx.InsertStems(ctx, stems); err != nil {
		return nil, err
	}
	if err := tx.InsertQuestions(ctx, questions); err != nil {
		return nil, err
	}
	if err := tx.InsertAnswers(ctx, answers); err != nil {
		return nil, err
	}
	if err := tx.InsertAnalyses(ctx, analyses); err != nil {
		return nil, err
	}
	if err := tx.InsertFroms(ctx, froms); err != nil {
		return nil, err
	}
	if err := tx.InsertImages(ctx, images); err != nil {
		return nil, err
	}

	primaries := make([]exercise.Primaries, 0, len(live))
	for _, g := range live {
		primaries = append(primaries, g.SelectPrimaries())
	}
	if err := tx.SetPrimaries(ctx, primaries); err != nil {
		return nil, err
	}

	return outcomes, nil
}
