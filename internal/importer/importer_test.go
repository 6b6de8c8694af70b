package importer_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/importer"
)

const scenarioRecord = `{"category":"Math","type":"MCQ","stem":"2+2=?","questions":[{"question_order":1,"question_stem":"","question_answer":"4"}]}`

func runImport(t *testing.T, im *importer.Importer, input string, policy importer.Policy) (*importer.Report, error) {
	t.Helper()
	return im.Import(t.Context(), strings.NewReader(input), policy)
}

func allGraphs(t *testing.T, store exercise.Store) []exercise.Graph {
	t.Helper()
	graphs, err := store.Page(t.Context(), exercise.Filter{}, 0, 1000)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	return graphs
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    importer.Policy
		wantErr bool
	}{
		{"", importer.ContinueOnError, false},
		{"continue", importer.ContinueOnError, false},
		{"abort", importer.AbortOnError, false},
		{"atomic", importer.AbortOnError, false},
		{"maybe", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := importer.ParsePolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePolicy(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestImport_SingleRecord(t *testing.T) {
	store := exercise.NewMemoryStore()
	im := importer.New(store, nil, 0)

	rep, err := runImport(t, im, "["+scenarioRecord+"]", importer.ContinueOnError)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if rep.Count != 1 || rep.Created != 1 {
		t.Errorf("report = %+v, want one created", rep)
	}
	if rep.TaxonomyCreated["category"] != 1 || rep.TaxonomyCreated["type"] != 1 {
		t.Errorf("TaxonomyCreated = %v", rep.TaxonomyCreated)
	}

	graphs := allGraphs(t, store)
	if len(graphs) != 1 {
		t.Fatalf("stored %d exercises, want 1", len(graphs))
	}
	g := graphs[0]
	if len(g.Stems) != 1 || len(g.Questions) != 1 || g.Questions[0].Answer != "4" {
		t.Errorf("graph = %+v", g)
	}
	if g.From != nil {
		t.Error("ExerciseFrom created without exam data")
	}
}

func TestImport_RepeatReusesTaxonomy(t *testing.T) {
	store := exercise.NewMemoryStore()
	im := importer.New(store, nil, 0)

	if _, err := runImport(t, im, scenarioRecord, importer.ContinueOnError); err != nil {
		t.Fatalf("first Import() error = %v", err)
	}
	rep, err := runImport(t, im, scenarioRecord, importer.ContinueOnError)
	if err != nil {
		t.Fatalf("second Import() error = %v", err)
	}
	if len(rep.TaxonomyCreated) != 0 {
		t.Errorf("second import created taxonomy %v, want none", rep.TaxonomyCreated)
	}

	graphs := allGraphs(t, store)
	if len(graphs) != 2 {
		t.Fatalf("stored %d exercises, want 2", len(graphs))
	}
	if graphs[0].Exercise.CategoryID != graphs[1].Exercise.CategoryID {
		t.Error("exercises do not share the Math category")
	}
}

func TestImport_DedupAcrossChunks(t *testing.T) {
	store := exercise.NewMemoryStore()
	im := importer.New(store, nil, 2)

	var records []string
	for i := range 5 {
		records = append(records, fmt.Sprintf(
			`{"category":"Math","major":"Algebra","chapter":"Linear","examgroup":"Mid","source":"Book","type":"MCQ","stem":"q%d",
			  "exercise_from":{"from_school":"North","exam_time":"2023","exam_code":"A","exam_full_name":"Final"}}`, i))
	}
	rep, err := runImport(t, im, "["+strings.Join(records, ",")+"]", importer.ContinueOnError)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if rep.Count != 5 {
		t.Fatalf("Count = %d, want 5", rep.Count)
	}
	for _, kind := range []string{"category", "major", "chapter", "examgroup", "source", "type", "school", "exam"} {
		if rep.TaxonomyCreated[kind] != 1 {
			t.Errorf("TaxonomyCreated[%s] = %d, want 1", kind, rep.TaxonomyCreated[kind])
		}
	}

	graphs := allGraphs(t, store)
	examID := graphs[0].From.ExamID
	for _, g := range graphs {
		if g.From == nil || g.From.ExamID != examID {
			t.Errorf("exercise %d From = %+v, want exam %d", g.Exercise.ID, g.From, examID)
		}
	}
}

func TestImport_PrimaryAnswerIsLast(t *testing.T) {
	store := exercise.NewMemoryStore()
	im := importer.New(store, nil, 0)

	_, err := runImport(t, im,
		`{"category":"Math","type":"MCQ","stem":"s","answer":[{"answer_content":"A","mark":"m1"},{"answer_content":"B","mark":"m2"}]}`,
		importer.ContinueOnError)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	g := allGraphs(t, store)[0]
	if len(g.Answers) != 2 {
		t.Fatalf("Answers = %d, want 2", len(g.Answers))
	}
	if g.Exercise.PrimaryAnswerID != g.Answers[1].ID || g.Answers[1].Content != "B" {
		t.Errorf("primary answer id %d, answers %+v", g.Exercise.PrimaryAnswerID, g.Answers)
	}
}

func TestImport_ContinueOnErrorReportsFailures(t *testing.T) {
	store := exercise.NewMemoryStore()
	im := importer.New(store, nil, 0)

	input := `[` + scenarioRecord + `,
		{"type":"MCQ","stem":"no category"},
		{"category":"Math","type":"MCQ","stem":"bad level","level":9},
		` + scenarioRecord + `]`
	rep, err := runImport(t, im, input, importer.ContinueOnError)

	var pe *importer.PartialImportError
	if !errors.As(err, &pe) {
		t.Fatalf("Import() error = %v, want PartialImportError", err)
	}
	if pe.Succeeded != 2 || len(pe.Failures) != 2 {
		t.Errorf("PartialImportError = %+v", pe)
	}
	if rep.Total != 4 || rep.Count != 2 || rep.Failed != 2 {
		t.Errorf("report total/count/failed = %d/%d/%d, want 4/2/2", rep.Total, rep.Count, rep.Failed)
	}
	if rep.Failures[0].Index != 1 || rep.Failures[0].Field != "category" {
		t.Errorf("first failure = %+v", rep.Failures[0])
	}
	if rep.Failures[1].Field != "level" {
		t.Errorf("second failure = %+v", rep.Failures[1])
	}

	saved, err := im.Reports().Get(t.Context(), rep.ID)
	if err != nil {
		t.Fatalf("Reports().Get() error = %v", err)
	}
	if saved.Failed != 2 {
		t.Errorf("saved report Failed = %d, want 2", saved.Failed)
	}
}

func TestImport_AbortOnErrorCommitsNothing(t *testing.T) {
	store := exercise.NewMemoryStore()
	im := importer.New(store, nil, 1)

	input := `[` + scenarioRecord + `,` + scenarioRecord + `,{"category":"Math","stem":"no type"}]`
	rep, err := runImport(t, im, input, importer.AbortOnError)

	var re *importer.RecordError
	if !errors.As(err, &re) {
		t.Fatalf("Import() error = %v, want RecordError", err)
	}
	if re.Index != 2 {
		t.Errorf("RecordError.Index = %d, want 2", re.Index)
	}
	if rep.Count != 0 {
		t.Errorf("Count = %d, want 0", rep.Count)
	}
	if n, _ := store.Count(t.Context(), exercise.Filter{}); n != 0 {
		t.Errorf("stored %d exercises after abort, want 0", n)
	}
}

func TestImport_AbortRollsBackOnPersistenceFailure(t *testing.T) {
	store := exercise.NewMemoryStore()
	im := importer.New(failingStore{Store: store}, nil, 0)

	_, err := runImport(t, im,
		`{"category":"Math","type":"MCQ","stem":"s","image_links":[{"image_link":"a.png","source_type":"stem","is_deprecated":false,"ocr_result":null}]}`,
		importer.AbortOnError)

	var pe *exercise.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("Import() error = %v, want PersistenceError", err)
	}
	if n, _ := store.Count(t.Context(), exercise.Filter{}); n != 0 {
		t.Errorf("stored %d exercises, want 0", n)
	}
}

func TestImport_ChunkRollbackMarksChunkFailed(t *testing.T) {
	store := exercise.NewMemoryStore()
	im := importer.New(failingStore{Store: store}, nil, 1)

	input := `[` + scenarioRecord + `,
		{"category":"Math","type":"MCQ","stem":"s","image_links":[{"image_link":"a.png","source_type":"stem"}]}]`
	rep, err := runImport(t, im, input, importer.ContinueOnError)

	var pe *importer.PartialImportError
	if !errors.As(err, &pe) {
		t.Fatalf("Import() error = %v, want PartialImportError", err)
	}
	if rep.Count != 1 || rep.Failed != 1 {
		t.Errorf("count/failed = %d/%d, want 1/1", rep.Count, rep.Failed)
	}
	if n, _ := store.Count(t.Context(), exercise.Filter{}); n != 1 {
		t.Errorf("stored %d exercises, want 1", n)
	}
}

func TestImport_ExistingIDUpdates(t *testing.T) {
	store := exercise.NewMemoryStore()
	im := importer.New(store, nil, 0)

	if _, err := runImport(t, im, `{"exercise_id":77,"category":"Math","type":"MCQ","stem":"v1"}`, importer.ContinueOnError); err != nil {
		t.Fatalf("first Import() error = %v", err)
	}
	rep, err := runImport(t, im, `{"exercise_id":77,"category":"Math","type":"MCQ","stem":"v2","level":3}`, importer.ContinueOnError)
	if err != nil {
		t.Fatalf("second Import() error = %v", err)
	}
	if rep.Updated != 1 || rep.Created != 0 {
		t.Errorf("created/updated = %d/%d, want 0/1", rep.Created, rep.Updated)
	}

	graphs := allGraphs(t, store)
	if len(graphs) != 1 {
		t.Fatalf("stored %d exercises, want 1", len(graphs))
	}
	if graphs[0].Stems[0].Content != "v2" || graphs[0].Exercise.Level != 3 {
		t.Errorf("exercise not updated: %+v", graphs[0])
	}
}

func TestImport_DecodeError(t *testing.T) {
	im := importer.New(exercise.NewMemoryStore(), nil, 0)

	_, err := runImport(t, im, `"just a string"`, importer.ContinueOnError)
	var de *importer.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Import() error = %v, want DecodeError", err)
	}
}

func TestImport_TruncatedInputKeepsCommittedChunks(t *testing.T) {
	store := exercise.NewMemoryStore()
	im := importer.New(store, nil, 2)

	input := `[` + scenarioRecord + `,` + scenarioRecord + `,` + scenarioRecord + `,{"category":`
	rep, err := runImport(t, im, input, importer.ContinueOnError)

	var de *importer.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Import() error = %v, want DecodeError", err)
	}
	if rep.Count != 3 || rep.Failed != 1 || rep.Total != 4 {
		t.Errorf("total/count/failed = %d/%d/%d, want 4/3/1", rep.Total, rep.Count, rep.Failed)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].Index != 3 {
		t.Errorf("failures = %+v, want index 3", rep.Failures)
	}
	if n, _ := store.Count(t.Context(), exercise.Filter{}); n != 3 {
		t.Errorf("stored %d exercises, want 3", n)
	}
}

func TestImport_SchemaRejectsWrongTypes(t *testing.T) {
	im := importer.New(exercise.NewMemoryStore(), nil, 0)

	rep, err := runImport(t, im, `{"category":"Math","type":"MCQ","stem":"s","questions":[{"question_order":"first"}]}`, importer.ContinueOnError)
	var pe *importer.PartialImportError
	if !errors.As(err, &pe) {
		t.Fatalf("Import() error = %v, want PartialImportError", err)
	}
	if !strings.HasPrefix(rep.Failures[0].Field, "questions.0") {
		t.Errorf("failure field = %q, want questions.0...", rep.Failures[0].Field)
	}
}
