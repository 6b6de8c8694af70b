package exercise

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Lookup finds or creates natural-key entities. Implementations must make
// get-or-create atomic for concurrent callers.
type Lookup interface {
	GetOrCreate(ctx context.Context, kind Kind, name string, parentID int64) (id int64, created bool, err error)
	GetOrCreateExam(ctx context.Context, key ExamKey) (id int64, created bool, err error)
	ExerciseExists(ctx context.Context, id int64) (bool, error)
}

// Tx is the write side of one all-or-nothing transaction.
type Tx interface {
	Lookup

	// InsertExercises stores new exercises. Exercises with a zero ID get one
	// allocated; explicit IDs are kept.
	InsertExercises(ctx context.Context, exercises []*Exercise) error
	// UpdateExercises overwrites scalar fields and taxonomy refs.
	UpdateExercises(ctx context.Context, exercises []*Exercise) error
	// DeleteChildren removes every owned child row and clears the primary
	// pointers of the listed exercises.
	DeleteChildren(ctx context.Context, exerciseIDs []int64) error

	InsertStems(ctx context.Context, stems []*Stem) error
	InsertQuestions(ctx context.Context, questions []*Question) error
	InsertAnswers(ctx context.Context, answers []*Answer) error
	InsertAnalyses(ctx context.Context, analyses []*Analysis) error
	InsertFroms(ctx context.Context, froms []*From) error
	InsertImages(ctx context.Context, images []*Image) error

	SetPrimaries(ctx context.Context, primaries []Primaries) error
}

// Store persists exercise graphs.
type Store interface {
	// InTx runs fn in one transaction, committing only if fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Page returns up to limit graphs matching f with id > afterID, in
	// ascending id order, with all children loaded.
	Page(ctx context.Context, f Filter, afterID int64, limit int) ([]Graph, error)
	Count(ctx context.Context, f Filter) (int, error)
	// CheckFilter returns a NotFoundError for the first filter id that does
	// not exist.
	CheckFilter(ctx context.Context, f Filter) error

	DeleteExercise(ctx context.Context, id int64) error
	BulkUpdate(ctx context.Context, ids []int64, u BulkUpdate) (int, error)
}

type taxonKey struct {
	kind   Kind
	parent int64
	name   string
}

type taxon struct {
	id     int64
	parent int64
	name   string
}

type memState struct {
	nextID    map[string]int64
	taxa      map[taxonKey]int64
	taxonRows map[Kind]map[int64]taxon
	exams     map[ExamKey]int64
	examRows  map[int64]Exam
	exercises map[int64]Exercise
	stems     map[int64][]Stem
	questions map[int64][]Question
	answers   map[int64][]Answer
	analyses  map[int64][]Analysis
	froms     map[int64]From
	images    map[int64][]Image
}

func newMemState() *memState {
	return &memState{
		nextID:    make(map[string]int64),
		taxa:      make(map[taxonKey]int64),
		taxonRows: make(map[Kind]map[int64]taxon),
		exams:     make(map[ExamKey]int64),
		examRows:  make(map[int64]Exam),
		exercises: make(map[int64]Exercise),
		stems:     make(map[int64][]Stem),
		questions: make(map[int64][]Question),
		answers:   make(map[int64][]Answer),
		analyses:  make(map[int64][]Analysis),
		froms:     make(map[int64]From),
		images:    make(map[int64][]Image),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:    maps.Clone(s.nextID),
		taxa:      maps.Clone(s.taxa),
		taxonRows: make(map[Kind]map[int64]taxon, len(s.taxonRows)),
		exams:     maps.Clone(s.exams),
		examRows:  maps.Clone(s.examRows),
		exercises: maps.Clone(s.exercises),
		stems:     cloneChildren(s.stems),
		questions: cloneChildren(s.questions),
		answers:   cloneChildren(s.answers),
		analyses:  cloneChildren(s.analyses),
		froms:     maps.Clone(s.froms),
		images:    cloneChildren(s.images),
	}
	for k, rows := range s.taxonRows {
		c.taxonRows[k] = maps.Clone(rows)
	}
	return c
}

func cloneChildren[T any](m map[int64][]T) map[int64][]T {
	out := make(map[int64][]T, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

func (s *memState) allocate(table string) int64 {
	s.nextID[table]++
	return s.nextID[table]
}

// MemoryStore is an in-memory implementation of Store. Transactions are
// serialized and work on a copy of the state that replaces it on commit.
type MemoryStore struct {
	state *memState
	mu    sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) Page(ctx context.Context, f Filter, afterID int64, limit int) ([]Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.matching(f)
	start, _ := slices.BinarySearch(ids, afterID+1)
	ids = ids[start:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	graphs := make([]Graph, 0, len(ids))
	for _, id := range ids {
		graphs = append(graphs, s.graph(id))
	}
	return graphs, nil
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matching(f)), nil
}

func (s *MemoryStore) CheckFilter(ctx context.Context, f Filter) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checks := []struct {
		kind Kind
		id   int64
	}{
		{KindCategory, f.CategoryID},
		{KindMajor, f.MajorID},
		{KindChapter, f.ChapterID},
		{KindExamGroup, f.ExamGroupID},
		{KindSchool, f.SchoolID},
	}
	for _, c := range checks {
		if c.id == 0 {
			continue
		}
		if _, ok := s.state.taxonRows[c.kind][c.id]; !ok {
			return &NotFoundError{Kind: c.kind.String(), Key: strconv.FormatInt(c.id, 10)}
		}
	}
	if f.ExamID != 0 {
		if _, ok := s.state.examRows[f.ExamID]; !ok {
			return &NotFoundError{Kind: KindExam.String(), Key: strconv.FormatInt(f.ExamID, 10)}
		}
	}
	return nil
}

func (s *MemoryStore) DeleteExercise(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.exercises[id]; !ok {
		return &NotFoundError{Kind: "exercise", Key: strconv.FormatInt(id, 10)}
	}
	s.state.deleteChildren(id)
	delete(s.state.exercises, id)
	return nil
}

func (s *MemoryStore) BulkUpdate(ctx context.Context, ids []int64, u BulkUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chapterID, majorID, categoryID int64
	if u.ExamGroupID != nil {
		row, ok := s.state.taxonRows[KindExamGroup][*u.ExamGroupID]
		if !ok {
			return 0, &NotFoundError{Kind: KindExamGroup.String(), Key: strconv.FormatInt(*u.ExamGroupID, 10)}
		}
		chapterID = row.parent
		majorID = s.state.taxonRows[KindChapter][chapterID].parent
		categoryID = s.state.taxonRows[KindMajor][majorID].parent
	}

	updated := 0
	for _, id := range ids {
		e, ok := s.state.exercises[id]
		if !ok {
			continue
		}
		if u.ExamGroupID != nil {
			e.ExamGroupID = *u.ExamGroupID
			e.ChapterID = chapterID
			e.MajorID = majorID
			e.CategoryID = categoryID
		}
		if u.Level != nil {
			e.Level = *u.Level
		}
		if u.Score != nil {
			e.Score = *u.Score
		}
		e.UpdatedAt = time.Now()
		s.state.exercises[id] = e
		updated++
	}
	return updated, nil
}

func (s *MemoryStore) matching(f Filter) []int64 {
	st := s.state
	ids := make([]int64, 0, len(st.exercises))
	for id, e := range st.exercises {
		if f.CategoryID != 0 && e.CategoryID != f.CategoryID {
			continue
		}
		if f.MajorID != 0 && e.MajorID != f.MajorID {
			continue
		}
		if f.ChapterID != 0 && e.ChapterID != f.ChapterID {
			continue
		}
		if f.ExamGroupID != 0 && e.ExamGroupID != f.ExamGroupID {
			continue
		}
		if f.SchoolID != 0 || f.ExamID != 0 {
			from, ok := st.froms[id]
			if !ok {
				continue
			}
			if f.ExamID != 0 && from.ExamID != f.ExamID {
				continue
			}
			if f.SchoolID != 0 && st.examRows[from.ExamID].SchoolID != f.SchoolID {
				continue
			}
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *MemoryStore) graph(id int64) Graph {
	st := s.state
	e := st.exercises[id]
	g := Graph{
		Exercise: e,
		Labels: Labels{
			Category:  st.taxonRows[KindCategory][e.CategoryID].name,
			Major:     st.taxonRows[KindMajor][e.MajorID].name,
			Chapter:   st.taxonRows[KindChapter][e.ChapterID].name,
			ExamGroup: st.taxonRows[KindExamGroup][e.ExamGroupID].name,
			Source:    st.taxonRows[KindSource][e.SourceID].name,
			Type:      st.taxonRows[KindExerciseType][e.TypeID].name,
		},
		Stems:     slices.Clone(st.stems[id]),
		Questions: slices.Clone(st.questions[id]),
		Answers:   slices.Clone(st.answers[id]),
		Analyses:  slices.Clone(st.analyses[id]),
		Images:    slices.Clone(st.images[id]),
		Exists:    true,
	}
	if from, ok := st.froms[id]; ok {
		g.From = &from
		if exam, ok := st.examRows[from.ExamID]; ok {
			exam.SchoolName = st.taxonRows[KindSchool][exam.SchoolID].name
			g.Exam = &exam
		}
	}
	return g
}

func (s *memState) deleteChildren(id int64) {
	delete(s.stems, id)
	delete(s.questions, id)
	delete(s.answers, id)
	delete(s.analyses, id)
	delete(s.froms, id)
	delete(s.images, id)
}

type memTx struct {
	st *memState
}

func (t *memTx) GetOrCreate(ctx context.Context, kind Kind, name string, parentID int64) (int64, bool, error) {
	key := taxonKey{kind: kind, parent: parentID, name: name}
	if id, ok := t.st.taxa[key]; ok {
		return id, false, nil
	}
	id := t.st.allocate(kind.String())
	t.st.taxa[key] = id
	if t.st.taxonRows[kind] == nil {
		t.st.taxonRows[kind] = make(map[int64]taxon)
	}
	t.st.taxonRows[kind][id] = taxon{id: id, parent: parentID, name: name}
	return id, true, nil
}

func (t *memTx) GetOrCreateExam(ctx context.Context, key ExamKey) (int64, bool, error) {
	if id, ok := t.st.exams[key]; ok {
		return id, false, nil
	}
	id := t.st.allocate("exam")
	t.st.exams[key] = id
	t.st.examRows[id] = Exam{
		ID:         id,
		CategoryID: key.CategoryID,
		SchoolID:   key.SchoolID,
		Time:       key.Time,
		Code:       key.Code,
		FullName:   key.FullName,
	}
	return id, true, nil
}

func (t *memTx) ExerciseExists(ctx context.Context, id int64) (bool, error) {
	_, ok := t.st.exercises[id]
	return ok, nil
}

func (t *memTx) InsertExercises(ctx context.Context, exercises []*Exercise) error {
	now := time.Now()
	for _, e := range exercises {
		if e.ID == 0 {
			e.ID = t.st.allocate("exercise")
		} else if _, ok := t.st.exercises[e.ID]; ok {
			return fmt.Errorf("insert exercise %d: duplicate key", e.ID)
		}
		if e.ID > t.st.nextID["exercise"] {
			t.st.nextID["exercise"] = e.ID
		}
		e.CreatedAt = now
		e.UpdatedAt = now
		t.st.exercises[e.ID] = *e
	}
	return nil
}

func (t *memTx) UpdateExercises(ctx context.Context, exercises []*Exercise) error {
	now := time.Now()
	for _, e := range exercises {
		old, ok := t.st.exercises[e.ID]
		if !ok {
			return &NotFoundError{Kind: "exercise", Key: strconv.FormatInt(e.ID, 10)}
		}
		e.CreatedAt = old.CreatedAt
		e.UpdatedAt = now
		t.st.exercises[e.ID] = *e
	}
	return nil
}

func (t *memTx) DeleteChildren(ctx context.Context, exerciseIDs []int64) error {
	for _, id := range exerciseIDs {
		t.st.deleteChildren(id)
		if e, ok := t.st.exercises[id]; ok {
			e.PrimaryStemID, e.PrimaryAnswerID, e.PrimaryAnalysisID, e.PrimaryFromID = 0, 0, 0, 0
			t.st.exercises[id] = e
		}
	}
	return nil
}

func (t *memTx) requireExercise(id int64) error {
	if _, ok := t.st.exercises[id]; !ok {
		return fmt.Errorf("exercise %d does not exist", id)
	}
	return nil
}

func (t *memTx) InsertStems(ctx context.Context, stems []*Stem) error {
	for _, s := range stems {
		if err := t.requireExercise(s.ExerciseID); err != nil {
			return fmt.Errorf("insert stem: %w", err)
		}
		s.ID = t.st.allocate("stem")
		t.st.stems[s.ExerciseID] = append(t.st.stems[s.ExerciseID], *s)
	}
	return nil
}

func (t *memTx) InsertQuestions(ctx context.Context, questions []*Question) error {
	for _, q := range questions {
		if err := t.requireExercise(q.ExerciseID); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		for _, existing := range t.st.questions[q.ExerciseID] {
			if existing.Order == q.Order {
				return fmt.Errorf("insert question: exercise %d already has order %d", q.ExerciseID, q.Order)
			}
		}
		q.ID = t.st.allocate("question")
		t.st.questions[q.ExerciseID] = append(t.st.questions[q.ExerciseID], *q)
	}
	return nil
}

func (t *memTx) InsertAnswers(ctx context.Context, answers []*Answer) error {
	for _, a := range answers {
		if err := t.requireExercise(a.ExerciseID); err != nil {
			return fmt.Errorf("insert answer: %w", err)
		}
		a.ID = t.st.allocate("answer")
		t.st.answers[a.ExerciseID] = append(t.st.answers[a.ExerciseID], *a)
	}
	return nil
}

func (t *memTx) InsertAnalyses(ctx context.Context, analyses []*Analysis) error {
	for _, a := range analyses {
		if err := t.requireExercise(a.ExerciseID); err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}
		a.ID = t.st.allocate("analysis")
		t.st.analyses[a.ExerciseID] = append(t.st.analyses[a.ExerciseID], *a)
	}
	return nil
}

func (t *memTx) InsertFroms(ctx context.Context, froms []*From) error {
	for _, f := range froms {
		if err := t.requireExercise(f.ExerciseID); err != nil {
			return fmt.Errorf("insert exercise_from: %w", err)
		}
		if _, ok := t.st.froms[f.ExerciseID]; ok {
			return fmt.Errorf("insert exercise_from: exercise %d already has one", f.ExerciseID)
		}
		f.ID = t.st.allocate("exercise_from")
		t.st.froms[f.ExerciseID] = *f
	}
	return nil
}

func (t *memTx) InsertImages(ctx context.Context, images []*Image) error {
	for _, img := range images {
		if err := t.requireExercise(img.ExerciseID); err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		img.ID = t.st.allocate("image")
		t.st.images[img.ExerciseID] = append(t.st.images[img.ExerciseID], *img)
	}
	return nil
}

func (t *memTx) SetPrimaries(ctx context.Context, primaries []Primaries) error {
	for _, p := range primaries {
		e, ok := t.st.exercises[p.ExerciseID]
		if !ok {
			return fmt.Errorf("set primaries: exercise %d does not exist", p.ExerciseID)
		}
		e.PrimaryStemID = p.StemID
		e.PrimaryAnswerID = p.AnswerID
		e.PrimaryAnalysisID = p.AnalysisID
		e.PrimaryFromID = p.FromID
		t.st.exercises[p.ExerciseID] = e
	}
	return nil
}
