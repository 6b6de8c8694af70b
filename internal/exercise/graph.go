package exercise

import "fmt"

// Graph is one exercise together with the child rows it owns. Children are
// held by the graph rather than by id, so a graph can be assembled before
// its exercise has been inserted; Bind copies the exercise id onto them.
type Graph struct {
	Exercise Exercise
	Labels   Labels

	Stems     []Stem
	Questions []Question
	Answers   []Answer
	Analyses  []Analysis
	From      *From
	Exam      *Exam
	Images    []Image

	// Exists is set when Exercise.ID names a row that is already stored.
	Exists bool
}

// Bind sets ExerciseID on every child row.
func (g *Graph) Bind() {
	id := g.Exercise.ID
	for i := range g.Stems {
		g.Stems[i].ExerciseID = id
	}
	for i := range g.Questions {
		g.Questions[i].ExerciseID = id
	}
	for i := range g.Answers {
		g.Answers[i].ExerciseID = id
	}
	for i := range g.Analyses {
		g.Analyses[i].ExerciseID = id
	}
	if g.From != nil {
		g.From.ExerciseID = id
	}
	for i := range g.Images {
		g.Images[i].ExerciseID = id
	}
}

// SelectPrimaries applies the primary policy to the graph's persisted
// children: the first stem, the last answer and analysis variant, and the
// single From row. It also copies the result onto g.Exercise.
func (g *Graph) SelectPrimaries() Primaries {
	p := Primaries{ExerciseID: g.Exercise.ID}
	if len(g.Stems) > 0 {
		p.StemID = g.Stems[0].ID
	}
	if n := len(g.Answers); n > 0 {
		p.AnswerID = g.Answers[n-1].ID
	}
	if n := len(g.Analyses); n > 0 {
		p.AnalysisID = g.Analyses[n-1].ID
	}
	if g.From != nil {
		p.FromID = g.From.ID
	}

	g.Exercise.PrimaryStemID = p.StemID
	g.Exercise.PrimaryAnswerID = p.AnswerID
	g.Exercise.PrimaryAnalysisID = p.AnalysisID
	g.Exercise.PrimaryFromID = p.FromID
	return p
}

// PrimaryStem returns the stem the exercise designates as primary.
func (g *Graph) PrimaryStem() (*Stem, bool) {
	if g.Exercise.PrimaryStemID == 0 {
		return nil, false
	}
	for i := range g.Stems {
		if g.Stems[i].ID == g.Exercise.PrimaryStemID {
			return &g.Stems[i], true
		}
	}
	return nil, false
}

// PrimaryFrom returns the exercise's primary From row.
func (g *Graph) PrimaryFrom() (*From, bool) {
	if g.From == nil || g.Exercise.PrimaryFromID == 0 || g.From.ID != g.Exercise.PrimaryFromID {
		return nil, false
	}
	return g.From, true
}

// CheckPrimaries verifies that every set primary pointer names a child row
// owned by this exercise.
func (g *Graph) CheckPrimaries() error {
	e := g.Exercise
	if e.PrimaryStemID != 0 {
		if _, ok := g.PrimaryStem(); !ok {
			return fmt.Errorf("exercise %d: primary stem %d not owned by exercise", e.ID, e.PrimaryStemID)
		}
	}
	if e.PrimaryAnswerID != 0 && indexAnswer(g.Answers, e.PrimaryAnswerID) < 0 {
		return fmt.Errorf("exercise %d: primary answer %d not owned by exercise", e.ID, e.PrimaryAnswerID)
	}
	if e.PrimaryAnalysisID != 0 && indexAnalysis(g.Analyses, e.PrimaryAnalysisID) < 0 {
		return fmt.Errorf("exercise %d: primary analysis %d not owned by exercise", e.ID, e.PrimaryAnalysisID)
	}
	if e.PrimaryFromID != 0 {
		if _, ok := g.PrimaryFrom(); !ok {
			return fmt.Errorf("exercise %d: primary exercise_from %d not owned by exercise", e.ID, e.PrimaryFromID)
		}
	}
	return nil
}

func indexAnswer(answers []Answer, id int64) int {
	for i := range answers {
		if answers[i].ID == id {
			return i
		}
	}
	return -1
}

func indexAnalysis(analyses []Analysis, id int64) int {
	for i := range analyses {
		if analyses[i].ID == id {
			return i
		}
	}
	return -1
}
