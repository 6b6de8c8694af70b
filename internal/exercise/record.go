package exercise

// Record is the flat JSON shape of one exercise. Import reads it and export
// writes it, so every exported record is valid import input.
type Record struct {
	ExerciseID   *int64           `json:"exercise_id"`
	Category     string           `json:"category"`
	Major        *string          `json:"major"`
	Chapter      *string          `json:"chapter"`
	ExamGroup    *string          `json:"examgroup"`
	Source       *string          `json:"source"`
	Type         string           `json:"type"`
	Level        *int             `json:"level"`
	Score        *float64         `json:"score"`
	Stem         *string          `json:"stem"`
	Questions    []QuestionRecord `json:"questions"`
	Answers      []AnswerRecord   `json:"answer"`
	Analyses     []AnalysisRecord `json:"analysis"`
	ExerciseFrom *FromRecord      `json:"exercise_from"`
	ImageLinks   []ImageRecord    `json:"image_links"`
}

// QuestionRecord is one entry of Record.Questions.
type QuestionRecord struct {
	Order    int     `json:"question_order"`
	Stem     string  `json:"question_stem"`
	Answer   string  `json:"question_answer"`
	Analysis *string `json:"question_analysis"`
}

// AnswerRecord is one answer variant.
type AnswerRecord struct {
	Content    string `json:"answer_content"`
	Mark       string `json:"mark"`
	FromModel  string `json:"from_model"`
	RenderType string `json:"render_type"`
}

// AnalysisRecord is one analysis variant.
type AnalysisRecord struct {
	Content    string `json:"analysis_content"`
	Mark       string `json:"mark"`
	RenderType string `json:"render_type"`
}

// FromRecord carries source-exam metadata. Exam fields may be given flat or
// in the nested Exam object; flat fields win when both are set.
type FromRecord struct {
	FromSchool     string      `json:"from_school"`
	ExamTime       string      `json:"exam_time"`
	ExamCode       string      `json:"exam_code"`
	ExamFullName   string      `json:"exam_full_name"`
	IsOfficial     int         `json:"is_official_exercise"`
	ExerciseNumber int         `json:"exercise_number"`
	MaterialName   string      `json:"material_name"`
	Section        string      `json:"section"`
	PageNumber     int         `json:"page_number"`
	Exam           *ExamRecord `json:"exam,omitempty"`
}

// ExamRecord is the nested form of the exam fields.
type ExamRecord struct {
	FromSchool   string `json:"from_school"`
	ExamTime     string `json:"exam_time"`
	ExamCode     string `json:"exam_code"`
	ExamFullName string `json:"exam_full_name"`
}

// ImageRecord is one attached image.
type ImageRecord struct {
	Link       string  `json:"image_link"`
	SourceType string  `json:"source_type"`
	Deprecated bool    `json:"is_deprecated"`
	OCRResult  *string `json:"ocr_result"`
}

// ExamFields returns the effective exam fields, preferring flat values.
func (f *FromRecord) ExamFields() ExamRecord {
	var out ExamRecord
	if f.Exam != nil {
		out = *f.Exam
	}
	if f.FromSchool != "" {
		out.FromSchool = f.FromSchool
	}
	if f.ExamTime != "" {
		out.ExamTime = f.ExamTime
	}
	if f.ExamCode != "" {
		out.ExamCode = f.ExamCode
	}
	if f.ExamFullName != "" {
		out.ExamFullName = f.ExamFullName
	}
	return out
}

// HasExam reports whether any exam field is set.
func (f *FromRecord) HasExam() bool {
	return f.ExamFields() != ExamRecord{}
}

// IsZero reports whether f carries no information at all, which is how the
// export placeholder for a missing exercise_from reads back in.
func (f *FromRecord) IsZero() bool {
	if f == nil {
		return true
	}
	return !f.HasExam() &&
		f.IsOfficial == 0 &&
		f.ExerciseNumber == 0 &&
		f.MaterialName == "" &&
		f.Section == "" &&
		f.PageNumber == 0
}

// ToRecord converts a stored graph into its flat record. Answer and analysis
// variants keep insertion order except that the primary variant is moved to
// the end, so importing the record selects the same primary. Missing
// primaries produce null or empty placeholders rather than absent keys.
func ToRecord(g *Graph) (Record, error) {
	if err := g.CheckPrimaries(); err != nil {
		return Record{}, err
	}

	id := g.Exercise.ID
	level := g.Exercise.Level
	score := g.Exercise.Score
	rec := Record{
		ExerciseID: &id,
		Category:   g.Labels.Category,
		Major:      optional(g.Labels.Major),
		Chapter:    optional(g.Labels.Chapter),
		ExamGroup:  optional(g.Labels.ExamGroup),
		Source:     optional(g.Labels.Source),
		Type:       g.Labels.Type,
		Level:      &level,
		Score:      &score,
		Questions:  make([]QuestionRecord, 0, len(g.Questions)),
		Answers:    make([]AnswerRecord, 0, len(g.Answers)),
		Analyses:   make([]AnalysisRecord, 0, len(g.Analyses)),
		ImageLinks: make([]ImageRecord, 0, len(g.Images)),
	}

	if stem, ok := g.PrimaryStem(); ok {
		content := stem.Content
		rec.Stem = &content
	}

	for _, q := range g.Questions {
		rec.Questions = append(rec.Questions, QuestionRecord{
			Order:    q.Order,
			Stem:     q.Stem,
			Answer:   q.Answer,
			Analysis: q.Analysis,
		})
	}

	primary := indexAnswer(g.Answers, g.Exercise.PrimaryAnswerID)
	for i, a := range g.Answers {
		if i != primary {
			rec.Answers = append(rec.Answers, answerRecord(a))
		}
	}
	if primary >= 0 {
		rec.Answers = append(rec.Answers, answerRecord(g.Answers[primary]))
	}

	primary = indexAnalysis(g.Analyses, g.Exercise.PrimaryAnalysisID)
	for i, a := range g.Analyses {
		if i != primary {
			rec.Analyses = append(rec.Analyses, analysisRecord(a))
		}
	}
	if primary >= 0 {
		rec.Analyses = append(rec.Analyses, analysisRecord(g.Analyses[primary]))
	}

	from := &FromRecord{}
	if f, ok := g.PrimaryFrom(); ok {
		from.IsOfficial = f.IsOfficial
		from.ExerciseNumber = f.ExerciseNumber
		from.MaterialName = f.MaterialName
		from.Section = f.Section
		from.PageNumber = f.PageNumber
		if g.Exam != nil && g.Exam.ID == f.ExamID {
			from.FromSchool = g.Exam.SchoolName
			from.ExamTime = g.Exam.Time
			from.ExamCode = g.Exam.Code
			from.ExamFullName = g.Exam.FullName
		}
	}
	rec.ExerciseFrom = from

	for _, img := range g.Images {
		rec.ImageLinks = append(rec.ImageLinks, ImageRecord{
			Link:       img.Link,
			SourceType: string(img.Source),
			Deprecated: img.Deprecated,
			OCRResult:  img.OCRResult,
		})
	}

	return rec, nil
}

func answerRecord(a Answer) AnswerRecord {
	return AnswerRecord{
		Content:    a.Content,
		Mark:       a.Mark,
		FromModel:  a.FromModel,
		RenderType: a.RenderType,
	}
}

func analysisRecord(a Analysis) AnalysisRecord {
	return AnalysisRecord{
		Content:    a.Content,
		Mark:       a.Mark,
		RenderType: a.RenderType,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
