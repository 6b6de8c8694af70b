// Package exercise holds the exercise graph: taxonomy, exercises, their owned
// children, and the stores that persist them.
package exercise

import "time"

// Kind identifies a natural-key entity resolved during import.
type Kind int

const (
	KindCategory Kind = iota
	KindMajor
	KindChapter
	KindExamGroup
	KindSource
	KindExerciseType
	KindSchool
	KindExam
)

func (k Kind) String() string {
	switch k {
	case KindCategory:
		return "category"
	case KindMajor:
		return "major"
	case KindChapter:
		return "chapter"
	case KindExamGroup:
		return "examgroup"
	case KindSource:
		return "source"
	case KindExerciseType:
		return "type"
	case KindSchool:
		return "school"
	case KindExam:
		return "exam"
	default:
		return "unknown"
	}
}

// Parent returns the kind that scopes k, if any.
func (k Kind) Parent() (Kind, bool) {
	switch k {
	case KindMajor:
		return KindCategory, true
	case KindChapter:
		return KindMajor, true
	case KindExamGroup:
		return KindChapter, true
	default:
		return 0, false
	}
}

// ImageSource says which part of an exercise an image belongs to.
type ImageSource string

const (
	ImageStem     ImageSource = "stem"
	ImageQuestion ImageSource = "question"
	ImageAnswer   ImageSource = "answer"
	ImageAnalysis ImageSource = "analysis"
)

// Valid reports whether s is one of the known image sources.
func (s ImageSource) Valid() bool {
	switch s {
	case ImageStem, ImageQuestion, ImageAnswer, ImageAnalysis:
		return true
	}
	return false
}

// ExamKey is the natural key of an Exam. A zero SchoolID means no school.
type ExamKey struct {
	CategoryID int64
	SchoolID   int64
	Time       string
	Code       string
	FullName   string
}

// Exam is one exam sitting.
type Exam struct {
	ID         int64
	CategoryID int64
	SchoolID   int64
	SchoolName string
	Time       string
	Code       string
	FullName   string
}

// Key returns the natural key of e.
func (e Exam) Key() ExamKey {
	return ExamKey{
		CategoryID: e.CategoryID,
		SchoolID:   e.SchoolID,
		Time:       e.Time,
		Code:       e.Code,
		FullName:   e.FullName,
	}
}

// Exercise is one exercise row. Zero ids mean NULL references.
type Exercise struct {
	ID          int64
	Level       int
	Score       float64
	CategoryID  int64
	MajorID     int64
	ChapterID   int64
	ExamGroupID int64
	SourceID    int64
	TypeID      int64

	PrimaryStemID     int64
	PrimaryAnswerID   int64
	PrimaryAnalysisID int64
	PrimaryFromID     int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stem is the body text of an exercise.
type Stem struct {
	ID         int64
	ExerciseID int64
	Content    string
}

// Question is one ordered sub-question of an exercise.
type Question struct {
	ID         int64
	ExerciseID int64
	Order      int
	Stem       string
	Answer     string
	Analysis   *string
}

// Answer is one answer variant.
type Answer struct {
	ID         int64
	ExerciseID int64
	Content    string
	Mark       string
	FromModel  string
	RenderType string
}

// Analysis is one analysis variant.
type Analysis struct {
	ID         int64
	ExerciseID int64
	Content    string
	Mark       string
	RenderType string
}

// From links an exercise to the exam it came from.
type From struct {
	ID             int64
	ExerciseID     int64
	ExamID         int64
	IsOfficial     int
	ExerciseNumber int
	MaterialName   string
	Section        string
	PageNumber     int
}

// Image is an image attached to some part of an exercise.
type Image struct {
	ID         int64
	ExerciseID int64
	Link       string
	Source     ImageSource
	Deprecated bool
	OCRResult  *string
}

// Labels carries the natural-key names behind an exercise's taxonomy refs.
// Empty strings mean the ref is unset.
type Labels struct {
	Category  string
	Major     string
	Chapter   string
	ExamGroup string
	Source    string
	Type      string
}

// Primaries is the set of primary pointers for one exercise.
type Primaries struct {
	ExerciseID int64
	StemID     int64
	AnswerID   int64
	AnalysisID int64
	FromID     int64
}

// Filter selects exercises for export. Zero fields are ignored.
type Filter struct {
	CategoryID  int64
	MajorID     int64
	ChapterID   int64
	ExamGroupID int64
	SchoolID    int64
	ExamID      int64
}

// Empty reports whether no filter field is set.
func (f Filter) Empty() bool {
	return f == Filter{}
}

// BulkUpdate holds scalar fields applied to many exercises at once.
// Nil fields are left unchanged.
type BulkUpdate struct {
	ExamGroupID *int64
	Level       *int
	Score       *float64
}
