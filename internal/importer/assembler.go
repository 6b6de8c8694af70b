package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
)

const (
	defaultLevel = 1
	minLevel     = 1
	maxLevel     = 5
)

// Validate checks the record-level rules the JSON schema cannot express.
// It runs before any natural key is resolved.
func Validate(rec *exercise.Record) error {
	if blank(rec.Category) {
		return exercise.Invalid("category", "is required")
	}
	if blank(rec.Type) {
		return exercise.Invalid("type", "is required")
	}
	if (rec.Stem == nil || blank(*rec.Stem)) && len(rec.Questions) == 0 {
		return exercise.Invalid("stem", "stem or at least one question is required")
	}
	if rec.ExerciseID != nil && *rec.ExerciseID <= 0 {
		return exercise.Invalid("exercise_id", "must be positive, got %d", *rec.ExerciseID)
	}
	if rec.Level != nil && (*rec.Level < minLevel || *rec.Level > maxLevel) {
		return exercise.Invalid("level", "must be between %d and %d, got %d", minLevel, maxLevel, *rec.Level)
	}
	if present(rec.Chapter) && !present(rec.Major) {
		return exercise.Invalid("major", "is required when chapter is set")
	}
	if present(rec.ExamGroup) && !present(rec.Chapter) {
		return exercise.Invalid("chapter", "is required when examgroup is set")
	}
	for i, img := range rec.ImageLinks {
		if blank(img.Link) {
			return exercise.Invalid(fmt.Sprintf("image_links.%d.image_link", i), "is required")
		}
		if !exercise.ImageSource(img.SourceType).Valid() {
			return exercise.Invalid(fmt.Sprintf("image_links.%d.source_type", i),
				"must be one of stem, question, answer, analysis, got %q", img.SourceType)
		}
	}
	return nil
}

// Assembler builds exercise graphs from validated records, resolving
// taxonomy references through its Resolver.
type Assembler struct {
	resolver *Resolver
}

// NewAssembler creates an assembler that resolves through r.
func NewAssembler(r *Resolver) *Assembler {
	return &Assembler{resolver: r}
}

// Assemble resolves the record's references and returns its unpersisted
// graph. Validate must have accepted rec.
func (a *Assembler) Assemble(ctx context.Context, rec *exercise.Record) (*exercise.Graph, error) {
	r := a.resolver
	g := &exercise.Graph{}
	e := &g.Exercise

	if rec.ExerciseID != nil {
		e.ID = *rec.ExerciseID
		exists, err := r.lookup.ExerciseExists(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if !exists {
			slog.Warn("exercise_id not found, creating new exercise", "exercise_id", e.ID)
		}
		g.Exists = exists
	}

	e.Level = defaultLevel
	if rec.Level != nil {
		e.Level = *rec.Level
	}
	if rec.Score != nil {
		e.Score = *rec.Score
	}

	if err := a.resolveTaxonomy(ctx, rec, g); err != nil {
		return nil, err
	}

	if rec.Stem != nil && !blank(*rec.Stem) {
		g.Stems = []exercise.Stem{{Content: *rec.Stem}}
	}

	seen := make(map[int]bool, len(rec.Questions))
	for _, q := range rec.Questions {
		if seen[q.Order] {
			slog.Warn("duplicate question_order dropped",
				"exercise_id", e.ID,
				"question_order", q.Order,
			)
			continue
		}
		seen[q.Order] = true
		g.Questions = append(g.Questions, exercise.Question{
			Order:    q.Order,
			Stem:     q.Stem,
			Answer:   q.Answer,
			Analysis: q.Analysis,
		})
	}

	for _, ans := range rec.Answers {
		g.Answers = append(g.Answers, exercise.Answer{
			Content:    ans.Content,
			Mark:       ans.Mark,
			FromModel:  ans.FromModel,
			RenderType: ans.RenderType,
		})
	}
	for _, an := range rec.Analyses {
		g.Analyses = append(g.Analyses, exercise.Analysis{
			Content:    an.Content,
			Mark:       an.Mark,
			RenderType: an.RenderType,
		})
	}

	if err := a.assembleFrom(ctx, rec.ExerciseFrom, g); err != nil {
		return nil, err
	}

	for _, img := range rec.ImageLinks {
		g.Images = append(g.Images, exercise.Image{
			Link:       img.Link,
			Source:     exercise.ImageSource(img.SourceType),
			Deprecated: img.Deprecated,
			OCRResult:  img.OCRResult,
		})
	}

	return g, nil
}

// resolveTaxonomy walks category -> major -> chapter -> exam group, then
// source and exercise type.
func (a *Assembler) resolveTaxonomy(ctx context.Context, rec *exercise.Record, g *exercise.Graph) error {
	r := a.resolver
	e := &g.Exercise
	var err error

	if e.CategoryID, err = r.Resolve(ctx, exercise.KindCategory, rec.Category, 0); err != nil {
		return err
	}
	g.Labels.Category = rec.Category

	if present(rec.Major) {
		if e.MajorID, err = r.Resolve(ctx, exercise.KindMajor, *rec.Major, e.CategoryID); err != nil {
			return err
		}
		g.Labels.Major = *rec.Major
	}
	if present(rec.Chapter) {
		if e.ChapterID, err = r.Resolve(ctx, exercise.KindChapter, *rec.Chapter, e.MajorID); err != nil {
			return err
		}
		g.Labels.Chapter = *rec.Chapter
	}
	if present(rec.ExamGroup) {
		if e.ExamGroupID, err = r.Resolve(ctx, exercise.KindExamGroup, *rec.ExamGroup, e.ChapterID); err != nil {
			return err
		}
		g.Labels.ExamGroup = *rec.ExamGroup
	}
	if present(rec.Source) {
		if e.SourceID, err = r.Resolve(ctx, exercise.KindSource, *rec.Source, 0); err != nil {
			return err
		}
		g.Labels.Source = *rec.Source
	}

	if e.TypeID, err = r.Resolve(ctx, exercise.KindExerciseType, rec.Type, 0); err != nil {
		return err
	}
	g.Labels.Type = rec.Type
	return nil
}

// assembleFrom builds the From row. An all-zero object, which is what export
// writes for an exercise without one, produces no row. The exam is resolved
// only when exam fields are present, scoped to the exercise's category.
func (a *Assembler) assembleFrom(ctx context.Context, fr *exercise.FromRecord, g *exercise.Graph) error {
	if fr.IsZero() {
		return nil
	}

	from := &exercise.From{
		IsOfficial:     fr.IsOfficial,
		ExerciseNumber: fr.ExerciseNumber,
		MaterialName:   fr.MaterialName,
		Section:        fr.Section,
		PageNumber:     fr.PageNumber,
	}
	g.From = from

	if !fr.HasExam() {
		return nil
	}
	fields := fr.ExamFields()

	var schoolID int64
	if fields.FromSchool != "" {
		id, err := a.resolver.Resolve(ctx, exercise.KindSchool, fields.FromSchool, 0)
		if err != nil {
			return err
		}
		schoolID = id
	}

	key := exercise.ExamKey{
		CategoryID: g.Exercise.CategoryID,
		SchoolID:   schoolID,
		Time:       fields.ExamTime,
		Code:       fields.ExamCode,
		FullName:   fields.ExamFullName,
	}
	examID, err := a.resolver.ResolveExam(ctx, key)
	if err != nil {
		return err
	}
	from.ExamID = examID
	g.Exam = &exercise.Exam{
		ID:         examID,
		CategoryID: key.CategoryID,
		SchoolID:   schoolID,
		SchoolName: fields.FromSchool,
		Time:       key.Time,
		Code:       key.Code,
		FullName:   key.FullName,
	}
	return nil
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func present(s *string) bool {
	return s != nil && *s != ""
}
