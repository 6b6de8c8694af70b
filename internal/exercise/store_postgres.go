package exercise

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

type taxonTable struct {
	table     string
	parentCol string
}

var taxonTables = map[Kind]taxonTable{
	KindCategory:     {table: "categories"},
	KindMajor:        {table: "majors", parentCol: "category_id"},
	KindChapter:      {table: "chapters", parentCol: "major_id"},
	KindExamGroup:    {table: "exam_groups", parentCol: "chapter_id"},
	KindSource:       {table: "sources"},
	KindExerciseType: {table: "exercise_types"},
	KindSchool:       {table: "schools"},
}

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed exercise store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "begin transaction", Err: err}
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "commit transaction", Err: err}
	}
	return nil
}

const exerciseColumns = `e.id, e.level, e.score, e.category_id, e.major_id, e.chapter_id, e.exam_group_id,
	e.source_id, e.type_id, e.primary_stem_id, e.primary_answer_id, e.primary_analysis_id,
	e.primary_from_id, e.created_at, e.updated_at,
	c.name, m.name, ch.name, g.name, s.name, t.name`

const exerciseJoins = `FROM exercises e
	LEFT JOIN categories c ON c.id = e.category_id
	LEFT JOIN majors m ON m.id = e.major_id
	LEFT JOIN chapters ch ON ch.id = e.chapter_id
	LEFT JOIN exam_groups g ON g.id = e.exam_group_id
	LEFT JOIN sources s ON s.id = e.source_id
	LEFT JOIN exercise_types t ON t.id = e.type_id`

// filterClause matches Filter fields bound as $1..$6; zero means any.
const filterClause = `($1::bigint = 0 OR e.category_id = $1)
	AND ($2::bigint = 0 OR e.major_id = $2)
	AND ($3::bigint = 0 OR e.chapter_id = $3)
	AND ($4::bigint = 0 OR e.exam_group_id = $4)
	AND ($5::bigint = 0 OR EXISTS (
	  SELECT 1 FROM exercise_from f JOIN exams x ON x.id = f.exam_id
	  WHERE f.exercise_id = e.id AND x.school_id = $5))
	AND ($6::bigint = 0 OR EXISTS (
	  SELECT 1 FROM exercise_from f WHERE f.exercise_id = e.id AND f.exam_id = $6))`

func filterArgs(f Filter) []any {
	return []any{f.CategoryID, f.MajorID, f.ChapterID, f.ExamGroupID, f.SchoolID, f.ExamID}
}

// pageTxOptions gives a page and its child queries one snapshot, so a
// concurrent import replacing children cannot tear a graph.
var pageTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func (s *PostgresStore) Page(ctx context.Context, f Filter, afterID int64, limit int) ([]Graph, error) {
	if limit <= 0 {
		limit = 500
	}

	tx, err := s.pool.BeginTx(ctx, pageTxOptions)
	if err != nil {
		return nil, fmt.Errorf("begin page transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	args := append(filterArgs(f), afterID, limit)
	rows, err := tx.Query(ctx,
		`SELECT `+exerciseColumns+` `+exerciseJoins+`
		 WHERE `+filterClause+` AND e.id > $7
		 ORDER BY e.id
		 LIMIT $8`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query exercises: %w", err)
	}
	defer rows.Close()

	var graphs []Graph
	for rows.Next() {
		g, err := scanGraph(rows)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exercises: %w", err)
	}
	rows.Close()

	if len(graphs) == 0 {
		return nil, nil
	}
	if err := loadChildren(ctx, tx, graphs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("end page transaction: %w", err)
	}
	return graphs, nil
}

func scanGraph(row pgx.Row) (Graph, error) {
	var g Graph
	var category, major, chapter, examGroup, source, typ *int64
	var pStem, pAnswer, pAnalysis, pFrom *int64
	var lCategory, lMajor, lChapter, lExamGroup, lSource, lType *string
	e := &g.Exercise
	if err := row.Scan(
		&e.ID, &e.Level, &e.Score,
		&category, &major, &chapter, &examGroup, &source, &typ,
		&pStem, &pAnswer, &pAnalysis, &pFrom,
		&e.CreatedAt, &e.UpdatedAt,
		&lCategory, &lMajor, &lChapter, &lExamGroup, &lSource, &lType,
	); err != nil {
		return Graph{}, fmt.Errorf("scan exercise: %w", err)
	}
	e.CategoryID, e.MajorID, e.ChapterID = deref(category), deref(major), deref(chapter)
	e.ExamGroupID, e.SourceID, e.TypeID = deref(examGroup), deref(source), deref(typ)
	e.PrimaryStemID, e.PrimaryAnswerID = deref(pStem), deref(pAnswer)
	e.PrimaryAnalysisID, e.PrimaryFromID = deref(pAnalysis), deref(pFrom)
	g.Labels = Labels{
		Category:  derefString(lCategory),
		Major:     derefString(lMajor),
		Chapter:   derefString(lChapter),
		ExamGroup: derefString(lExamGroup),
		Source:    derefString(lSource),
		Type:      derefString(lType),
	}
	g.Exists = true
	return g, nil
}

// loadChildren fetches every child table for the page with one query each.
func loadChildren(ctx context.Context, tx pgx.Tx, graphs []Graph) error {
	ids := make([]int64, len(graphs))
	index := make(map[int64]int, len(graphs))
	for i, g := range graphs {
		ids[i] = g.Exercise.ID
		index[g.Exercise.ID] = i
	}

	rows, err := tx.Query(ctx,
		`SELECT id, exercise_id, content FROM exercise_stems
		 WHERE exercise_id = ANY($1) ORDER BY exercise_id, id`, ids)
	if err != nil {
		return fmt.Errorf("query stems: %w", err)
	}
	stems, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Stem, error) {
		var st Stem
		err := row.Scan(&st.ID, &st.ExerciseID, &st.Content)
		return st, err
	})
	if err != nil {
		return fmt.Errorf("scan stems: %w", err)
	}
	for _, st := range stems {
		g := &graphs[index[st.ExerciseID]]
		g.Stems = append(g.Stems, st)
	}

	rows, err = tx.Query(ctx,
		`SELECT id, exercise_id, question_order, question_stem, question_answer, question_analysis
		 FROM questions WHERE exercise_id = ANY($1) ORDER BY exercise_id, question_order`, ids)
	if err != nil {
		return fmt.Errorf("query questions: %w", err)
	}
	questions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Question, error) {
		var q Question
		err := row.Scan(&q.ID, &q.ExerciseID, &q.Order, &q.Stem, &q.Answer, &q.Analysis)
		return q, err
	})
	if err != nil {
		return fmt.Errorf("scan questions: %w", err)
	}
	for _, q := range questions {
		g := &graphs[index[q.ExerciseID]]
		g.Questions = append(g.Questions, q)
	}

	rows, err = tx.Query(ctx,
		`SELECT id, exercise_id, content, mark, from_model, render_type
		 FROM exercise_answers WHERE exercise_id = ANY($1) ORDER BY exercise_id, id`, ids)
	if err != nil {
		return fmt.Errorf("query answers: %w", err)
	}
	answers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Answer, error) {
		var a Answer
		err := row.Scan(&a.ID, &a.ExerciseID, &a.Content, &a.Mark, &a.FromModel, &a.RenderType)
		return a, err
	})
	if err != nil {
		return fmt.Errorf("scan answers: %w", err)
	}
	for _, a := range answers {
		g := &graphs[index[a.ExerciseID]]
		g.Answers = append(g.Answers, a)
	}

	rows, err = tx.Query(ctx,
		`SELECT id, exercise_id, content, mark, render_type
		 FROM exercise_analyses WHERE exercise_id = ANY($1) ORDER BY exercise_id, id`, ids)
	if err != nil {
		return fmt.Errorf("query analyses: %w", err)
	}
	analyses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Analysis, error) {
		var a Analysis
		err := row.Scan(&a.ID, &a.ExerciseID, &a.Content, &a.Mark, &a.RenderType)
		return a, err
	})
	if err != nil {
		return fmt.Errorf("scan analyses: %w", err)
	}
	for _, a := range analyses {
		g := &graphs[index[a.ExerciseID]]
		g.Analyses = append(g.Analyses, a)
	}

	rows, err = tx.Query(ctx,
		`SELECT f.id, f.exercise_id, f.exam_id, f.is_official, f.exercise_number,
		        f.material_name, f.section, f.page_number,
		        x.category_id, x.school_id, x.exam_time, x.exam_code, x.exam_full_name, sc.name
		 FROM exercise_from f
		 LEFT JOIN exams x ON x.id = f.exam_id
		 LEFT JOIN schools sc ON sc.id = x.school_id
		 WHERE f.exercise_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("query exercise_from: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var from From
		var examID, examCategory, examSchool *int64
		var examTime, examCode, examName, schoolName *string
		if err := rows.Scan(
			&from.ID, &from.ExerciseID, &examID, &from.IsOfficial, &from.ExerciseNumber,
			&from.MaterialName, &from.Section, &from.PageNumber,
			&examCategory, &examSchool, &examTime, &examCode, &examName, &schoolName,
		); err != nil {
			return fmt.Errorf("scan exercise_from: %w", err)
		}
		from.ExamID = deref(examID)
		g := &graphs[index[from.ExerciseID]]
		g.From = &from
		if examID != nil {
			g.Exam = &Exam{
				ID:         *examID,
				CategoryID: deref(examCategory),
				SchoolID:   deref(examSchool),
				SchoolName: derefString(schoolName),
				Time:       derefString(examTime),
				Code:       derefString(examCode),
				FullName:   derefString(examName),
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate exercise_from: %w", err)
	}
	rows.Close()

	rows, err = tx.Query(ctx,
		`SELECT id, exercise_id, image_link, source_type, is_deprecated, ocr_result
		 FROM exercise_images WHERE exercise_id = ANY($1) ORDER BY exercise_id, id`, ids)
	if err != nil {
		return fmt.Errorf("query images: %w", err)
	}
	images, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Image, error) {
		var img Image
		var source string
		err := row.Scan(&img.ID, &img.ExerciseID, &img.Link, &source, &img.Deprecated, &img.OCRResult)
		img.Source = ImageSource(source)
		return img, err
	})
	if err != nil {
		return fmt.Errorf("scan images: %w", err)
	}
	for _, img := range images {
		g := &graphs[index[img.ExerciseID]]
		g.Images = append(g.Images, img)
	}

	return nil
}

func (s *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exercises e WHERE `+filterClause,
		filterArgs(f)...,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count exercises: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CheckFilter(ctx context.Context, f Filter) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	checks := []struct {
		kind  string
		table string
		id    int64
	}{
		{KindCategory.String(), "categories", f.CategoryID},
		{KindMajor.String(), "majors", f.MajorID},
		{KindChapter.String(), "chapters", f.ChapterID},
		{KindExamGroup.String(), "exam_groups", f.ExamGroupID},
		{KindSchool.String(), "schools", f.SchoolID},
		{KindExam.String(), "exams", f.ExamID},
	}
	for _, c := range checks {
		if c.id == 0 {
			continue
		}
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+c.table+` WHERE id = $1)`, c.id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check %s: %w", c.kind, err)
		}
		if !exists {
			return &NotFoundError{Kind: c.kind, Key: strconv.FormatInt(c.id, 10)}
		}
	}
	return nil
}

func (s *PostgresStore) DeleteExercise(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx, `DELETE FROM exercises WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete exercise: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return &NotFoundError{Kind: "exercise", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

func (s *PostgresStore) BulkUpdate(ctx context.Context, ids []int64, u BulkUpdate) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var chapterID, majorID, categoryID *int64
	if u.ExamGroupID != nil {
		var ch, mj, ct int64
		err := s.pool.QueryRow(ctx,
			`SELECT g.chapter_id, c.major_id, m.category_id
			 FROM exam_groups g
			 JOIN chapters c ON c.id = g.chapter_id
			 JOIN majors m ON m.id = c.major_id
			 WHERE g.id = $1`,
			*u.ExamGroupID,
		).Scan(&ch, &mj, &ct)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &NotFoundError{Kind: KindExamGroup.String(), Key: strconv.FormatInt(*u.ExamGroupID, 10)}
		}
		if err != nil {
			return 0, fmt.Errorf("lookup exam group: %w", err)
		}
		chapterID, majorID, categoryID = &ch, &mj, &ct
	}

	cmd, err := s.pool.Exec(ctx,
		`UPDATE exercises
		 SET exam_group_id = COALESCE($2, exam_group_id),
		     chapter_id = COALESCE($3, chapter_id),
		     major_id = COALESCE($4, major_id),
		     category_id = COALESCE($5, category_id),
		     level = COALESCE($6, level),
		     score = COALESCE($7, score),
		     updated_at = NOW()
		 WHERE id = ANY($1)`,
		ids, u.ExamGroupID, chapterID, majorID, categoryID, u.Level, u.Score,
	)
	if err != nil {
		return 0, fmt.Errorf("bulk update exercises: %w", err)
	}
	return int(cmd.RowsAffected()), nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetOrCreate(ctx context.Context, kind Kind, name string, parentID int64) (int64, bool, error) {
	tbl, ok := taxonTables[kind]
	if !ok {
		return 0, false, fmt.Errorf("get or create: unsupported kind %s", kind)
	}

	var insert, lookup string
	args := []any{name}
	if tbl.parentCol == "" {
		insert = `INSERT INTO ` + tbl.table + ` (name) VALUES ($1)
		          ON CONFLICT DO NOTHING RETURNING id`
		lookup = `SELECT id FROM ` + tbl.table + ` WHERE name = $1`
	} else {
		insert = `INSERT INTO ` + tbl.table + ` (name, ` + tbl.parentCol + `) VALUES ($1, $2)
		          ON CONFLICT DO NOTHING RETURNING id`
		lookup = `SELECT id FROM ` + tbl.table + ` WHERE name = $1 AND ` + tbl.parentCol + ` = $2`
		args = append(args, parentID)
	}

	return t.insertOrSelect(ctx, kind.String(), insert, lookup, args...)
}

func (t *pgTx) GetOrCreateExam(ctx context.Context, key ExamKey) (int64, bool, error) {
	args := []any{key.CategoryID, nullIfZero(key.SchoolID), key.Time, key.Code, key.FullName}
	return t.insertOrSelect(ctx, KindExam.String(),
		`INSERT INTO exams (category_id, school_id, exam_time, exam_code, exam_full_name)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING RETURNING id`,
		`SELECT id FROM exams
		 WHERE category_id = $1
		   AND school_id IS NOT DISTINCT FROM $2::bigint
		   AND exam_time = $3
		   AND exam_code = $4
		   AND exam_full_name = $5`,
		args...,
	)
}

// insertOrSelect inserts a natural-key row, or selects the existing one when
// the insert hit the unique constraint.
func (t *pgTx) insertOrSelect(ctx context.Context, kind, insert, lookup string, args ...any) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRow(ctx, insert, args...).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, &PersistenceError{Op: "create " + kind, Err: err}
	}

	if err := t.tx.QueryRow(ctx, lookup, args...).Scan(&id); err != nil {
		return 0, false, &PersistenceError{Op: "lookup " + kind, Err: err}
	}
	return id, false, nil
}

func (t *pgTx) ExerciseExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM exercises WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, &PersistenceError{Op: "check exercise", Err: err}
	}
	return exists, nil
}

func (t *pgTx) InsertExercises(ctx context.Context, exercises []*Exercise) error {
	if len(exercises) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	explicit := false
	for _, e := range exercises {
		args := []any{
			e.Level, e.Score,
			nullIfZero(e.CategoryID), nullIfZero(e.MajorID), nullIfZero(e.ChapterID),
			nullIfZero(e.ExamGroupID), nullIfZero(e.SourceID), nullIfZero(e.TypeID),
		}
		query := `INSERT INTO exercises (level, score, category_id, major_id, chapter_id, exam_group_id, source_id, type_id)
		          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		          RETURNING id, created_at, updated_at`
		if e.ID != 0 {
			explicit = true
			args = append(args, e.ID)
			query = `INSERT INTO exercises (level, score, category_id, major_id, chapter_id, exam_group_id, source_id, type_id, id)
			         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			         RETURNING id, created_at, updated_at`
		}
		batch.Queue(query, args...).QueryRow(func(row pgx.Row) error {
			return row.Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
		})
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return &PersistenceError{Op: "insert exercises", Err: err}
	}

	if explicit {
		if _, err := t.tx.Exec(ctx,
			`SELECT setval(pg_get_serial_sequence('exercises', 'id'),
			               GREATEST((SELECT MAX(id) FROM exercises), 1))`,
		); err != nil {
			return &PersistenceError{Op: "advance exercise sequence", Err: err}
		}
	}
	return nil
}

func (t *pgTx) UpdateExercises(ctx context.Context, exercises []*Exercise) error {
	if len(exercises) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range exercises {
		batch.Queue(
			`UPDATE exercises
			 SET level = $2, score = $3, category_id = $4, major_id = $5, chapter_id = $6,
			     exam_group_id = $7, source_id = $8, type_id = $9, updated_at = NOW()
			 WHERE id = $1
			 RETURNING created_at, updated_at`,
			e.ID, e.Level, e.Score,
			nullIfZero(e.CategoryID), nullIfZero(e.MajorID), nullIfZero(e.ChapterID),
			nullIfZero(e.ExamGroupID), nullIfZero(e.SourceID), nullIfZero(e.TypeID),
		).QueryRow(func(row pgx.Row) error {
			err := row.Scan(&e.CreatedAt, &e.UpdatedAt)
			if errors.Is(err, pgx.ErrNoRows) {
				return &NotFoundError{Kind: "exercise", Key: strconv.FormatInt(e.ID, 10)}
			}
			return err
		})
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nf
		}
		return &PersistenceError{Op: "update exercises", Err: err}
	}
	return nil
}

func (t *pgTx) DeleteChildren(ctx context.Context, exerciseIDs []int64) error {
	if len(exerciseIDs) == 0 {
		return nil
	}

	if _, err := t.tx.Exec(ctx,
		`UPDATE exercises
		 SET primary_stem_id = NULL, primary_answer_id = NULL,
		     primary_analysis_id = NULL, primary_from_id = NULL
		 WHERE id = ANY($1)`,
		exerciseIDs,
	); err != nil {
		return &PersistenceError{Op: "clear primaries", Err: err}
	}

	for _, table := range []string{
		"exercise_stems", "questions", "exercise_answers",
		"exercise_analyses", "exercise_from", "exercise_images",
	} {
		if _, err := t.tx.Exec(ctx, `DELETE FROM `+table+` WHERE exercise_id = ANY($1)`, exerciseIDs); err != nil {
			return &PersistenceError{Op: "delete " + table, Err: err}
		}
	}
	return nil
}

func (t *pgTx) InsertStems(ctx context.Context, stems []*Stem) error {
	batch := &pgx.Batch{}
	for _, st := range stems {
		batch.Queue(
			`INSERT INTO exercise_stems (exercise_id, content) VALUES ($1, $2) RETURNING id`,
			st.ExerciseID, st.Content,
		).QueryRow(func(row pgx.Row) error { return row.Scan(&st.ID) })
	}
	return t.sendBatch(ctx, "insert stems", batch)
}

// InsertQuestions bulk-loads questions with COPY; their ids are not read back.
func (t *pgTx) InsertQuestions(ctx context.Context, questions []*Question) error {
	if len(questions) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"questions"},
		[]string{"exercise_id", "question_order", "question_stem", "question_answer", "question_analysis"},
		pgx.CopyFromSlice(len(questions), func(i int) ([]any, error) {
			q := questions[i]
			return []any{q.ExerciseID, q.Order, q.Stem, q.Answer, q.Analysis}, nil
		}),
	)
	if err != nil {
		return &PersistenceError{Op: "copy questions", Err: err}
	}
	return nil
}

func (t *pgTx) InsertAnswers(ctx context.Context, answers []*Answer) error {
	batch := &pgx.Batch{}
	for _, a := range answers {
		batch.Queue(
			`INSERT INTO exercise_answers (exercise_id, content, mark, from_model, render_type)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			a.ExerciseID, a.Content, a.Mark, a.FromModel, a.RenderType,
		).QueryRow(func(row pgx.Row) error { return row.Scan(&a.ID) })
	}
	return t.sendBatch(ctx, "insert answers", batch)
}

func (t *pgTx) InsertAnalyses(ctx context.Context, analyses []*Analysis) error {
	batch := &pgx.Batch{}
	for _, a := range analyses {
		batch.Queue(
			`INSERT INTO exercise_analyses (exercise_id, content, mark, render_type)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			a.ExerciseID, a.Content, a.Mark, a.RenderType,
		).QueryRow(func(row pgx.Row) error { return row.Scan(&a.ID) })
	}
	return t.sendBatch(ctx, "insert analyses", batch)
}

func (t *pgTx) InsertFroms(ctx context.Context, froms []*From) error {
	batch := &pgx.Batch{}
	for _, f := range froms {
		batch.Queue(
			`INSERT INTO exercise_from (exercise_id, exam_id, is_official, exercise_number, material_name, section, page_number)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			f.ExerciseID, nullIfZero(f.ExamID), f.IsOfficial, f.ExerciseNumber,
			f.MaterialName, f.Section, f.PageNumber,
		).QueryRow(func(row pgx.Row) error { return row.Scan(&f.ID) })
	}
	return t.sendBatch(ctx, "insert exercise_from", batch)
}

// InsertImages bulk-loads images with COPY; their ids are not read back.
func (t *pgTx) InsertImages(ctx context.Context, images []*Image) error {
	if len(images) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"exercise_images"},
		[]string{"exercise_id", "image_link", "source_type", "is_deprecated", "ocr_result"},
		pgx.CopyFromSlice(len(images), func(i int) ([]any, error) {
			img := images[i]
			return []any{img.ExerciseID, img.Link, string(img.Source), img.Deprecated, img.OCRResult}, nil
		}),
	)
	if err != nil {
		return &PersistenceError{Op: "copy images", Err: err}
	}
	return nil
}

func (t *pgTx) SetPrimaries(ctx context.Context, primaries []Primaries) error {
	batch := &pgx.Batch{}
	for _, p := range primaries {
		batch.Queue(
			`UPDATE exercises
			 SET primary_stem_id = $2, primary_answer_id = $3,
			     primary_analysis_id = $4, primary_from_id = $5
			 WHERE id = $1`,
			p.ExerciseID, nullIfZero(p.StemID), nullIfZero(p.AnswerID),
			nullIfZero(p.AnalysisID), nullIfZero(p.FromID),
		)
	}
	return t.sendBatch(ctx, "set primaries", batch)
}

func (t *pgTx) sendBatch(ctx context.Context, op string, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
