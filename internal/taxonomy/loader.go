// Package taxonomy loads taxonomy catalogs from YAML and seeds them into the
// exercise store.
package taxonomy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/importer"
)

// Load reads every .yaml/.yml file under rootDir. Files that fail to parse or
// declare nothing are skipped with a warning.
func Load(rootDir string) ([]Catalog, error) {
	if _, err := os.Stat(rootDir); err != nil {
		return nil, fmt.Errorf("loading taxonomy: %w", err)
	}

	var catalogs []Catalog
	err := filepath.WalkDir(rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var c Catalog
		if err := yaml.Unmarshal(data, &c); err != nil {
			slog.Warn("skipping invalid taxonomy YAML", "path", path, "error", err)
			return nil
		}
		if c.Empty() {
			slog.Warn("skipping empty taxonomy YAML", "path", path)
			return nil
		}
		catalogs = append(catalogs, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading taxonomy: %w", err)
	}

	slog.Info("taxonomy loaded", "files", len(catalogs))
	return catalogs, nil
}

// Seed resolves every entry of catalogs in one transaction. Entries that
// already exist are reused, so seeding the same catalogs twice creates
// nothing the second time. It returns how many rows of each kind were
// created.
func Seed(ctx context.Context, store exercise.Store, catalogs []Catalog) (map[exercise.Kind]int, error) {
	var created map[exercise.Kind]int
	err := store.InTx(ctx, func(tx exercise.Tx) error {
		r := importer.NewResolver(tx)
		for _, c := range catalogs {
			if err := seedCatalog(ctx, r, c); err != nil {
				return err
			}
		}
		created = r.Created()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed taxonomy: %w", err)
	}

	slog.Info("taxonomy seeded", "created", created)
	return created, nil
}

func seedCatalog(ctx context.Context, r *importer.Resolver, c Catalog) error {
	flat := []struct {
		kind  exercise.Kind
		names []string
	}{
		{exercise.KindSource, c.Sources},
		{exercise.KindExerciseType, c.ExerciseTypes},
		{exercise.KindSchool, c.Schools},
	}
	for _, f := range flat {
		for _, name := range f.names {
			if _, err := r.Resolve(ctx, f.kind, name, 0); err != nil {
				return err
			}
		}
	}

	for _, cat := range c.Categories {
		catID, err := r.Resolve(ctx, exercise.KindCategory, cat.Name, 0)
		if err != nil {
			return err
		}
		for _, m := range cat.Majors {
			majorID, err := r.Resolve(ctx, exercise.KindMajor, m.Name, catID)
			if err != nil {
				return err
			}
			for _, ch := range m.Chapters {
				chapterID, err := r.Resolve(ctx, exercise.KindChapter, ch.Name, majorID)
				if err != nil {
					return err
				}
				for _, g := range ch.ExamGroups {
					if _, err := r.Resolve(ctx, exercise.KindExamGroup, g, chapterID); err != nil {
						return err
					}
				}
			}
		}
		for _, e := range cat.Exams {
			key := exercise.ExamKey{CategoryID: catID, Time: e.Time, Code: e.Code, FullName: e.FullName}
			if e.School != "" {
				if key.SchoolID, err = r.Resolve(ctx, exercise.KindSchool, e.School, 0); err != nil {
					return err
				}
			}
			if _, err := r.ResolveExam(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}
