// Package importer turns flat exercise records into persisted exercise
// graphs: natural-key resolution, graph assembly, batch persistence, and the
// chunked import pipeline that drives them.
package importer

import (
	"context"
	"fmt"
	"maps"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
)

type resolveKey struct {
	kind   exercise.Kind
	parent int64
	name   string
}

// Resolver maps natural keys to ids, creating missing rows through the
// transaction's Lookup. Its cache lives for one transaction only: ids from a
// rolled back transaction must not be reused.
type Resolver struct {
	lookup  exercise.Lookup
	ids     map[resolveKey]int64
	exams   map[exercise.ExamKey]int64
	created map[exercise.Kind]int
}

// NewResolver creates a resolver with an empty cache.
func NewResolver(lookup exercise.Lookup) *Resolver {
	return &Resolver{
		lookup:  lookup,
		ids:     make(map[resolveKey]int64),
		exams:   make(map[exercise.ExamKey]int64),
		created: make(map[exercise.Kind]int),
	}
}

// Resolve returns the id of the kind row named name under parentID, creating
// it if needed. Kinds scoped by a parent require a non-zero parentID.
// Matching is exact: "Math" and "math " are different keys.
func (r *Resolver) Resolve(ctx context.Context, kind exercise.Kind, name string, parentID int64) (int64, error) {
	if name == "" {
		return 0, exercise.Invalid(kind.String(), "is required")
	}
	parent, scoped := kind.Parent()
	if scoped && parentID == 0 {
		return 0, exercise.Invalid(parent.String(), "is required by %s %q", kind, name)
	}
	if !scoped {
		parentID = 0
	}

	key := resolveKey{kind: kind, parent: parentID, name: name}
	if id, ok := r.ids[key]; ok {
		return id, nil
	}

	id, created, err := r.lookup.GetOrCreate(ctx, kind, name, parentID)
	if err != nil {
		return 0, fmt.Errorf("resolve %s %q: %w", kind, name, err)
	}
	if created {
		r.created[kind]++
	}
	r.ids[key] = id
	return id, nil
}

// ResolveExam returns the id of the exam with the given natural key,
// creating it if needed.
func (r *Resolver) ResolveExam(ctx context.Context, key exercise.ExamKey) (int64, error) {
	if key.CategoryID == 0 {
		return 0, exercise.Invalid(exercise.KindCategory.String(), "is required by exam")
	}
	if id, ok := r.exams[key]; ok {
		return id, nil
	}

	id, created, err := r.lookup.GetOrCreateExam(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("resolve exam %q: %w", key.FullName, err)
	}
	if created {
		r.created[exercise.KindExam]++
	}
	r.exams[key] = id
	return id, nil
}

// Created returns how many rows of each kind this resolver created.
func (r *Resolver) Created() map[exercise.Kind]int {
	return maps.Clone(r.created)
}
