// Package store implements the job store (C1): the record of every
// pipeline and task's lifecycle state, queryable by label and by
// parent/child relationship, backed by either a document database or a
// relational database.
package store

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/trainforge/trainforge/internal/api"
	apierrors "github.com/trainforge/trainforge/internal/errors"
)

// labelField is the record field every stored value must carry; it is
// the primary key the store indexes on.
const labelField = "label"

// parentField names the field a child task record carries pointing
// back at its owning pipeline.
const parentField = "parent"

// jobNameField, versionField, submitTimeField, and completionTimeField
// name the remaining record fields spec.md §4.1 calls out as typed
// columns in a relational backend, alongside label/parent/status.
const (
	jobNameField        = "job_name"
	versionField        = "version"
	submitTimeField     = "submit_time"
	completionTimeField = "completion_time"
)

// Store is the interface every job-store backend implements. Values
// are stored and returned as field maps rather than typed structs so a
// single backend can hold both pipeline and task records, mirroring
// the document shape spec.md §4.1 describes.
type Store interface {
	Get(ctx context.Context, label string) (map[string]any, error)
	Set(ctx context.Context, value map[string]any) error
	Exists(ctx context.Context, label string) (bool, error)
	Remove(ctx context.Context, label string) (bool, error)
	GetParent(ctx context.Context, label string) (map[string]any, error)
	GetPrevious(ctx context.Context, label string) ([]map[string]any, error)
	ParentsLike(ctx context.Context, pattern string) ([]string, error)
	ChildrenLike(ctx context.Context, pattern string) ([]string, error)
}

// IsAChild reports whether label names a task (child) record rather
// than a pipeline (parent) record, using the same substring convention
// the rest of the executor uses to tell the two apart.
func IsAChild(label string) bool {
	return api.IsChildLabel(label)
}

// checkSetPreconditions validates a value before it is persisted: it
// must be non-nil and carry a label field, since every other lookup in
// this package is keyed on that field.
func checkSetPreconditions(value map[string]any) error {
	if value == nil {
		return apierrors.NewDAGError("cannot set an empty store value")
	}
	if _, ok := value[labelField]; !ok {
		return apierrors.NewDAGError("store value must have a %q field", labelField)
	}
	return nil
}

// ToMap round-trips v (a *api.PipelineRecord or *api.TaskRecord) through
// JSON into the generic field map a Store persists.
func ToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromMap decodes a field map retrieved from a Store back into out (a
// pointer to *api.PipelineRecord or *api.TaskRecord).
func FromMap(m map[string]any, out any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// matchLike compiles pattern once and reports which of labels it
// matches anywhere in the label (an unanchored search; use ^ or $ in
// pattern to anchor it). Every backend's ParentsLike/ChildrenLike lists
// its labels and filters them through this.
func matchLike(pattern string, labels []string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, l := range labels {
		if re.MatchString(l) {
			matches = append(matches, l)
		}
	}
	return matches, nil
}

// splitParentsChildren partitions matches into parent (pipeline) and
// child (task) labels.
func splitParentsChildren(matches []string) (parents, children []string) {
	for _, m := range matches {
		if IsAChild(m) {
			children = append(children, m)
		} else {
			parents = append(parents, m)
		}
	}
	return parents, children
}
