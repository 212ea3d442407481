package store

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver

	apierrors "github.com/trainforge/trainforge/internal/errors"
)

// RelationalStore is a Store backed by a Postgres table with a small
// set of typed, indexable columns (label, job_name, version, status,
// submit_time, completion_time, parent) plus a JSONB data column
// holding the whole record. ParentsLike/ChildrenLike read every label
// in the table and filter them in Go.
type RelationalStore struct {
	db    *sql.DB
	table string
}

// NewRelationalStore wraps an existing *sql.DB. Callers are expected
// to have already created a table of the shape:
//
//	CREATE TABLE <table> (
//	    label           TEXT PRIMARY KEY,
//	    job_name        TEXT,
//	    version         TEXT,
//	    status          TEXT,
//	    submit_time     TEXT,
//	    completion_time TEXT,
//	    parent          TEXT,
//	    data            JSONB NOT NULL
//	);
func NewRelationalStore(db *sql.DB, table string) *RelationalStore {
	return &RelationalStore{db: db, table: table}
}

func (s *RelationalStore) Get(ctx context.Context, label string) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM `+s.table+` WHERE label = $1`, label)
	var raw []byte
	if err := row.Scan(&raw); err == sql.ErrNoRows {
		return nil, apierrors.NewNotFound(label)
	} else if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *RelationalStore) Set(ctx context.Context, value map[string]any) error {
	if err := checkSetPreconditions(value); err != nil {
		return err
	}
	label := value[labelField].(string)
	jobName, _ := value[jobNameField].(string)
	version, _ := value[versionField].(string)
	status, _ := value["status"].(string)
	submitTime, _ := value[submitTimeField].(string)
	completionTime, _ := value[completionTimeField].(string)
	parent, _ := value[parentField].(string)
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+` (label, job_name, version, status, submit_time, completion_time, parent, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (label) DO UPDATE SET
			job_name = $2, version = $3, status = $4,
			submit_time = $5, completion_time = $6, parent = $7, data = $8
	`, label, nullIfEmpty(jobName), nullIfEmpty(version), nullIfEmpty(status),
		nullIfEmpty(submitTime), nullIfEmpty(completionTime), nullIfEmpty(parent), raw)
	return err
}

func (s *RelationalStore) Exists(ctx context.Context, label string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+s.table+` WHERE label = $1`, label)
	var discard int
	if err := row.Scan(&discard); err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RelationalStore) Remove(ctx context.Context, label string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE label = $1`, label)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *RelationalStore) GetParent(ctx context.Context, label string) (map[string]any, error) {
	child, err := s.Get(ctx, label)
	if err != nil {
		return nil, err
	}
	parent, ok := child[parentField].(string)
	if !ok {
		return nil, apierrors.NewNotFound(label)
	}
	return s.Get(ctx, parent)
}

func (s *RelationalStore) GetPrevious(ctx context.Context, label string) ([]map[string]any, error) {
	parent, err := s.GetParent(ctx, label)
	if err != nil {
		return nil, err
	}
	executed, _ := parent["executed"].([]any)
	out := make([]map[string]any, 0, len(executed))
	for _, e := range executed {
		name, ok := e.(string)
		if !ok {
			continue
		}
		entry, err := s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RelationalStore) ParentsLike(ctx context.Context, pattern string) ([]string, error) {
	labels, err := s.allLabels(ctx)
	if err != nil {
		return nil, err
	}
	matches, err := matchLike(pattern, labels)
	if err != nil {
		return nil, err
	}
	parents, _ := splitParentsChildren(matches)
	return parents, nil
}

func (s *RelationalStore) ChildrenLike(ctx context.Context, pattern string) ([]string, error) {
	labels, err := s.allLabels(ctx)
	if err != nil {
		return nil, err
	}
	matches, err := matchLike(pattern, labels)
	if err != nil {
		return nil, err
	}
	_, children := splitParentsChildren(matches)
	return children, nil
}

func (s *RelationalStore) allLabels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label FROM `+s.table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
