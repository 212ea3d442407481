package server

import (
	"context"
	"fmt"
	"time"

	"github.com/trainforge/trainforge/internal/store"
)

// PipelineStatus is the STATUS command's summary of one pipeline
// record, mirroring status.py's Pipeline namedtuple.
type PipelineStatus struct {
	Label     string     `json:"label"`
	JobName   string     `json:"job_name,omitempty"`
	Version   string     `json:"version,omitempty"`
	Status    string     `json:"status"`
	Submitted *time.Time `json:"submitted,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
}

// TaskStatus is one task's row in the STATUS command's response,
// mirroring status.py's Row namedtuple; TaskState names which of the
// pipeline's executed/executing/waiting buckets the task came from
// ("terminated" replaces "executing" once the pipeline itself has
// terminated, the way get_status relabels in-flight tasks).
type TaskStatus struct {
	Task         string     `json:"task"`
	TaskState    string     `json:"status"`
	Command      []string   `json:"command,omitempty"`
	Name         string     `json:"name,omitempty"`
	Image        string     `json:"image,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	Submitted    *time.Time `json:"submitted,omitempty"`
	Completed    *time.Time `json:"completed,omitempty"`
}

// pipelineAndTasks loads pipelineLabel's status plus a row per task in
// its executed/executing/waiting buckets, the way status.py's
// get_status reads one pipeline record and fans out to its children.
// A record that carries a parent is a task, not a pipeline, and is
// rejected with an error.
func pipelineAndTasks(ctx context.Context, st store.Store, pipelineLabel string) (PipelineStatus, []TaskStatus, error) {
	rec, err := st.Get(ctx, pipelineLabel)
	if err != nil {
		return PipelineStatus{}, nil, err
	}
	if parent, _ := rec["parent"].(string); parent != "" {
		return PipelineStatus{}, nil, fmt.Errorf("%s is a task of pipeline %s", pipelineLabel, parent)
	}

	pipe := PipelineStatus{
		Label:     pipelineLabel,
		JobName:   stringField(rec, "job_name"),
		Version:   stringField(rec, "version"),
		Status:    stringField(rec, "status"),
		Submitted: timeField(rec, "submit_time"),
		Completed: timeField(rec, "completion_time"),
	}

	var rows []TaskStatus
	rows = append(rows, rowsFor(ctx, st, stringSlice(rec["executed"]), "executed")...)

	executingState := "executing"
	if pipe.Status == "TERMINATED" {
		executingState = "terminated"
	}
	rows = append(rows, rowsFor(ctx, st, stringSlice(rec["executing"]), executingState)...)
	rows = append(rows, rowsFor(ctx, st, stringSlice(rec["waiting"]), "waiting")...)

	return pipe, rows, nil
}

func rowsFor(ctx context.Context, st store.Store, labels []string, state string) []TaskStatus {
	rows := make([]TaskStatus, 0, len(labels))
	for _, label := range labels {
		rec, err := st.Get(ctx, label)
		if err != nil {
			continue
		}
		rows = append(rows, TaskStatus{
			Task:         label,
			TaskState:    state,
			Command:      stringSlice(rec["command"]),
			Name:         stringField(rec, "name"),
			Image:        stringField(rec, "image"),
			ResourceType: stringField(rec, "resource_type"),
			ResourceID:   stringField(rec, "resource_id"),
			Submitted:    timeField(rec, "submit_time"),
			Completed:    timeField(rec, "completion_time"),
		})
	}
	return rows
}

func stringField(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return s
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return append([]string(nil), ss...)
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func timeField(rec map[string]any, key string) *time.Time {
	s, ok := rec[key].(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
