// Package errors defines the typed error kinds the pipeline executor
// propagates, per the error handling design: DAG construction failures,
// submission failures, task failures, cache write failures, and store
// lookup misses. Callers use errors.As to recover the typed kind after
// it has been wrapped on its way up through a component boundary.
package errors

import (
	stderrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// DAGError is raised by the DAG builder: unknown dependency, duplicate
// task name, or invalid task name.
type DAGError struct {
	Message string
}

func (e *DAGError) Error() string { return e.Message }

// NewDAGError wraps a message as a DAGError.
func NewDAGError(format string, args ...interface{}) *DAGError {
	return &DAGError{Message: fmt.Sprintf(format, args...)}
}

// CycleError is raised by the DAG builder when the task graph has a
// cycle and Kahn's algorithm terminates with vertices still unscheduled.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph has a cycle, unresolved nodes: %v", e.Remaining)
}

// SubmitError wraps a transport/API failure surfaced by a Resource
// Handler or the Task Manager while submitting a task to Kubernetes.
type SubmitError struct {
	TaskName string
	Cause    error
}

func (e *SubmitError) Error() string {
	if e.TaskName != "" {
		return fmt.Sprintf("submit %q: %v", e.TaskName, e.Cause)
	}
	return e.Cause.Error()
}

func (e *SubmitError) Unwrap() error { return e.Cause }

// NewSubmitError wraps cause as a SubmitError for the named task.
func NewSubmitError(taskName string, cause error) *SubmitError {
	return &SubmitError{TaskName: taskName, Cause: pkgerrors.WithStack(cause)}
}

// TaskFailure is raised when a task's terminal status is not SUCCEEDED.
type TaskFailure struct {
	TaskName string
	Message  string
}

func (e *TaskFailure) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("task `%s` failed", e.TaskName)
}

// NewTaskFailure builds a TaskFailure, defaulting the message the way
// the executor does when the handler reports no message of its own.
func NewTaskFailure(taskName, message string) *TaskFailure {
	return &TaskFailure{TaskName: taskName, Message: message}
}

// CacheWriteFailure is advisory: the pipeline continues after logging it.
type CacheWriteFailure struct {
	Cause error
}

func (e *CacheWriteFailure) Error() string {
	return fmt.Sprintf("cache write failed: %v", e.Cause)
}

func (e *CacheWriteFailure) Unwrap() error { return e.Cause }

// NotFound is raised by store lookups on a missing label.
type NotFound struct {
	Label string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.Label)
}

// NewNotFound builds a NotFound for label.
func NewNotFound(label string) *NotFound {
	return &NotFound{Label: label}
}

// IsNotFound reports whether err is (or wraps) a *NotFound, so callers
// can tell a missing store label apart from every other lookup failure.
func IsNotFound(err error) bool {
	var notFound *NotFound
	return stderrors.As(err, &notFound)
}

// Wrap attaches a stack trace the way the rest of the module does for
// errors that cross a component boundary without a more specific kind.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, message)
}
