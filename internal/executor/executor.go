// Package executor implements the Executor (C7): the control loop that
// drives one pipeline run from its task list through DAG construction,
// reference resolution, cache lookups, submission, and completion
// tracking, persisting every lifecycle transition to the job store.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trainforge/trainforge/internal/api"
	"github.com/trainforge/trainforge/internal/dag"
	apierrors "github.com/trainforge/trainforge/internal/errors"
	"github.com/trainforge/trainforge/internal/hashcache"
	"github.com/trainforge/trainforge/internal/hashutil"
	"github.com/trainforge/trainforge/internal/reference"
	"github.com/trainforge/trainforge/internal/resource"
	"github.com/trainforge/trainforge/internal/store"
	"github.com/trainforge/trainforge/internal/taskmanager"
)

// progressBuffer bounds how many progress messages Run queues for a
// caller that isn't draining the channel as fast as the pipeline
// produces them. A slow or gone caller never stalls the pipeline: once
// the buffer is full, emit drops the message rather than blocking.
const progressBuffer = 64

// Request is the input to Run: the identifiers the caller has already
// minted for this pipeline, plus the task list parsed from the
// pipeline definition file.
type Request struct {
	PipelineID string
	JobName    string
	Revision   string
	Tasks      []api.TaskDefinition
}

// Executor runs pipelines to completion against a job store, a task
// manager, and a hash cache. One Executor instance is reused across
// many sequential or concurrent pipeline runs; it holds no per-run state.
type Executor struct {
	store  store.Store
	sched  *taskmanager.TaskManager
	cache  hashcache.Cache
	logger *zap.Logger
}

// New builds an Executor. cache defaults to an in-memory hashcache.Cache
// when nil, the way a single-process run with no external cache
// configured falls back to one. logger defaults to a no-op logger.
func New(st store.Store, sched *taskmanager.TaskManager, cache hashcache.Cache, logger *zap.Logger) *Executor {
	if cache == nil {
		cache = hashcache.NewMemoryCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{store: st, sched: sched, cache: cache, logger: logger}
}

// Run executes req to completion, streaming a progress message for
// each submission, each completion, and each terminal transition on
// the returned channel. The returned error channel carries exactly one
// value: nil on a normal completion, a *errors.TaskFailure when a task
// ended unsuccessfully (returned after the rest of its layer drained;
// the pipeline record's status/error_message also name the outcome),
// or the DAG, submission or store error that aborted the run outright.
// A client that stops
// reading progress never cancels the run; only cancelling ctx does.
func (e *Executor) Run(ctx context.Context, req Request) (<-chan string, <-chan error) {
	progress := make(chan string, progressBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(progress)
		defer close(errs)
		errs <- e.run(ctx, req, progress)
	}()

	return progress, errs
}

func emit(progress chan<- string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	select {
	case progress <- msg:
	default:
	}
}

// layerTask bundles one task's mutable working state for the duration
// of a single Run call: its (possibly reference-resolved) definition,
// its store label, its persisted record, and the input fingerprint
// computed for it if it declares outputs.
type layerTask struct {
	def    api.TaskDefinition
	label  string
	record *api.TaskRecord
	inHash string
}

func (e *Executor) run(ctx context.Context, req Request, progress chan<- string) error {
	dagTasks := make([]dag.Task, len(req.Tasks))
	for i, t := range req.Tasks {
		dagTasks[i] = dag.Task{Name: t.Name, Depends: t.Depends, Values: taskValues(t)}
	}

	layers, err := dag.BuildAndOrder(dagTasks, nil)
	if err != nil {
		return e.abortBeforeBuild(ctx, req, progress, err)
	}

	now := time.Now().UTC()
	pipeline := &api.PipelineRecord{
		PipelineID: req.PipelineID,
		JobName:    req.JobName,
		Revision:   req.Revision,
		Status:     api.PipelineBuilding,
		Executed:   []string{},
		Executing:  []string{},
		Waiting:    []string{},
		SubmitTime: &now,
	}
	if err := e.persistPipeline(ctx, pipeline); err != nil {
		return err
	}

	layerTasks, err := e.buildTaskRecords(ctx, req, layers)
	if err != nil {
		return err
	}

	pipeline.Status = api.PipelineRunning
	pipeline.Waiting = flattenLabels(layerTasks)
	pipeline.Jobs = pipeline.Waiting
	if err := e.persistPipeline(ctx, pipeline); err != nil {
		return err
	}

	resolver := reference.NewResolver(func(pipelineID, taskName string) (map[string]any, error) {
		return e.store.Get(ctx, api.ChildLabel(pipelineID, taskName))
	})

	var pipelineErr error
	remaining := layerTasks

layerLoop:
	for len(remaining) > 0 {
		group := remaining[0]
		remaining = remaining[1:]

		pipeline.Executed = append(pipeline.Executed, pipeline.Executing...)
		pipeline.Executing = labelsOf(group)
		pipeline.Waiting = flattenLabels(remaining)
		if err := e.persistPipeline(ctx, pipeline); err != nil {
			return err
		}

		running, err := e.submitLayer(ctx, req, pipeline, progress, resolver, group)
		if err != nil {
			return err
		}

		for c := range e.awaitAsCompleted(ctx, running) {
			if err := e.recordCompletion(ctx, pipeline, progress, c, &pipelineErr); err != nil {
				return err
			}
		}

		if pipeline.Status == api.PipelineTerminated || pipeline.Status == api.PipelineDone {
			if pipeline.Status == api.PipelineTerminated {
				emit(progress, "Pipeline: %s Terminated", req.PipelineID)
			}
			break layerLoop
		}
	}

	completionTime := time.Now().UTC()
	pipeline.CompletionTime = &completionTime
	if len(pipeline.Executing) > 0 && pipeline.Status != api.PipelineTerminated {
		pipeline.Executed = append(pipeline.Executed, pipeline.Executing...)
		pipeline.Executing = nil
	}
	if pipeline.Status != api.PipelineTerminated {
		pipeline.Status = api.PipelineDone
	}
	if err := e.persistPipeline(ctx, pipeline); err != nil {
		return err
	}
	return pipelineErr
}

// abortBeforeBuild persists a terminated pipeline record for a failure
// that happened before any task record existed (DAG construction).
func (e *Executor) abortBeforeBuild(ctx context.Context, req Request, progress chan<- string, cause error) error {
	now := time.Now().UTC()
	msg := cause.Error()
	pipeline := &api.PipelineRecord{
		PipelineID:   req.PipelineID,
		JobName:      req.JobName,
		Revision:     req.Revision,
		Status:       api.PipelineTerminated,
		Executed:     []string{},
		Executing:    []string{},
		Waiting:      []string{},
		SubmitTime:   &now,
		ErrorMessage: &msg,
	}
	_ = e.persistPipeline(ctx, pipeline)
	emit(progress, "Pipeline %s terminated", req.PipelineID)
	return cause
}

// buildTaskRecords seeds and persists every task's initial store entry,
// grouped back into the same layered shape the topological sort produced.
func (e *Executor) buildTaskRecords(ctx context.Context, req Request, layers [][]int) ([][]*layerTask, error) {
	out := make([][]*layerTask, len(layers))
	for li, layer := range layers {
		group := make([]*layerTask, len(layer))
		for i, idx := range layer {
			def := req.Tasks[idx]
			label := api.ChildLabel(req.PipelineID, def.Name)
			record := api.ToRecord(req.PipelineID, label, def)
			if err := e.persistTask(ctx, record); err != nil {
				return nil, err
			}
			group[i] = &layerTask{def: def, label: label, record: record}
		}
		out[li] = group
	}
	return out, nil
}

// submitLayer resolves references, checks the cache, and submits every
// task in group in turn, returning the tasks actually dispatched (cache
// hits are excluded). A SubmitError terminates the pipeline immediately
// and is returned as the run's final error, matching the way a DAG
// error aborts before any task runs.
func (e *Executor) submitLayer(
	ctx context.Context, req Request, pipeline *api.PipelineRecord, progress chan<- string,
	resolver *reference.Resolver, group []*layerTask,
) ([]*layerTask, error) {
	var running []*layerTask
	for _, lt := range group {
		if err := e.resolveReferences(ctx, req.PipelineID, resolver, lt); err != nil {
			return nil, err
		}

		if lt.def.Outputs != nil {
			cached, err := e.tryCacheHit(ctx, lt)
			if err != nil {
				return nil, e.terminateOnSubmitError(ctx, req, pipeline, progress, err)
			}
			if cached {
				e.logger.Info("task is cached and will not be run", zap.String("task", lt.def.Name))
				lt.record.ResourceID = api.CachedResourceID
				if err := e.persistTask(ctx, lt.record); err != nil {
					return nil, err
				}
				pipeline.Executing = removeLabel(pipeline.Executing, lt.label)
				pipeline.Executed = append(pipeline.Executed, lt.label)
				if err := e.persistPipeline(ctx, pipeline); err != nil {
					return nil, err
				}
				continue
			}
		}

		emit(progress, "Submitting %s", lt.def.Name)
		resourceID, err := e.sched.Submit(ctx, string(lt.record.ResourceType), submitRequest(lt.def, lt.label))
		if err != nil {
			return nil, e.terminateOnSubmitError(ctx, req, pipeline, progress, err)
		}

		submitTime := time.Now().UTC()
		lt.record.ResourceID = resourceID
		lt.record.SubmitTime = &submitTime
		if err := e.persistTask(ctx, lt.record); err != nil {
			return nil, err
		}
		running = append(running, lt)
	}
	return running, nil
}

// terminateOnSubmitError persists the pipeline as TERMINATED with
// cause's message, emits the termination progress line, and returns
// cause so the caller's Run invocation surfaces it as the final error.
func (e *Executor) terminateOnSubmitError(ctx context.Context, req Request, pipeline *api.PipelineRecord, progress chan<- string, cause error) error {
	pipeline.Status = api.PipelineTerminated
	msg := cause.Error()
	pipeline.ErrorMessage = &msg
	_ = e.persistPipeline(ctx, pipeline)
	emit(progress, "Pipeline %s terminated", req.PipelineID)
	return cause
}

// resolveReferences rewrites every `^`-reference in lt's args and
// inputs against the store, then writes the resolved values back into
// both the in-memory definition (used for submission and hashing) and
// the persisted record.
func (e *Executor) resolveReferences(ctx context.Context, pipelineID string, resolver *reference.Resolver, lt *layerTask) error {
	resolvedArgs := make([]string, len(lt.def.Args))
	for i, a := range lt.def.Args {
		resolved, err := resolver.Rewrite(pipelineID, a)
		if err != nil {
			return err
		}
		resolvedArgs[i] = stringify(resolved)
	}
	lt.def.Args = resolvedArgs

	if lt.def.Inputs != nil {
		var resolvedInputs []string
		for _, in := range lt.def.Inputs {
			resolved, err := resolver.Rewrite(pipelineID, in)
			if err != nil {
				return err
			}
			resolvedInputs = append(resolvedInputs, flattenToStrings(resolved)...)
		}
		lt.def.Inputs = resolvedInputs
	}

	lt.record.Args = lt.def.Args
	lt.record.Inputs = lt.def.Inputs
	return e.persistTask(ctx, lt.record)
}

// tryCacheHit computes lt's input fingerprint (arguments, container
// image digest via a hash probe, and declared input files) and reports
// whether the cached output fingerprint under that key still matches
// the output set lt would currently produce.
func (e *Executor) tryCacheHit(ctx context.Context, lt *layerTask) (bool, error) {
	containerHashes, err := e.sched.HashTask(ctx, submitRequest(lt.def, lt.label))
	if err != nil {
		return false, err
	}
	lt.inHash = hashutil.HashInputs(lt.def.Command, lt.def.Args, strings.Join(containerHashes, ""), lt.record.Inputs, e.logger)

	outHash, err := hashutil.HashOutputs(lt.def.Outputs, e.logger)
	if err != nil {
		return false, err
	}

	prev, ok, err := e.cache.Get(ctx, lt.inHash)
	if err != nil {
		e.logger.Warn("cache lookup failed, treating as a miss", zap.Error(apierrors.Wrap(err, "hash cache get")))
		return false, nil
	}
	if !ok {
		return false, nil
	}
	prevHash, ok := prev.(string)
	return ok && prevHash == outHash, nil
}

// completion is one task's terminal wait_for result, fanned in from
// the per-task goroutines awaitAsCompleted starts.
type completion struct {
	lt     *layerTask
	status resource.Status
	err    error
}

// awaitAsCompleted polls every running task's status concurrently and
// delivers each one's terminal result on the returned channel in
// finish order, not submit order — the Go analogue of asyncio.as_completed.
func (e *Executor) awaitAsCompleted(ctx context.Context, running []*layerTask) <-chan completion {
	out := make(chan completion, len(running))
	var wg sync.WaitGroup
	wg.Add(len(running))
	for _, lt := range running {
		go func(lt *layerTask) {
			defer wg.Done()
			status, err := e.sched.WaitFor(ctx, string(lt.record.ResourceType), lt.record.ResourceID)
			out <- completion{lt: lt, status: status, err: err}
		}(lt)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// recordCompletion processes one task's terminal result: it always
// persists the completion time and emits a "done" progress line first,
// then on failure terminates the pipeline (leaving the task recorded
// as still executing, matching the reference implementation), or on
// success retires the task to executed and writes its output hash to
// the cache. *pipelineErr is set to the task's failure for Run's final
// return value, without aborting the drain of the rest of the layer.
func (e *Executor) recordCompletion(ctx context.Context, pipeline *api.PipelineRecord, progress chan<- string, c completion, pipelineErr *error) error {
	lt := c.lt
	emit(progress, "Done running %s", lt.def.Name)

	completionTime := time.Now().UTC()
	lt.record.CompletionTime = &completionTime
	if err := e.persistTask(ctx, lt.record); err != nil {
		return err
	}

	if c.err != nil {
		return c.err
	}

	if c.status.Type != resource.StatusSucceeded {
		msg := c.status.Message
		if msg == "" {
			msg = fmt.Sprintf("task `%s` failed", lt.def.Name)
		}
		pipeline.Status = api.PipelineTerminated
		pipeline.ErrorMessage = &msg
		*pipelineErr = apierrors.NewTaskFailure(lt.def.Name, msg)
		return e.persistPipeline(ctx, pipeline)
	}

	fresh, err := e.store.Get(ctx, lt.label)
	if err != nil {
		return err
	}
	if earlyExit, _ := fresh["request_early_exit"].(bool); earlyExit {
		emit(progress, "%s requested an early exit. Pipeline will complete now.", lt.def.Name)
		pipeline.Status = api.PipelineDone
	}

	pipeline.Executing = removeLabel(pipeline.Executing, lt.label)
	pipeline.Executed = append(pipeline.Executed, lt.label)
	if err := e.persistPipeline(ctx, pipeline); err != nil {
		return err
	}

	if lt.def.Outputs != nil {
		outHash, err := hashutil.HashOutputs(lt.def.Outputs, e.logger)
		if err != nil {
			e.logger.Warn("cache write failed", zap.Error(apierrors.Wrap(err, "hash outputs")))
		} else if err := e.cache.Set(ctx, lt.inHash, outHash); err != nil {
			e.logger.Warn("cache write failed", zap.Error(&apierrors.CacheWriteFailure{Cause: err}))
		}
	}
	return nil
}

func (e *Executor) persistPipeline(ctx context.Context, p *api.PipelineRecord) error {
	m, err := store.ToMap(p)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, m)
}

func (e *Executor) persistTask(ctx context.Context, t *api.TaskRecord) error {
	m, err := store.ToMap(t)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, m)
}

func submitRequest(def api.TaskDefinition, name string) resource.SubmitRequest {
	return resource.SubmitRequest{
		Name:            name,
		Image:           def.Image,
		Command:         def.Command,
		Args:            def.Args,
		NumGPUs:         def.NumGPUs,
		NumWorkers:      def.NumWorkers,
		NodeSelector:    def.NodeSelector,
		Mounts:          def.Mounts,
		Secrets:         def.Secrets,
		ConfigMaps:      def.ConfigMaps,
		CPU:             def.CPU,
		SecurityContext: def.SecurityContext,
		PullPolicy:      def.PullPolicy,
	}
}

func taskValues(def api.TaskDefinition) []string {
	values := make([]string, 0, len(def.Args)+len(def.Inputs))
	values = append(values, def.Args...)
	values = append(values, def.Inputs...)
	return values
}

func labelsOf(group []*layerTask) []string {
	out := make([]string, len(group))
	for i, lt := range group {
		out[i] = lt.label
	}
	return out
}

func flattenLabels(layers [][]*layerTask) []string {
	var out []string
	for _, layer := range layers {
		out = append(out, labelsOf(layer)...)
	}
	return out
}

func removeLabel(labels []string, label string) []string {
	out := labels[:0]
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}

// stringify renders a resolved reference value as a string for storage
// in a task's args: a reference that resolved to a string is used
// as-is; anything else (a list, a number, a map) is JSON-encoded so no
// information is silently dropped.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// flattenToStrings expands a resolved input reference into the file
// paths it names: a single path string stays as one element; a
// reference to a list of paths (e.g. a prior task's multi-file output)
// expands into one element per entry.
func flattenToStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, elem := range t {
			out = append(out, flattenToStrings(elem)...)
		}
		return out
	default:
		return []string{stringify(t)}
	}
}
