package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/trainforge/trainforge/internal/api"
	"github.com/trainforge/trainforge/internal/executor"
	"github.com/trainforge/trainforge/internal/pipelinefile"
	"github.com/trainforge/trainforge/internal/protocol/wire"
)

// handleStart loads the pipeline directory named by req and runs it to
// completion, streaming progress. It mirrors serve.py's 'START' branch:
// the pipeline id is sent back as soon as it's minted (before the run
// has done any work), every progress message becomes its own OK frame,
// and the stream always ends with an END frame carrying the pipeline id
// — regardless of whether the run itself ultimately failed, since a
// failed run's error is persisted to the job store rather than raised
// here (the error handling design's "converted to persisted status").
func (s *Server) handleStart(ctx context.Context, enc *wire.Encoder, raw json.RawMessage) error {
	var workPath string
	if err := decodeRequest(raw, &workPath); err != nil {
		return err
	}

	workDir := filepath.Join(s.deps.RootDir, filepath.Clean(workPath))
	pipeline, err := pipelinefile.Load(pipelinefile.Options{
		WorkDir: workDir,
		RootDir: s.deps.RootDir,
		DataDir: s.deps.DataDir,
	})
	if err != nil {
		return err
	}

	if err := enc.OK(pipeline.Context.PipelineID, nil); err != nil {
		return err
	}

	progress, errs := s.deps.Exec.Run(ctx, executor.Request{
		PipelineID: pipeline.Context.PipelineID,
		JobName:    filepath.Base(workDir),
		Tasks:      pipeline.Tasks,
	})

	for msg := range progress {
		if err := enc.OK(msg, nil); err != nil {
			return err
		}
	}
	<-errs // Run always sends exactly one value before closing.

	return enc.End(pipeline.Context.PipelineID, nil)
}

// handleStatus resolves req (a label pattern) against every matching
// pipeline and returns each one's status plus its tasks', mirroring
// status.py's get_status fanned out over store.parents_like.
func (s *Server) handleStatus(ctx context.Context, enc *wire.Encoder, raw json.RawMessage) error {
	var pattern string
	if err := decodeRequest(raw, &pattern); err != nil {
		return err
	}

	labels, err := s.deps.Store.ParentsLike(ctx, pattern)
	if err != nil {
		return err
	}

	type entry struct {
		PipelineStatus PipelineStatus `json:"pipeline_status"`
		TaskStatuses   []TaskStatus   `json:"task_statuses"`
	}
	results := make([]entry, 0, len(labels))
	for _, label := range labels {
		pipe, rows, err := pipelineAndTasks(ctx, s.deps.Store, label)
		if err != nil {
			continue
		}
		results = append(results, entry{PipelineStatus: pipe, TaskStatuses: rows})
	}

	return enc.OK(results, nil)
}

// yesNo renders a bool the way spec §6 documents the CLEANUP response:
// literal "Yes"/"No" strings.
func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func (s *Server) handleCleanup(ctx context.Context, enc *wire.Encoder, raw json.RawMessage) error {
	var req struct {
		Work     string `json:"work"`
		PurgeDB  bool   `json:"purge_db"`
		PurgeFS  bool   `json:"purge_fs"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return err
	}

	results, err := s.deps.Cleaner.Cleanup(ctx, req.Work, req.PurgeDB, req.PurgeFS)
	if err != nil {
		return err
	}

	type entry struct {
		TaskID         string `json:"task_id"`
		CleanedFromK8s string `json:"cleaned_from_k8s"`
		PurgedFromDB   string `json:"purged_from_db"`
		RemovedFromFS  string `json:"removed_from_fs"`
	}
	out := make([]entry, len(results))
	for i, r := range results {
		out[i] = entry{
			TaskID:         r.Label,
			CleanedFromK8s: yesNo(r.CleanedFromK8s),
			PurgedFromDB:   yesNo(r.PurgedFromDB),
			RemovedFromFS:  yesNo(r.RemovedFromFS),
		}
	}
	return enc.OK(out, nil)
}

func (s *Server) handleEvents(ctx context.Context, enc *wire.Encoder, raw json.RawMessage) error {
	var req struct {
		Resource string `json:"resource"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return err
	}

	resourceType, resourceID, err := resolveResource(ctx, s.deps.Store, req.Resource)
	if err != nil {
		return err
	}
	events, err := s.deps.Sched.GetEvents(ctx, resourceType, resourceID)
	if err != nil {
		return err
	}
	return enc.OK(events, nil)
}

func (s *Server) handleData(ctx context.Context, enc *wire.Encoder, raw json.RawMessage) error {
	var req struct {
		Resource string `json:"resource"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return err
	}

	rec, err := s.deps.Store.Get(ctx, req.Resource)
	if err != nil {
		return err
	}
	return enc.OK(rec, nil)
}

func (s *Server) handleLogs(ctx context.Context, enc *wire.Encoder, raw json.RawMessage) error {
	var req struct {
		Resource  string `json:"resource"`
		Follow    bool   `json:"follow"`
		Lines     *int64 `json:"lines"`
		Container string `json:"container"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return err
	}

	resourceType, resourceID, err := resolveResource(ctx, s.deps.Store, req.Resource)
	if err != nil {
		return err
	}

	if req.Follow {
		lines, errs := s.deps.Sched.FollowLogs(ctx, resourceType, resourceID, req.Container)
		for line := range lines {
			if err := enc.OK(line, nil); err != nil {
				return err
			}
		}
		if err := <-errs; err != nil {
			return err
		}
	} else {
		text, err := s.deps.Sched.GetLogs(ctx, resourceType, resourceID, req.Container, req.Lines)
		if err != nil {
			return err
		}
		if err := enc.OK(text, nil); err != nil {
			return err
		}
	}

	return enc.End("LOGS", nil)
}

func (s *Server) handlePing(_ context.Context, enc *wire.Encoder, raw json.RawMessage) error {
	var scalar any
	if err := decodeRequest(raw, &scalar); err != nil {
		return err
	}
	return enc.OK(fmt.Sprintf("PONG %v", scalar), nil)
}

// handleShow reads every file directly under the named pipeline
// directory and returns {filename: contents}, mirroring serve.py's
// 'SHOW' branch.
func (s *Server) handleShow(_ context.Context, enc *wire.Encoder, raw json.RawMessage) error {
	var dir string
	if err := decodeRequest(raw, &dir); err != nil {
		return err
	}

	loc := filepath.Join(s.deps.RootDir, filepath.Clean(dir))
	entries, err := os.ReadDir(loc)
	if err != nil {
		return err
	}

	defs := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(loc, entry.Name()))
		if err != nil {
			return err
		}
		defs[entry.Name()] = string(data)
	}
	return enc.OK(defs, nil)
}

// handleGenerate mints a validated pipeline name the way
// core.py's _generate_name/validate_pipeline_name do. The actual
// generate-pipeline-from-training-config algorithm (reading a training
// config and synthesizing task definitions from it) is out of scope —
// an external interface this command does not implement.
func (s *Server) handleGenerate(_ context.Context, enc *wire.Encoder, raw json.RawMessage) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return err
	}
	basename := req.Name
	if basename == "" {
		basename = "flow"
	}
	if !api.ValidatePipelineName(basename) {
		return fmt.Errorf("pipeline name must match %s, got %q", api.NameRegexp.String(), basename)
	}
	return enc.OK(api.GenerateLabel(basename), nil)
}
