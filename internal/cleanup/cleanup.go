// Package cleanup implements the CLEANUP control-protocol command: it
// tears down a pipeline's live Kubernetes resources, optionally purges
// its Job Store records, and optionally removes its filesystem run
// directory, reporting what actually happened for each task.
package cleanup

import (
	"context"

	"go.uber.org/zap"

	"github.com/trainforge/trainforge/internal/api"
	"github.com/trainforge/trainforge/internal/store"
	"github.com/trainforge/trainforge/internal/taskmanager"
	"github.com/trainforge/trainforge/internal/workdir"
)

// Result reports, for one task label (or the pipeline label itself),
// what cleanup actually did.
type Result struct {
	Label          string
	CleanedFromK8s bool
	PurgedFromDB   bool
	RemovedFromFS  bool
}

// Cleaner runs the CLEANUP command against a job store, a task
// manager, and (optionally) a workdir manager.
type Cleaner struct {
	store  store.Store
	sched  *taskmanager.TaskManager
	dirs   *workdir.Manager
	logger *zap.Logger
}

// New builds a Cleaner. dirs may be nil if the deployment has no
// filesystem scratch space configured; a purgeFS request against a nil
// dirs is logged and skipped rather than failing the whole request,
// the way the Python original only warns when data_dir is unset.
func New(st store.Store, sched *taskmanager.TaskManager, dirs *workdir.Manager, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{store: st, sched: sched, dirs: dirs, logger: logger}
}

// Cleanup tears down pipelineID: kills every child task still known to
// k8s, purges the pipeline's and its children's store records when
// purgeDB is set, and removes the pipeline's run directory when
// purgeFS is set. It returns one Result for the pipeline label itself
// followed by one per child task (executed, then executing). Store
// removal runs in the opposite order, children first and the pipeline
// last, so the pipeline record survives until every child has been
// attempted.
func (c *Cleaner) Cleanup(ctx context.Context, pipelineID string, purgeDB, purgeFS bool) ([]Result, error) {
	if pipelineID == "" {
		return nil, nil
	}

	parent, err := c.store.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	children := append(stringsOf(parent["executed"]), stringsOf(parent["executing"])...)

	cleaned := map[string]bool{}
	purged := map[string]bool{}
	removed := map[string]bool{}

	if purgeFS {
		if c.dirs == nil {
			c.logger.Warn("cleanup requested file-system removal but no data directory is configured")
		} else if err := c.dirs.Remove(c.dirs.PipelineDir(pipelineID)); err != nil {
			c.logger.Warn("failed to remove pipeline run directory", zap.String("pipeline", pipelineID), zap.Error(err))
		} else {
			removed[pipelineID] = true
			for _, child := range children {
				removed[child] = true
			}
		}
	}

	for _, child := range children {
		if c.killTask(ctx, child) {
			cleaned[child] = true
		}
		if purgeDB {
			if ok, err := c.store.Remove(ctx, child); err == nil && ok {
				purged[child] = true
			}
		}
	}
	// The pipeline's own store entry is removed last, so a failure
	// partway through leaves it in place as a record of what still
	// needs cleaning up.
	if purgeDB {
		if ok, err := c.store.Remove(ctx, pipelineID); err == nil && ok {
			purged[pipelineID] = true
		}
	}

	all := append([]string{pipelineID}, children...)
	results := make([]Result, len(all))
	for i, label := range all {
		results[i] = Result{
			Label:          label,
			CleanedFromK8s: cleaned[label],
			PurgedFromDB:   purged[label],
			RemovedFromFS:  removed[label],
		}
	}
	return results, nil
}

// killTask looks up label's resource kind/id from the store and kills
// it, reporting false (never an error) for anything that was never
// actually submitted to k8s, is cached, or is already gone.
func (c *Cleaner) killTask(ctx context.Context, label string) bool {
	rec, err := c.store.Get(ctx, label)
	if err != nil {
		return false
	}
	resourceType, _ := rec["resource_type"].(string)
	resourceID, _ := rec["resource_id"].(string)
	if resourceType == "" || resourceID == "" || resourceID == api.CachedResourceID {
		return false
	}
	if err := c.sched.Kill(ctx, resourceType, resourceID); err != nil {
		return false
	}
	return true
}

func stringsOf(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if strs, ok := v.([]string); ok {
			return append([]string(nil), strs...)
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
