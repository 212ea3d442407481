package executor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"gotest.tools/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/trainforge/trainforge/internal/api"
	"github.com/trainforge/trainforge/internal/hashcache"
	"github.com/trainforge/trainforge/internal/hashutil"
	"github.com/trainforge/trainforge/internal/resource"
	"github.com/trainforge/trainforge/internal/store"
	"github.com/trainforge/trainforge/internal/taskmanager"
)

func newTestExecutor(t *testing.T) (*Executor, *k8sfake.Clientset) {
	t.Helper()
	client := k8sfake.NewSimpleClientset()
	registry := resource.NewRegistry()
	assert.NilError(t, registry.Register("Pod", nil, func(ns string) resource.Handler { return resource.NewPodHandler(client, ns) }))
	sched := taskmanager.New(registry, client, "default")
	st := store.NewMemoryStore()
	cache := hashcache.NewMemoryCache()
	return New(st, sched, cache, zap.NewNop()), client
}

// setPodPhaseEventually watches for each named pod to exist and stamps
// it with phase, retrying until it succeeds or ctx is done. It lets a
// test drive a pod a goroutine inside Run is polling through a status
// transition without the test needing to race the exact poll tick.
func setPodPhaseEventually(t *testing.T, ctx context.Context, client *k8sfake.Clientset, phase corev1.PodPhase, names ...string) {
	t.Helper()
	go func() {
		remaining := map[string]bool{}
		for _, n := range names {
			remaining[n] = true
		}
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for len(remaining) > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for n := range remaining {
					pod, err := client.CoreV1().Pods("default").Get(ctx, n, metav1.GetOptions{})
					if err != nil {
						continue
					}
					pod.Status.Phase = phase
					if _, err := client.CoreV1().Pods("default").UpdateStatus(ctx, pod, metav1.UpdateOptions{}); err == nil {
						delete(remaining, n)
					}
				}
			}
		}
	}()
}

func TestRunSucceedsSingleTask(t *testing.T) {
	exec, client := newTestExecutor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := Request{
		PipelineID: "pipe-1j",
		JobName:    "job",
		Tasks: []api.TaskDefinition{
			{Name: "train", Image: "busybox", Command: []string{"echo"}, Args: []string{"hi"}, ResourceType: api.ResourcePod},
		},
	}

	label := api.ChildLabel(req.PipelineID, "train")
	setPodPhaseEventually(t, ctx, client, corev1.PodSucceeded, label)

	progress, errs := exec.Run(ctx, req)
	var lines []string
	for line := range progress {
		lines = append(lines, line)
	}
	assert.NilError(t, <-errs)
	assert.Assert(t, len(lines) > 0)

	rec, err := exec.store.Get(ctx, req.PipelineID)
	assert.NilError(t, err)
	assert.Equal(t, rec["status"], string(api.PipelineDone))

	taskRec, err := exec.store.Get(ctx, label)
	assert.NilError(t, err)
	assert.Equal(t, taskRec["resource_id"], label)
}

func TestRunTerminatesOnDAGError(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	req := Request{
		PipelineID: "pipe-2j",
		JobName:    "job",
		Tasks: []api.TaskDefinition{
			{Name: "a", Image: "busybox", Depends: []string{"missing"}},
		},
	}

	progress, errs := exec.Run(ctx, req)
	for range progress {
	}
	err := <-errs
	assert.ErrorContains(t, err, "missing")

	rec, getErr := exec.store.Get(ctx, req.PipelineID)
	assert.NilError(t, getErr)
	assert.Equal(t, rec["status"], string(api.PipelineTerminated))
}

func TestRunSkipsSubmissionOnCacheHit(t *testing.T) {
	exec, client := newTestExecutor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task := api.TaskDefinition{
		Name:         "train",
		Image:        "busybox",
		Command:      []string{"python"},
		Args:         []string{"train.py"},
		ResourceType: api.ResourcePod,
		Outputs:      map[string][]string{"model": {"/nonexistent/model.bin"}},
	}
	req := Request{PipelineID: "pipe-3j", JobName: "job", Tasks: []api.TaskDefinition{task}}

	inHash := hashutil.HashInputs(task.Command, task.Args, "", nil, nil)
	outHash, err := hashutil.HashOutputs(task.Outputs, nil)
	assert.NilError(t, err)
	assert.NilError(t, exec.cache.Set(ctx, inHash, outHash))

	taskLabel := api.ChildLabel(req.PipelineID, "train")
	probeLabel := taskLabel + "-hash" // taskmanager.hashProbeSuffix
	setPodPhaseEventually(t, ctx, client, corev1.PodRunning, probeLabel)

	progress, errs := exec.Run(ctx, req)
	for range progress {
	}
	assert.NilError(t, <-errs)

	taskRec, err := exec.store.Get(ctx, taskLabel)
	assert.NilError(t, err)
	assert.Equal(t, taskRec["resource_id"], api.CachedResourceID)

	_, getErr := client.CoreV1().Pods("default").Get(ctx, taskLabel, metav1.GetOptions{})
	assert.Assert(t, getErr != nil)
}
