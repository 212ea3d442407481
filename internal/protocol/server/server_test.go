package server

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"gotest.tools/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/trainforge/trainforge/internal/api"
	"github.com/trainforge/trainforge/internal/cleanup"
	"github.com/trainforge/trainforge/internal/executor"
	"github.com/trainforge/trainforge/internal/hashcache"
	"github.com/trainforge/trainforge/internal/resource"
	"github.com/trainforge/trainforge/internal/store"
	"github.com/trainforge/trainforge/internal/taskmanager"
	"github.com/trainforge/trainforge/internal/workdir"
)

type testConn struct {
	t      *testing.T
	client net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
}

func newTestServer(t *testing.T, rootDir string) (*testConn, store.Store, *k8sfake.Clientset) {
	t.Helper()
	client := k8sfake.NewSimpleClientset()
	registry := resource.NewRegistry()
	assert.NilError(t, registry.Register("Pod", nil, func(ns string) resource.Handler { return resource.NewPodHandler(client, ns) }))
	sched := taskmanager.New(registry, client, "default")
	st := store.NewMemoryStore()
	cache := hashcache.NewMemoryCache()
	exec := executor.New(st, sched, cache, zap.NewNop())
	dirs := workdir.New(filepath.Join(rootDir, "data"))
	cleaner := cleanup.New(st, sched, dirs, zap.NewNop())

	srv := New(Deps{Store: st, Sched: sched, Exec: exec, Cleaner: cleaner, RootDir: rootDir, DataDir: dirs.PipelineDir("")}, zap.NewNop())

	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, serverConn)
	}()
	t.Cleanup(func() {
		cancel()
		_ = clientConn.Close()
		<-done
	})

	return &testConn{t: t, client: clientConn, enc: json.NewEncoder(clientConn), dec: json.NewDecoder(clientConn)}, st, client
}

// setPodPhaseEventually watches for a pod to exist and stamps it with
// phase once it does, retrying until ctx is done. Used to let the real
// 1-second poll loop in taskmanager.WaitFor observe a transition
// without the test coordinating exact timing.
func setPodPhaseEventually(ctx context.Context, client *k8sfake.Clientset, phase corev1.PodPhase, name string) {
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pod, err := client.CoreV1().Pods("default").Get(ctx, name, metav1.GetOptions{})
				if err != nil {
					continue
				}
				pod.Status.Phase = phase
				if _, err := client.CoreV1().Pods("default").UpdateStatus(ctx, pod, metav1.UpdateOptions{}); err == nil {
					return
				}
			}
		}
	}()
}

func (c *testConn) send(command string, request any) {
	c.t.Helper()
	assert.NilError(c.t, c.enc.Encode(map[string]any{"command": command, "request": request}))
}

func (c *testConn) recv() map[string]any {
	c.t.Helper()
	var resp map[string]any
	assert.NilError(c.t, c.dec.Decode(&resp))
	return resp
}

func TestPingRespondsWithPong(t *testing.T) {
	conn, _, _ := newTestServer(t, t.TempDir())
	conn.send("PING", "hello")
	resp := conn.recv()
	assert.Equal(t, resp["status"], "OK")
	assert.Equal(t, resp["response"], "PONG hello")
}

func TestUnknownCommandReturnsErrorAndKeepsConnectionAlive(t *testing.T) {
	conn, _, _ := newTestServer(t, t.TempDir())
	conn.send("BOGUS", nil)
	resp := conn.recv()
	assert.Equal(t, resp["status"], "ERROR")

	conn.send("PING", "still here")
	resp = conn.recv()
	assert.Equal(t, resp["status"], "OK")
	assert.Equal(t, resp["response"], "PONG still here")
}

func TestStatusReturnsPipelineAndTaskRows(t *testing.T) {
	conn, st, _ := newTestServer(t, t.TempDir())
	ctx := context.Background()
	assert.NilError(t, st.Set(ctx, map[string]any{
		"label": "flow-1", "job_name": "flow-1", "status": "DONE",
		"executed": []any{"flow-1--a"}, "executing": []any{}, "waiting": []any{}, "jobs": []any{},
	}))
	assert.NilError(t, st.Set(ctx, map[string]any{
		"label": "flow-1--a", "parent": "flow-1", "name": "a", "resource_type": "Pod", "resource_id": "flow-1--a",
	}))

	conn.send("STATUS", "flow-1")
	resp := conn.recv()
	assert.Equal(t, resp["status"], "OK")
	results, ok := resp["response"].([]any)
	assert.Assert(t, ok)
	assert.Equal(t, len(results), 1)
}

func TestCleanupRoundTripsYesNoFields(t *testing.T) {
	conn, st, _ := newTestServer(t, t.TempDir())
	ctx := context.Background()
	assert.NilError(t, st.Set(ctx, map[string]any{
		"label": "flow-2", "job_name": "flow-2", "status": "DONE",
		"executed": []any{"flow-2--a"}, "executing": []any{}, "waiting": []any{}, "jobs": []any{},
	}))
	assert.NilError(t, st.Set(ctx, map[string]any{
		"label": "flow-2--a", "parent": "flow-2", "name": "a", "resource_type": "Pod", "resource_id": api.CachedResourceID,
	}))

	conn.send("CLEANUP", map[string]any{"work": "flow-2", "purge_db": true})
	resp := conn.recv()
	assert.Equal(t, resp["status"], "OK")
	results, ok := resp["response"].([]any)
	assert.Assert(t, ok)
	assert.Equal(t, len(results), 2)
	first := results[0].(map[string]any)
	assert.Equal(t, first["purged_from_db"], "Yes")
	assert.Equal(t, first["cleaned_from_k8s"], "No")
}

func TestDataReturnsStoreRecord(t *testing.T) {
	conn, st, _ := newTestServer(t, t.TempDir())
	ctx := context.Background()
	assert.NilError(t, st.Set(ctx, map[string]any{"label": "flow-3", "job_name": "flow-3", "status": "RUNNING"}))

	conn.send("DATA", map[string]any{"resource": "flow-3"})
	resp := conn.recv()
	assert.Equal(t, resp["status"], "OK")
	record, ok := resp["response"].(map[string]any)
	assert.Assert(t, ok)
	assert.Equal(t, record["job_name"], "flow-3")
}

func TestShowReturnsFileContents(t *testing.T) {
	root := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(root, "myflow"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(root, "myflow", "main.yml"), []byte("name: myflow\n"), 0o644))

	conn, _, _ := newTestServer(t, root)
	conn.send("SHOW", "myflow")
	resp := conn.recv()
	assert.Equal(t, resp["status"], "OK")
	files, ok := resp["response"].(map[string]any)
	assert.Assert(t, ok)
	assert.Equal(t, files["main.yml"], "name: myflow\n")
}

func TestGenerateReturnsValidatedName(t *testing.T) {
	conn, _, _ := newTestServer(t, t.TempDir())
	conn.send("GENERATE", map[string]any{"name": "my-train-job"})
	resp := conn.recv()
	assert.Equal(t, resp["status"], "OK")
	name, ok := resp["response"].(string)
	assert.Assert(t, ok)
	assert.Assert(t, len(name) > len("my-train-job"))
}

func TestGenerateRejectsInvalidName(t *testing.T) {
	conn, _, _ := newTestServer(t, t.TempDir())
	conn.send("GENERATE", map[string]any{"name": "Not Valid!"})
	resp := conn.recv()
	assert.Equal(t, resp["status"], "ERROR")
}

func TestStartRunsPipelineAndEmitsFinalEnd(t *testing.T) {
	root := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(root, "flow"), 0o755))
	doc := "name: flow\ntasks:\n  - name: only\n    image: busybox\n    command: [\"true\"]\n"
	assert.NilError(t, os.WriteFile(filepath.Join(root, "flow", "main.yml"), []byte(doc), 0o644))

	conn, st, client := newTestServer(t, root)
	conn.send("START", "flow")

	first := conn.recv()
	assert.Equal(t, first["status"], "OK")
	pipelineID, ok := first["response"].(string)
	assert.Assert(t, ok)
	assert.Assert(t, len(pipelineID) > 0)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	setPodPhaseEventually(watchCtx, client, corev1.PodSucceeded, api.ChildLabel(pipelineID, "only"))

	deadline := time.Now().Add(5 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		last = conn.recv()
		if last["status"] == "END" {
			break
		}
	}
	assert.Equal(t, last["status"], "END")
	assert.Equal(t, last["response"], pipelineID)

	rec, err := st.Get(context.Background(), pipelineID)
	assert.NilError(t, err)
	assert.Assert(t, rec["status"] != nil)
}
