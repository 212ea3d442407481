package taskmanager

import (
	"context"
	"testing"
	"time"

	"gotest.tools/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/trainforge/trainforge/internal/resource"
)

func newTestManager(t *testing.T) (*TaskManager, *resource.Registry, *k8sfake.Clientset) {
	t.Helper()
	client := k8sfake.NewSimpleClientset()
	registry := resource.NewRegistry()
	assert.NilError(t, registry.Register("Pod", nil, func(ns string) resource.Handler { return resource.NewPodHandler(client, ns) }))
	return New(registry, client, "default"), registry, client
}

func TestSubmitReturnsResourceName(t *testing.T) {
	m, _, _ := newTestManager(t)
	name, err := m.Submit(context.Background(), "Pod", resource.SubmitRequest{Name: "task-1", Image: "busybox"})
	assert.NilError(t, err)
	assert.Equal(t, name, "task-1")
}

func TestSubmitUnknownResourceTypeIsError(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Submit(context.Background(), "Bogus", resource.SubmitRequest{Name: "task-1"})
	assert.ErrorContains(t, err, "Bogus")
}

func TestWaitForReturnsOnceTerminal(t *testing.T) {
	m, _, client := newTestManager(t)
	ctx := context.Background()
	_, err := m.Submit(ctx, "Pod", resource.SubmitRequest{Name: "task-1", Image: "busybox"})
	assert.NilError(t, err)

	pod, err := client.CoreV1().Pods("default").Get(ctx, "task-1", metav1.GetOptions{})
	assert.NilError(t, err)
	pod.Status.Phase = corev1.PodSucceeded
	_, err = client.CoreV1().Pods("default").UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	assert.NilError(t, err)

	status, err := m.WaitFor(ctx, "Pod", "task-1")
	assert.NilError(t, err)
	assert.Equal(t, status.Type, resource.StatusSucceeded)
}

func TestWaitForRespectsContextCancellation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Submit(ctx, "Pod", resource.SubmitRequest{Name: "task-1", Image: "busybox"})
	assert.NilError(t, err)

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err = m.WaitFor(cancelCtx, "Pod", "task-1")
	assert.ErrorContains(t, err, "context deadline exceeded")
}

func TestHashTaskRejectsWhenProbeNeverRuns(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.HashTask(ctx, resource.SubmitRequest{Name: "train", Image: "pytorch"})
	assert.Assert(t, err != nil)
}
