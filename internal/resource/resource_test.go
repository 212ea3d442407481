package resource

import (
	"context"
	"testing"

	"gotest.tools/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"
)

var (
	_ Handler = (*PodHandler)(nil)
	_ Handler = (*JobHandler)(nil)
	_ Handler = (*DeploymentHandler)(nil)
	_ Handler = (*ServiceHandler)(nil)
	_ Handler = (*CRDHandler)(nil)
)

func TestStatusFromPodPhaseRunningForNonTerminal(t *testing.T) {
	assert.Equal(t, StatusFromPodPhase("Pending"), StatusRunning)
	assert.Equal(t, StatusFromPodPhase("Running"), StatusRunning)
}

func TestStatusFromPodPhaseTerminalMapping(t *testing.T) {
	assert.Equal(t, StatusFromPodPhase("Succeeded"), StatusSucceeded)
	assert.Equal(t, StatusFromPodPhase("Failed"), StatusFailed)
	assert.Equal(t, StatusFromPodPhase("Error"), StatusFailed)
	assert.Equal(t, StatusFromPodPhase("ErrImagePull"), StatusFailed)
}

func TestRegistryRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	factory := func(ns string) Handler { return NewPodHandler(k8sfake.NewSimpleClientset(), ns) }
	assert.NilError(t, r.Register("Pod", nil, factory))

	err := r.Register("Pod", nil, factory)
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistryRegisterRejectsDuplicateAlias(t *testing.T) {
	r := NewRegistry()
	factory := func(ns string) Handler { return NewPodHandler(k8sfake.NewSimpleClientset(), ns) }
	assert.NilError(t, r.Register("Pod", []string{"pod"}, factory))

	err := r.Register("Job", []string{"pod"}, factory)
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistryNewDispatchesToFactory(t *testing.T) {
	r := NewRegistry()
	client := k8sfake.NewSimpleClientset()
	assert.NilError(t, r.Register("Pod", nil, func(ns string) Handler { return NewPodHandler(client, ns) }))

	h, err := r.New("Pod", "default")
	assert.NilError(t, err)
	assert.Equal(t, h.Kind(), "Pod")
}

func TestRegistryNewUnknownKindIsNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.New("Bogus", "default")
	assert.ErrorContains(t, err, "Bogus")
}

func TestPodHandlerSubmitThenStatusThenKill(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	h := NewPodHandler(client, "default")
	ctx := context.Background()

	name, err := h.Submit(ctx, SubmitRequest{Name: "task-1", Image: "busybox", Command: []string{"sleep"}})
	assert.NilError(t, err)
	assert.Equal(t, name, "task-1")

	pod, err := client.CoreV1().Pods("default").Get(ctx, "task-1", metav1.GetOptions{})
	assert.NilError(t, err)
	pod.Status.Phase = corev1.PodRunning
	_, err = client.CoreV1().Pods("default").UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	assert.NilError(t, err)

	status, err := h.Status(ctx, "task-1")
	assert.NilError(t, err)
	assert.Equal(t, status.Type, StatusRunning)

	assert.NilError(t, h.Kill(ctx, "task-1"))
	status, err = h.Status(ctx, "task-1")
	assert.NilError(t, err)
	assert.Equal(t, status.Type, StatusMissing)
}

func TestPodHandlerStatusMissingIsNotAnError(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	h := NewPodHandler(client, "default")

	status, err := h.Status(context.Background(), "does-not-exist")
	assert.NilError(t, err)
	assert.Equal(t, status.Type, StatusMissing)
}

func TestJobHandlerStatusReflectsActiveCount(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	h := NewJobHandler(client, "default")
	ctx := context.Background()

	_, err := h.Submit(ctx, SubmitRequest{Name: "job-1", Image: "busybox"})
	assert.NilError(t, err)

	status, err := h.Status(ctx, "job-1")
	assert.NilError(t, err)
	assert.Equal(t, status.Type, StatusSucceeded)
}

func TestReferenceSecretsSkipsInjectionForUnrelatedCommand(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	secrets := ReferenceSecrets(context.Background(), client, "default", SubmitRequest{Command: []string{"python"}})
	assert.Equal(t, len(secrets), 0)
}

func TestReferenceSecretsInjectsCredWhenClusterHasIt(t *testing.T) {
	client := k8sfake.NewSimpleClientset(&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: credSecretName, Namespace: "default"}})
	secrets := ReferenceSecrets(context.Background(), client, "default", SubmitRequest{Command: []string{"trainforge-run"}})
	assert.Equal(t, len(secrets), 1)
	assert.Equal(t, secrets[0].Name, credSecretName)
}
