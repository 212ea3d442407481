// Package taskmanager implements the Task Manager (C6): the layer
// between the executor's control loop and the per-kind Resource
// Handlers, adding the k8s-logs/events surface, the container-hash
// probe, and the 1-second poll floor every wait operation uses.
package taskmanager

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	corev1 "k8s.io/api/core/v1"
	apierrorsk8s "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	apierrors "github.com/trainforge/trainforge/internal/errors"
	"github.com/trainforge/trainforge/internal/resource"
	"github.com/trainforge/trainforge/internal/store"
)

// pollInterval is the minimum spacing between two status checks of the
// same resource: waiting tighter than this would just hammer the API
// server for a resource that takes seconds to minutes to change state.
const pollInterval = time.Second

// hashProbeSuffix distinguishes a container-hash probe pod from the
// real task it stands in for, so the two never collide if the real
// task is later submitted under the same name while the probe is still
// winding down.
const hashProbeSuffix = "-hash"

// TaskManager dispatches task lifecycle operations to the Resource
// Handler registered for each task's resource kind, and layers on the
// operations no single Handler can provide on its own (log retrieval,
// the container-hash probe).
type TaskManager struct {
	registry  *resource.Registry
	client    kubernetes.Interface
	namespace string
}

// New builds a TaskManager bound to namespace, dispatching through
// registry and using client directly for the log/probe operations that
// cut across the Handler abstraction.
func New(registry *resource.Registry, client kubernetes.Interface, namespace string) *TaskManager {
	return &TaskManager{registry: registry, client: client, namespace: namespace}
}

func (m *TaskManager) handler(resourceType string) (resource.Handler, error) {
	return m.registry.New(resourceType, m.namespace)
}

// Submit schedules req as a resourceType resource and returns the
// resulting resource identifier. A Handler-level submission failure is
// wrapped as a SubmitError, the same way KubernetesTaskManager.submit
// translates a raw API exception.
func (m *TaskManager) Submit(ctx context.Context, resourceType string, req resource.SubmitRequest) (string, error) {
	h, err := m.handler(resourceType)
	if err != nil {
		return "", err
	}

	var name string
	op := func() error {
		var submitErr error
		name, submitErr = h.Submit(ctx, req)
		if submitErr != nil && !isTransient(submitErr) {
			return backoff.Permanent(submitErr)
		}
		return submitErr
	}
	if err := backoff.Retry(op, backoff.WithContext(retryablePollInterval(), ctx)); err != nil {
		return "", apierrors.NewSubmitError(req.Name, unwrapPermanent(err))
	}
	return name, nil
}

// isTransient reports whether err is a Kubernetes API error worth
// retrying a submission for (the API server was momentarily
// overloaded or unreachable), as opposed to a permanent rejection
// (bad spec, name collision) that retrying would never fix.
func isTransient(err error) bool {
	return apierrorsk8s.IsServerTimeout(err) ||
		apierrorsk8s.IsTimeout(err) ||
		apierrorsk8s.IsTooManyRequests(err) ||
		apierrorsk8s.IsInternalError(err) ||
		apierrorsk8s.IsServiceUnavailable(err)
}

// unwrapPermanent undoes backoff.Permanent's wrapping so SubmitError
// carries the original Kubernetes error, not backoff's wrapper.
func unwrapPermanent(err error) error {
	if permanent, ok := err.(*backoff.PermanentError); ok {
		return permanent.Err
	}
	return err
}

// Status returns resourceType's current lifecycle state for name.
func (m *TaskManager) Status(ctx context.Context, resourceType, name string) (resource.Status, error) {
	h, err := m.handler(resourceType)
	if err != nil {
		return resource.Status{}, err
	}
	return h.Status(ctx, name)
}

// Kill tears down the resourceType resource named name. Tearing down a
// resource that no longer exists is not an error.
func (m *TaskManager) Kill(ctx context.Context, resourceType, name string) error {
	h, err := m.handler(resourceType)
	if err != nil {
		return err
	}
	return h.Kill(ctx, name)
}

// GetPods returns the pod names backing the resourceType resource
// named name.
func (m *TaskManager) GetPods(ctx context.Context, resourceType, name string) ([]string, error) {
	h, err := m.handler(resourceType)
	if err != nil {
		return nil, err
	}
	return h.GetPods(ctx, name)
}

// GetEvents returns the Kubernetes events recorded against the
// resourceType resource named name.
func (m *TaskManager) GetEvents(ctx context.Context, resourceType, name string) ([]resource.Event, error) {
	h, err := m.handler(resourceType)
	if err != nil {
		return nil, err
	}
	return h.GetEvents(ctx, name)
}

// resourceRef names one concrete resource (kind plus cluster
// identifier) a user-visible name resolved to.
type resourceRef struct {
	resourceType string
	resourceID   string
}

// FindResourceNames resolves a user-visible name to the actual pod
// name(s) backing it: a svc/ or deploy/ prefixed name is taken at face
// value; otherwise the name is looked up in st, and if it names a
// pipeline (no parent), every one of its child tasks' resources is
// resolved in turn. A name the store has never heard of is assumed to
// be a resource the caller already knows the literal pod name for.
func (m *TaskManager) FindResourceNames(ctx context.Context, st store.Store, name string) ([]string, error) {
	refs, err := findResources(ctx, st, name)
	if err != nil {
		return nil, err
	}
	var pods []string
	for _, ref := range refs {
		found, err := m.GetPods(ctx, ref.resourceType, ref.resourceID)
		if err != nil {
			return nil, err
		}
		pods = append(pods, found...)
	}
	return pods, nil
}

func findResources(ctx context.Context, st store.Store, name string) ([]resourceRef, error) {
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		prefix := strings.ToLower(name[:idx])
		resourceName := name[idx+1:]
		switch prefix {
		case "svc", "service":
			return []resourceRef{{resourceType: "Service", resourceID: resourceName}}, nil
		case "deploy", "deployment":
			return []resourceRef{{resourceType: "Deployment", resourceID: resourceName}}, nil
		}
	}

	entry, err := st.Get(ctx, name)
	if apierrors.IsNotFound(err) {
		return []resourceRef{{resourceType: "Pod", resourceID: name}}, nil
	}
	if err != nil {
		return nil, err
	}

	if parent, _ := entry["parent"].(string); parent == "" {
		var childLabels []string
		for _, field := range []string{"waiting", "executing", "executed"} {
			items, _ := entry[field].([]any)
			for _, item := range items {
				if label, ok := item.(string); ok {
					childLabels = append(childLabels, label)
				}
			}
		}
		refs := make([]resourceRef, 0, len(childLabels))
		for _, label := range childLabels {
			child, err := st.Get(ctx, label)
			if err != nil {
				return nil, err
			}
			refs = append(refs, refFromEntry(child))
		}
		return refs, nil
	}

	return []resourceRef{refFromEntry(entry)}, nil
}

func refFromEntry(entry map[string]any) resourceRef {
	resourceType, _ := entry["resource_type"].(string)
	if resourceType == "" {
		resourceType = "Pod"
	}
	resourceID, _ := entry["resource_id"].(string)
	return resourceRef{resourceType: resourceType, resourceID: resourceID}
}

// WaitFor blocks until the resourceType resource named name leaves the
// running state (succeeds, fails, or disappears), polling at
// pollInterval.
func (m *TaskManager) WaitFor(ctx context.Context, resourceType, name string) (resource.Status, error) {
	for {
		status, err := m.Status(ctx, resourceType, name)
		if err != nil {
			return resource.Status{}, err
		}
		if status.Type != resource.StatusRunning {
			return status, nil
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return resource.Status{}, err
		}
	}
}

// WaitUntilRunning blocks until the resourceType resource named name
// reports the Running pod phase, polling at pollInterval. A task
// cannot be probed for its container hash (or have its logs followed)
// until its pod has actually started.
func (m *TaskManager) WaitUntilRunning(ctx context.Context, resourceType, name string) error {
	for {
		status, err := m.Status(ctx, resourceType, name)
		if err != nil {
			return err
		}
		if status.Phase == resource.PhaseRunning {
			return nil
		}
		if status.Type == resource.StatusFailed || status.Type == resource.StatusMissing {
			return apierrors.NewTaskFailure(name, fmt.Sprintf("resource never reached Running (phase=%s)", status.Phase))
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// sleep blocks for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetLogs returns a point-in-time snapshot of a resource's pod logs. If
// more than one pod backs the resource, logs are read from each in
// turn and concatenated with a banner naming the pod, the way
// KubernetesTaskManager.get_logs prefixes multi-pod output.
func (m *TaskManager) GetLogs(ctx context.Context, resourceType, name string, container string, lines *int64) (string, error) {
	pods, err := m.GetPods(ctx, resourceType, name)
	if err != nil {
		return "", err
	}
	if len(pods) == 0 {
		pods = []string{name}
	}

	opts := &corev1.PodLogOptions{}
	if container != "" {
		opts.Container = container
	}
	if lines != nil {
		opts.TailLines = lines
	}

	var out string
	for _, pod := range pods {
		raw, err := m.client.CoreV1().Pods(m.namespace).GetLogs(pod, opts).DoRaw(ctx)
		if err != nil {
			return "", err
		}
		if len(pods) > 1 {
			out += fmt.Sprintf("================\n%s\n----------------\n", pod)
		}
		out += string(raw)
	}
	return out, nil
}

// FollowLogs streams a resource's pod logs line by line onto the
// returned channel until ctx is cancelled or the stream ends. Errors
// are delivered as a final non-nil error value on errCh; the lines
// channel is always closed when streaming stops.
func (m *TaskManager) FollowLogs(ctx context.Context, resourceType, name string, container string) (<-chan string, <-chan error) {
	lines := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(lines)
		defer close(errs)

		pods, err := m.GetPods(ctx, resourceType, name)
		if err != nil {
			errs <- err
			return
		}
		pod := name
		if len(pods) > 0 {
			pod = pods[0]
		}

		opts := &corev1.PodLogOptions{Follow: true}
		if container != "" {
			opts.Container = container
		}
		stream, err := m.client.CoreV1().Pods(m.namespace).GetLogs(pod, opts).Stream(ctx)
		if err != nil {
			errs <- err
			return
		}
		defer stream.Close()

		scanner := bufio.NewScanner(stream)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			case lines <- scanner.Text():
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			errs <- err
		}
	}()

	return lines, errs
}

// HashTask submits a short-lived probe copy of req (a "sleep"
// no-op with GPUs and node selector stripped) as a Pod, waits for it to
// start, reads back the resolved image digest of every container it
// runs, and tears the probe down — the container-hash probe technique
// the hash cache's input fingerprint relies on to detect that a task's
// image content, not just its tag, changed.
func (m *TaskManager) HashTask(ctx context.Context, req resource.SubmitRequest) ([]string, error) {
	probe := req
	probe.Name = req.Name + hashProbeSuffix
	probe.Command = []string{"sleep"}
	probe.Args = []string{"300"}
	probe.NodeSelector = nil
	probe.NumGPUs = 0

	probeName, err := m.Submit(ctx, "Pod", probe)
	if err != nil {
		return nil, err
	}

	if err := m.WaitUntilRunning(ctx, "Pod", probeName); err != nil {
		_ = m.Kill(ctx, "Pod", probeName)
		return nil, err
	}

	digests, err := resource.ContainerImageDigests(ctx, m.client, m.namespace, probeName)
	killErr := m.Kill(ctx, "Pod", probeName)
	if err != nil {
		return nil, err
	}
	if killErr != nil {
		return nil, killErr
	}
	return digests, nil
}

// retryablePollInterval exposes pollInterval through a
// backoff.BackOff for callers (e.g. Submit retries against a
// momentarily unreachable API server) that want the same fixed-interval
// policy this package polls status with, via github.com/cenkalti/backoff/v4.
func retryablePollInterval() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(pollInterval), 5)
}
