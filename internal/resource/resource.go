// Package resource implements the Resource Handler abstraction (C5):
// a per-Kubernetes-kind adapter that knows how to submit, poll the
// status of, kill, and collect pods/events for one workload kind
// (Pod, Job, Deployment, Service, or one of the Kubeflow-style
// training-operator CRDs), behind a single polymorphic interface the
// Task Manager dispatches through.
package resource

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trainforge/trainforge/internal/api"
	apierrors "github.com/trainforge/trainforge/internal/errors"
)

// StatusType is the kind-independent lifecycle state a Handler reduces
// every Kubernetes-specific status representation down to.
type StatusType string

const (
	StatusRunning   StatusType = "RUNNING"
	StatusFailed    StatusType = "FAILED"
	StatusSucceeded StatusType = "SUCCEEDED"
	StatusMissing   StatusType = "MISSING"
)

// Status is a Handler's reduced view of a resource's current state.
// Phase carries the underlying pod phase verbatim (e.g. "Pending",
// "Running"), which WaitUntilRunning needs but Type alone can't convey.
type Status struct {
	Type    StatusType
	Message string
	Phase   string
}

// Event is a Kubernetes event concerning a submitted resource.
type Event struct {
	Type      string
	Reason    string
	Source    string
	Message   string
	Timestamp time.Time
}

// PhaseRunning and PhaseSucceeded are the pod phase strings Handlers
// compare against directly (e.g. WaitUntilRunning polls for exactly
// PhaseRunning).
const (
	PhaseRunning   = "Running"
	PhaseSucceeded = "Succeeded"
)

// terminalPhases are the pod phases a Handler treats as "done,
// one way or another" when reducing a raw phase to a StatusType.
var terminalPhases = map[string]struct{}{
	"Terminated":   {},
	PhaseSucceeded: {},
	"Error":        {},
	"Failed":       {},
	"ErrImagePull": {},
}

// StatusFromPodPhase reduces a raw pod phase to a StatusType the rest
// of the executor can compare without knowing about Kubernetes phases.
func StatusFromPodPhase(phase string) StatusType {
	if _, terminal := terminalPhases[phase]; !terminal {
		return StatusRunning
	}
	if phase == PhaseSucceeded {
		return StatusSucceeded
	}
	return StatusFailed
}

// SubmitRequest carries everything a Handler needs to materialize a
// task as a Kubernetes resource. It is distinct from api.TaskRecord
// (the persisted store entry) because fields like Mounts, Secrets, and
// SecurityContext only matter at submission time and are never queried
// back out of the store afterward.
type SubmitRequest struct {
	Name            string
	Image           string
	Command         []string
	Args            []string
	NumGPUs         int
	NumWorkers      int
	NodeSelector    map[string]string
	Mounts          []api.VolumeMount
	Secrets         []api.Secret
	ConfigMaps      []api.ConfigMapMount
	CPU             *api.CPUResources
	SecurityContext *api.SecurityContext
	PullPolicy      string
}

// Handler adapts one Kubernetes workload kind to a uniform submit/
// status/kill/inspect surface.
type Handler interface {
	// Kind returns the resource kind this handler manages, e.g. "Pod".
	Kind() string
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, name string) (Status, error)
	Kill(ctx context.Context, name string) error
	GetPods(ctx context.Context, name string) ([]string, error)
	GetEvents(ctx context.Context, name string) ([]Event, error)
}

// Factory builds a Handler bound to a namespace.
type Factory func(namespace string) Handler

// Registry holds the Factory registered for each resource kind name
// (and any aliases), the way KubernetesTaskManager.handlers is built
// from odin's module-import-time registration.
type Registry struct {
	mu       sync.RWMutex
	factories map[string]Factory
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds factory under name and every alias. A name already
// present in the registry is an error: handler registration is a
// one-time, start-of-day wiring step, and a silent overwrite would
// hide a programming mistake (two modules claiming the same kind).
func (r *Registry) Register(name string, aliases []string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := append([]string{name, strings.ToLower(name)}, aliases...)
	for _, n := range names {
		if existing, ok := r.factories[n]; ok {
			return apierrors.NewDAGError(
				"resource handler %q already registered (existing: %T, new: %T)", n, existing, factory)
		}
	}
	for _, n := range names {
		r.factories[n] = factory
	}
	return nil
}

// New builds a Handler for the named resource kind in namespace.
func (r *Registry) New(name, namespace string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, apierrors.NewNotFound(name)
	}
	return factory(namespace), nil
}

// Names returns every registered kind name, sorted, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
