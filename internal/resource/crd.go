package resource

import (
	"context"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// CRDSpec describes where the pod template and replica count live
// inside one Kubeflow-style training-operator custom resource, and how
// its pods are selected, so a single CRDHandler can drive TFJob, PyTorchJob, MPIJob,
// and ElasticJob without a dedicated Go type per kind.
type CRDSpec struct {
	GVK schema.GroupVersionResource
	Kind string

	// PrePaths locates the replica-spec map shared by TemplatePaths and
	// ReplicasPaths (e.g. ["spec", "tfReplicaSpecs", "Worker"]).
	PrePaths []string
	// TemplatePaths, appended to PrePaths, locates the pod template.
	TemplatePaths []string
	// ReplicasPaths, appended to PrePaths, locates the replica count.
	ReplicasPaths []string

	// NameLabel is the pod label key whose value is the job name, the
	// way each training operator labels its own pods (e.g.
	// "tf-job-name", "mpi_job_name"). Empty if this kind's pods carry
	// no such label (ElasticJob, which selects on StaticLabels alone
	// and filters by name prefix instead).
	NameLabel string
	// StaticLabels are label:value pairs always present regardless of
	// job name — a replica group label, or a role label restricting to
	// just the launcher pod.
	StaticLabels map[string]string
	// NamePrefix additionally filters GetPods' results to pods whose
	// name has the job name as a prefix, the way ElasticJobHandler's
	// get_pods does client-side since its pods carry no per-job label.
	NamePrefix bool
}

// CRDHandler drives one Kubeflow-style training-operator custom
// resource kind through the dynamic client plus the kind's CRDSpec,
// generalizing TFJobHandler/PyTorchJobHandler/MPIJobHandler/
// ElasticJobHandler into one implementation parametrized by spec.
type CRDHandler struct {
	dynamicClient dynamic.Interface
	coreClient    kubernetes.Interface
	namespace     string
	spec          CRDSpec
}

// NewCRDHandler builds a CRDHandler for spec, bound to namespace.
func NewCRDHandler(dynamicClient dynamic.Interface, coreClient kubernetes.Interface, namespace string, spec CRDSpec) *CRDHandler {
	return &CRDHandler{dynamicClient: dynamicClient, coreClient: coreClient, namespace: namespace, spec: spec}
}

func (h *CRDHandler) Kind() string { return h.spec.Kind }

func (h *CRDHandler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	secrets := ReferenceSecrets(ctx, h.coreClient, h.namespace, req)
	configMaps := GenerateConfigMaps(ctx, h.coreClient, h.namespace, req)
	podSpec := BuildPodSpec(req, "", secrets, configMaps)

	podTemplate, err := podSpecToUnstructured(podSpec, req.Name)
	if err != nil {
		return "", err
	}

	replicas := req.NumWorkers
	if replicas < 1 {
		replicas = 1
	}

	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": h.spec.GVK.GroupVersion().String(),
		"kind":       h.spec.Kind,
		"metadata": map[string]interface{}{
			"name": req.Name,
		},
		"spec": map[string]interface{}{},
	}}

	replicaPath := h.spec.PrePaths
	if err := unstructured.SetNestedMap(obj.Object, map[string]interface{}{}, replicaPath...); err != nil {
		return "", err
	}
	if err := unstructured.SetNestedField(obj.Object, int64(replicas), append(append([]string{}, h.spec.PrePaths...), h.spec.ReplicasPaths...)...); err != nil {
		return "", err
	}
	if err := unstructured.SetNestedMap(obj.Object, podTemplate, append(append([]string{}, h.spec.PrePaths...), h.spec.TemplatePaths...)...); err != nil {
		return "", err
	}

	created, err := h.dynamicClient.Resource(h.spec.GVK).Namespace(h.namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return "", err
	}
	return created.GetName(), nil
}

// Status aggregates per-pod phases rather than reading the custom
// resource's own status conditions: if every pod's phase is terminal
// and at least one succeeded, the job is SUCCEEDED; if any pod is
// non-terminal, the job is still RUNNING; otherwise it is FAILED. This
// matches how the training operators themselves decide job status, and
// sidesteps needing a condition-type vocabulary per operator.
func (h *CRDHandler) Status(ctx context.Context, name string) (Status, error) {
	_, err := h.dynamicClient.Resource(h.spec.GVK).Namespace(h.namespace).Get(ctx, name, metav1.GetOptions{})
	if isNotFound(err) {
		return Status{Type: StatusMissing, Message: "resource not found"}, nil
	}
	if err != nil {
		return Status{}, err
	}

	pods, err := h.GetPods(ctx, name)
	if err != nil {
		return Status{}, err
	}
	if len(pods) == 0 {
		return Status{Type: StatusRunning, Phase: "Pending"}, nil
	}

	anySucceeded := false
	allTerminal := true
	phase := ""
	for _, podName := range pods {
		pod, err := h.coreClient.CoreV1().Pods(h.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			return Status{}, err
		}
		phase = string(pod.Status.Phase)
		if _, terminal := terminalPhases[phase]; !terminal {
			allTerminal = false
		}
		if phase == PhaseSucceeded {
			anySucceeded = true
		}
	}

	switch {
	case !allTerminal:
		return Status{Type: StatusRunning, Phase: PhaseRunning}, nil
	case anySucceeded:
		return Status{Type: StatusSucceeded, Phase: PhaseSucceeded}, nil
	default:
		return Status{Type: StatusFailed, Phase: phase}, nil
	}
}

func (h *CRDHandler) Kill(ctx context.Context, name string) error {
	err := h.dynamicClient.Resource(h.spec.GVK).Namespace(h.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if isNotFound(err) {
		return nil
	}
	return err
}

// GetPods selects pods by the kind's own label scheme (h.spec's
// NameLabel/StaticLabels/NamePrefix), mirroring each training
// operator's distinct get_pods: TFJobHandler and PyTorchJobHandler key
// on their own job-name label plus a shared group-name label,
// MPIJobHandler keys on mpi_job_name plus a launcher role label, and
// PyTorchElasticJobHandler has no name label at all — it selects by
// group-name alone and filters the result to pods whose name starts
// with the job name.
func (h *CRDHandler) GetPods(ctx context.Context, name string) ([]string, error) {
	labels := make(map[string]string, len(h.spec.StaticLabels)+1)
	for k, v := range h.spec.StaticLabels {
		labels[k] = v
	}
	if h.spec.NameLabel != "" {
		labels[h.spec.NameLabel] = name
	}

	pods, err := podNamesForSelector(ctx, h.coreClient, h.namespace, labelSelector(labels))
	if err != nil {
		return nil, err
	}
	if !h.spec.NamePrefix {
		return pods, nil
	}

	matched := pods[:0]
	for _, pod := range pods {
		if strings.HasPrefix(pod, name) {
			matched = append(matched, pod)
		}
	}
	return matched, nil
}

// labelSelector renders labels as a k8s label selector string, keys
// sorted for a deterministic result.
func labelSelector(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, labels[k])
	}
	return strings.Join(parts, ",")
}

func (h *CRDHandler) GetEvents(ctx context.Context, name string) ([]Event, error) {
	return getEventsForKind(ctx, h.coreClient, h.namespace, name, h.spec.Kind)
}

// podSpecToUnstructured converts a corev1.PodSpec into the
// map[string]interface{} shape unstructured.SetNestedMap expects,
// wrapped in the {metadata, spec} pod-template envelope every
// training-operator replica spec embeds.
func podSpecToUnstructured(spec corev1.PodSpec, name string) (map[string]interface{}, error) {
	raw, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&spec)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"metadata": map[string]interface{}{
			"name": name,
		},
		"spec": raw,
	}, nil
}

