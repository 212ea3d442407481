package resource

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/trainforge/trainforge/internal/api"
)

// PodHandler submits and tracks a task as a bare Pod: the default
// resource kind every task uses unless it asks for distributed
// training support.
type PodHandler struct {
	client    kubernetes.Interface
	namespace string
}

// NewPodHandler builds a PodHandler bound to namespace.
func NewPodHandler(client kubernetes.Interface, namespace string) *PodHandler {
	return &PodHandler{client: client, namespace: namespace}
}

func (h *PodHandler) Kind() string { return string(api.ResourcePod) }

func (h *PodHandler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	secrets := ReferenceSecrets(ctx, h.client, h.namespace, req)
	configMaps := GenerateConfigMaps(ctx, h.client, h.namespace, req)
	spec := BuildPodSpec(req, "", secrets, configMaps)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: req.Name},
		Spec:       spec,
	}
	created, err := h.client.CoreV1().Pods(h.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", err
	}
	return created.Name, nil
}

func (h *PodHandler) Status(ctx context.Context, name string) (Status, error) {
	pod, err := h.client.CoreV1().Pods(h.namespace).Get(ctx, name, metav1.GetOptions{})
	if isNotFound(err) {
		return Status{Type: StatusMissing, Message: "resource not found"}, nil
	}
	if err != nil {
		return Status{}, err
	}
	phase := string(pod.Status.Phase)
	return Status{Type: StatusFromPodPhase(phase), Phase: phase, Message: pod.Status.Message}, nil
}

func (h *PodHandler) Kill(ctx context.Context, name string) error {
	err := h.client.CoreV1().Pods(h.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (h *PodHandler) GetPods(ctx context.Context, name string) ([]string, error) {
	pod, err := h.client.CoreV1().Pods(h.namespace).Get(ctx, name, metav1.GetOptions{})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []string{pod.Name}, nil
}

func (h *PodHandler) GetEvents(ctx context.Context, name string) ([]Event, error) {
	return getEventsForKind(ctx, h.client, h.namespace, name, h.Kind())
}

// JobHandler submits and tracks a task as a batch Job, for tasks that
// want Kubernetes-managed completion bookkeeping a bare Pod doesn't
// provide. BackoffLimit is 0, so a failed pod is not retried.
type JobHandler struct {
	client    kubernetes.Interface
	namespace string
}

// NewJobHandler builds a JobHandler bound to namespace.
func NewJobHandler(client kubernetes.Interface, namespace string) *JobHandler {
	return &JobHandler{client: client, namespace: namespace}
}

func (h *JobHandler) Kind() string { return string(api.ResourceJob) }

func (h *JobHandler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	secrets := ReferenceSecrets(ctx, h.client, h.namespace, req)
	configMaps := GenerateConfigMaps(ctx, h.client, h.namespace, req)
	spec := BuildPodSpec(req, "", secrets, configMaps)
	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: req.Name},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Name: req.Name},
				Spec:       spec,
			},
		},
	}
	created, err := h.client.BatchV1().Jobs(h.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", err
	}
	return created.Name, nil
}

func (h *JobHandler) Status(ctx context.Context, name string) (Status, error) {
	job, err := h.client.BatchV1().Jobs(h.namespace).Get(ctx, name, metav1.GetOptions{})
	if isNotFound(err) {
		return Status{Type: StatusMissing, Message: "resource not found"}, nil
	}
	if err != nil {
		return Status{}, err
	}
	switch {
	case job.Status.Active > 0:
		return Status{Type: StatusRunning, Phase: PhaseRunning}, nil
	case job.Status.Failed > 0:
		return Status{Type: StatusFailed, Phase: "Failed"}, nil
	default:
		return Status{Type: StatusSucceeded, Phase: PhaseSucceeded}, nil
	}
}

func (h *JobHandler) Kill(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationForeground
	err := h.client.BatchV1().Jobs(h.namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (h *JobHandler) GetPods(ctx context.Context, name string) ([]string, error) {
	return podNamesForSelector(ctx, h.client, h.namespace, "job-name="+name)
}

func (h *JobHandler) GetEvents(ctx context.Context, name string) ([]Event, error) {
	return getEventsForKind(ctx, h.client, h.namespace, name, h.Kind())
}

// DeploymentHandler submits and tracks a task as a Deployment, for
// long-running service-shaped tasks rather than run-to-completion
// jobs.
type DeploymentHandler struct {
	client    kubernetes.Interface
	namespace string
}

// NewDeploymentHandler builds a DeploymentHandler bound to namespace.
func NewDeploymentHandler(client kubernetes.Interface, namespace string) *DeploymentHandler {
	return &DeploymentHandler{client: client, namespace: namespace}
}

func (h *DeploymentHandler) Kind() string { return string(api.ResourceDeployment) }

func (h *DeploymentHandler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	secrets := ReferenceSecrets(ctx, h.client, h.namespace, req)
	configMaps := GenerateConfigMaps(ctx, h.client, h.namespace, req)
	spec := BuildPodSpec(req, "", secrets, configMaps)
	spec.RestartPolicy = corev1.RestartPolicyAlways
	replicas := int32(1)
	labels := map[string]string{"trainforge/task": req.Name}
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: req.Name, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Name: req.Name, Labels: labels},
				Spec:       spec,
			},
		},
	}
	created, err := h.client.AppsV1().Deployments(h.namespace).Create(ctx, dep, metav1.CreateOptions{})
	if err != nil {
		return "", err
	}
	return created.Name, nil
}

func (h *DeploymentHandler) Status(ctx context.Context, name string) (Status, error) {
	dep, err := h.client.AppsV1().Deployments(h.namespace).Get(ctx, name, metav1.GetOptions{})
	if isNotFound(err) {
		return Status{Type: StatusMissing, Message: "resource not found"}, nil
	}
	if err != nil {
		return Status{}, err
	}
	if dep.Status.ReadyReplicas >= *dep.Spec.Replicas && dep.Status.ReadyReplicas > 0 {
		return Status{Type: StatusRunning, Phase: PhaseRunning}, nil
	}
	return Status{Type: StatusRunning, Phase: "Pending"}, nil
}

func (h *DeploymentHandler) Kill(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationForeground
	err := h.client.AppsV1().Deployments(h.namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (h *DeploymentHandler) GetPods(ctx context.Context, name string) ([]string, error) {
	return podNamesForSelector(ctx, h.client, h.namespace, "trainforge/task="+name)
}

func (h *DeploymentHandler) GetEvents(ctx context.Context, name string) ([]Event, error) {
	return getEventsForKind(ctx, h.client, h.namespace, name, h.Kind())
}

// ServiceHandler exposes a submitted Deployment-backed task on the
// cluster network. Kubernetes Services have no pods or pod status of
// their own, so Status reduces to "does the Service exist", and GetPods
// lists the pods the Service's selector matches.
type ServiceHandler struct {
	client    kubernetes.Interface
	namespace string
}

// NewServiceHandler builds a ServiceHandler bound to namespace.
func NewServiceHandler(client kubernetes.Interface, namespace string) *ServiceHandler {
	return &ServiceHandler{client: client, namespace: namespace}
}

func (h *ServiceHandler) Kind() string { return string(api.ResourceService) }

func (h *ServiceHandler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: req.Name},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"trainforge/task": req.Name},
			Ports:    []corev1.ServicePort{{Port: 80, TargetPort: intstr.FromInt(80)}},
		},
	}
	created, err := h.client.CoreV1().Services(h.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return "", err
	}
	return created.Name, nil
}

func (h *ServiceHandler) Status(ctx context.Context, name string) (Status, error) {
	_, err := h.client.CoreV1().Services(h.namespace).Get(ctx, name, metav1.GetOptions{})
	if isNotFound(err) {
		return Status{Type: StatusMissing, Message: "resource not found"}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{Type: StatusRunning, Phase: PhaseRunning}, nil
}

func (h *ServiceHandler) Kill(ctx context.Context, name string) error {
	err := h.client.CoreV1().Services(h.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (h *ServiceHandler) GetPods(ctx context.Context, name string) ([]string, error) {
	svc, err := h.client.CoreV1().Services(h.namespace).Get(ctx, name, metav1.GetOptions{})
	if isNotFound(err) || err != nil {
		return nil, err
	}
	return podNamesForSelector(ctx, h.client, h.namespace, fields.Set(svc.Spec.Selector).String())
}

func (h *ServiceHandler) GetEvents(ctx context.Context, name string) ([]Event, error) {
	return getEventsForKind(ctx, h.client, h.namespace, name, h.Kind())
}

func podNamesForSelector(ctx context.Context, client kubernetes.Interface, namespace, selector string) ([]string, error) {
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pods.Items))
	for _, p := range pods.Items {
		names = append(names, p.Name)
	}
	return names, nil
}

func getEventsForKind(ctx context.Context, client kubernetes.Interface, namespace, name, kind string) ([]Event, error) {
	selector := fmt.Sprintf("involvedObject.name=%s,involvedObject.namespace=%s,involvedObject.kind=%s", name, namespace, kind)
	events, err := client.CoreV1().Events("").List(ctx, metav1.ListOptions{FieldSelector: selector})
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(events.Items))
	for _, e := range events.Items {
		out = append(out, Event{
			Type:      e.Type,
			Reason:    e.Reason,
			Source:    e.Source.Component,
			Message:   e.Message,
			Timestamp: e.LastTimestamp.Time,
		})
	}
	return out, nil
}
