package resource

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/trainforge/trainforge/internal/api"
)

// kubeflowGroup is the API group every training-operator CRD this
// project dispatches to shares.
const kubeflowGroup = "kubeflow.org"

// tfJobSpec, pyTorchJobSpec, mpiJobSpec, and elasticJobSpec describe
// where each training-operator CRD keeps its pod template and replica
// count, and how its pods are labelled. Each operator names its default
// replica role differently (Worker vs. Launcher/Worker vs. worker),
// so every kind gets its own CRDSpec even though CRDHandler's logic is
// shared. Each also carries its own pod label scheme, lifted from the
// corresponding handler's get_pods: TFJobHandler/PyTorchJobHandler key
// on a job-name label plus a shared group-name label, MPIJobHandler
// keys on mpi_job_name plus a launcher role label, and
// PyTorchElasticJobHandler has no name label at all, selecting on
// group-name and filtering by pod name prefix instead.
var (
	tfJobSpec = CRDSpec{
		GVK:           schema.GroupVersionResource{Group: kubeflowGroup, Version: "v1", Resource: "tfjobs"},
		Kind:          string(api.ResourceTFJob),
		PrePaths:      []string{"spec", "tfReplicaSpecs", "Worker"},
		TemplatePaths: []string{"template"},
		ReplicasPaths: []string{"replicas"},
		NameLabel:     "tf-job-name",
		StaticLabels:  map[string]string{"group-name": kubeflowGroup},
	}
	pyTorchJobSpec = CRDSpec{
		GVK:           schema.GroupVersionResource{Group: kubeflowGroup, Version: "v1", Resource: "pytorchjobs"},
		Kind:          string(api.ResourcePyTorchJob),
		PrePaths:      []string{"spec", "pytorchReplicaSpecs", "Worker"},
		TemplatePaths: []string{"template"},
		ReplicasPaths: []string{"replicas"},
		NameLabel:     "pytorch-job-name",
		StaticLabels:  map[string]string{"group-name": kubeflowGroup},
	}
	mpiJobSpec = CRDSpec{
		GVK:           schema.GroupVersionResource{Group: kubeflowGroup, Version: "v2beta1", Resource: "mpijobs"},
		Kind:          string(api.ResourceMPIJob),
		PrePaths:      []string{"spec", "mpiReplicaSpecs", "Launcher"},
		TemplatePaths: []string{"template"},
		ReplicasPaths: []string{"replicas"},
		NameLabel:     "mpi_job_name",
		StaticLabels:  map[string]string{"mpi_role_type": "launcher"},
	}
	elasticJobSpec = CRDSpec{
		GVK:           schema.GroupVersionResource{Group: kubeflowGroup, Version: "v1alpha1", Resource: "elasticjobs"},
		Kind:          string(api.ResourceElasticJob),
		PrePaths:      []string{"spec", "replicaSpecs", "worker"},
		TemplatePaths: []string{"template"},
		ReplicasPaths: []string{"replicas"},
		StaticLabels:  map[string]string{"group-name": "elastic.pytorch.org"},
		NamePrefix:    true,
	}
)

// defaultRegistrations lists every resource kind the task manager
// knows how to build a Handler factory for.
func defaultRegistrations(coreClient kubernetes.Interface, dynamicClient dynamic.Interface) []struct {
	name    string
	aliases []string
	factory Factory
} {
	return []struct {
		name    string
		aliases []string
		factory Factory
	}{
		{string(api.ResourcePod), nil, func(ns string) Handler { return NewPodHandler(coreClient, ns) }},
		{string(api.ResourceJob), nil, func(ns string) Handler { return NewJobHandler(coreClient, ns) }},
		{string(api.ResourceDeployment), nil, func(ns string) Handler { return NewDeploymentHandler(coreClient, ns) }},
		{string(api.ResourceService), nil, func(ns string) Handler { return NewServiceHandler(coreClient, ns) }},
		{string(api.ResourceTFJob), nil, func(ns string) Handler { return NewCRDHandler(dynamicClient, coreClient, ns, tfJobSpec) }},
		{string(api.ResourcePyTorchJob), nil, func(ns string) Handler { return NewCRDHandler(dynamicClient, coreClient, ns, pyTorchJobSpec) }},
		{string(api.ResourceMPIJob), nil, func(ns string) Handler { return NewCRDHandler(dynamicClient, coreClient, ns, mpiJobSpec) }},
		{string(api.ResourceElasticJob), nil, func(ns string) Handler { return NewCRDHandler(dynamicClient, coreClient, ns, elasticJobSpec) }},
	}
}

// RegisterDefaults wires every resource kind the task manager knows
// about into registry, the way odin's handler modules register
// themselves with KubernetesTaskManager at import time. Called once at
// start of day; a second call — or any kind name collision — is a
// programming error surfaced by Registry.Register's raises semantics.
func RegisterDefaults(registry *Registry, coreClient kubernetes.Interface, dynamicClient dynamic.Interface) error {
	for _, r := range defaultRegistrations(coreClient, dynamicClient) {
		if err := registry.Register(r.name, r.aliases, r.factory); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSelected wires only the named kinds into registry, the way a
// deployment's module list (config.Config.Modules) trims which
// handlers — and which k8s API groups the process needs RBAC for — get
// registered. An unknown kind name is a configuration error.
func RegisterSelected(registry *Registry, coreClient kubernetes.Interface, dynamicClient dynamic.Interface, kinds []string) error {
	byName := make(map[string]struct {
		name    string
		aliases []string
		factory Factory
	})
	for _, r := range defaultRegistrations(coreClient, dynamicClient) {
		byName[r.name] = r
	}

	for _, kind := range kinds {
		r, ok := byName[kind]
		if !ok {
			return fmt.Errorf("unknown resource module %q", kind)
		}
		if err := registry.Register(r.name, r.aliases, r.factory); err != nil {
			return err
		}
	}
	return nil
}
