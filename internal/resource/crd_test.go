package resource

import (
	"context"
	"testing"

	"gotest.tools/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"
)

func newLabeledPod(name, namespace string, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels}}
}

func TestCRDHandlerGetPodsUsesPerKindSelector(t *testing.T) {
	cases := []struct {
		name   string
		spec   CRDSpec
		pod    *corev1.Pod
		noise  *corev1.Pod // a pod that must NOT match this kind's selector
	}{
		{
			name: "tfjob",
			spec: tfJobSpec,
			pod:  newLabeledPod("tf-0", "default", map[string]string{"tf-job-name": "flow-1", "group-name": "kubeflow.org"}),
			noise: newLabeledPod("mpi-0", "default", map[string]string{"mpi_job_name": "flow-1", "mpi_role_type": "launcher"}),
		},
		{
			name: "pytorchjob",
			spec: pyTorchJobSpec,
			pod:  newLabeledPod("pt-0", "default", map[string]string{"pytorch-job-name": "flow-1", "group-name": "kubeflow.org"}),
			noise: newLabeledPod("tf-0", "default", map[string]string{"tf-job-name": "flow-1", "group-name": "kubeflow.org"}),
		},
		{
			name: "mpijob",
			spec: mpiJobSpec,
			pod:  newLabeledPod("mpi-0", "default", map[string]string{"mpi_job_name": "flow-1", "mpi_role_type": "launcher"}),
			noise: newLabeledPod("mpi-worker-0", "default", map[string]string{"mpi_job_name": "flow-1", "mpi_role_type": "worker"}),
		},
		{
			name: "elasticjob",
			spec: elasticJobSpec,
			pod:  newLabeledPod("flow-1-worker-0", "default", map[string]string{"group-name": "elastic.pytorch.org"}),
			noise: newLabeledPod("flow-2-worker-0", "default", map[string]string{"group-name": "elastic.pytorch.org"}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := k8sfake.NewSimpleClientset(tc.pod, tc.noise)
			h := NewCRDHandler(nil, client, "default", tc.spec)

			pods, err := h.GetPods(context.Background(), "flow-1")
			assert.NilError(t, err)
			assert.Equal(t, len(pods), 1)
			assert.Equal(t, pods[0], tc.pod.Name)
		})
	}
}

func TestLabelSelectorSortsKeysDeterministically(t *testing.T) {
	got := labelSelector(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, got, "a=1,b=2")
}
