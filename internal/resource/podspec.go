package resource

import (
	"context"
	"path"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors2 "k8s.io/apimachinery/pkg/api/errors"
	resourcepkg "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/trainforge/trainforge/internal/api"
)

// taskIDEnv and credEnv are injected into every container so a task's
// own process can identify itself back to the store (the same
// convention write_outputs uses to find its own record without being
// told its label explicitly).
const (
	taskIDEnv      = "ODIN_TASK_ID"
	credEnv        = "ODIN_CRED"
	secretMountDir = "/etc/odind/"
	credSecretName = "trainforge-cred"
	credFileName   = "trainforge-cred.yml"
	sshKeySecret   = "ssh-key"
	sshKeyFileName = "identity"
)

// toolingCommandPrefix marks a task as one of this project's own
// bundled tools (as opposed to arbitrary user images), which get the
// credential/ssh secrets auto-injected the way _reference_secrets does.
const toolingCommandPrefix = "trainforge"

// BuildPodSpec translates a SubmitRequest plus the secrets/configmaps
// already resolved for it into a corev1.PodSpec, the shape every
// Pod/Job/Deployment submission (and the pod template embedded in each
// Kubeflow-style CRD) is built from.
func BuildPodSpec(req SubmitRequest, containerName string, secrets []api.Secret, configMaps []api.ConfigMapMount) corev1.PodSpec {
	limits := corev1.ResourceList{}
	requests := corev1.ResourceList{}
	if req.NumGPUs > 0 {
		limits["nvidia.com/gpu"] = *resourcepkg.NewQuantity(int64(req.NumGPUs), resourcepkg.DecimalSI)
	}
	if req.CPU != nil {
		if req.CPU.Limit != "" {
			limits[corev1.ResourceCPU] = resourcepkg.MustParse(req.CPU.Limit)
		}
		if req.CPU.Request != "" {
			requests[corev1.ResourceCPU] = resourcepkg.MustParse(req.CPU.Request)
		}
	}

	var secCtx corev1.PodSecurityContext
	if req.SecurityContext != nil {
		secCtx.FSGroup = req.SecurityContext.FSGroup
		secCtx.RunAsGroup = req.SecurityContext.RunAsGroup
		secCtx.RunAsUser = req.SecurityContext.RunAsUser
	}

	var volumeMounts []corev1.VolumeMount
	for _, m := range req.Mounts {
		volumeMounts = append(volumeMounts, corev1.VolumeMount{MountPath: m.Path, Name: m.Name})
	}
	for _, s := range secrets {
		volumeMounts = append(volumeMounts, corev1.VolumeMount{MountPath: s.Path, Name: s.Name, SubPath: s.SubPath})
	}
	for _, c := range configMaps {
		volumeMounts = append(volumeMounts, corev1.VolumeMount{MountPath: c.Path, Name: c.Name, SubPath: c.SubPath})
	}

	name := containerName
	if name == "" {
		name = req.Name
	}
	container := corev1.Container{
		Name:            name,
		Image:           req.Image,
		Command:         req.Command,
		Args:            req.Args,
		VolumeMounts:    volumeMounts,
		ImagePullPolicy: corev1.PullPolicy(req.PullPolicy),
		Resources: corev1.ResourceRequirements{
			Limits:   limits,
			Requests: requests,
		},
		Env: []corev1.EnvVar{
			{Name: taskIDEnv, Value: req.Name},
			{Name: credEnv, Value: path.Join(secretMountDir, credFileName)},
		},
	}

	var volumes []corev1.Volume
	for _, m := range req.Mounts {
		volumes = append(volumes, corev1.Volume{
			Name: m.Name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: m.Claim},
			},
		})
	}
	seenSecretVolumes := map[string]struct{}{}
	for _, s := range secrets {
		if _, ok := seenSecretVolumes[s.Name]; ok {
			continue
		}
		seenSecretVolumes[s.Name] = struct{}{}
		mode := s.Mode
		volumes = append(volumes, corev1.Volume{
			Name: s.Name,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: s.Name, DefaultMode: &mode},
			},
		})
	}
	seenConfigMapVolumes := map[string]struct{}{}
	for _, c := range configMaps {
		if _, ok := seenConfigMapVolumes[c.Name]; ok {
			continue
		}
		seenConfigMapVolumes[c.Name] = struct{}{}
		volumes = append(volumes, corev1.Volume{
			Name: c.Name,
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: c.Name}},
			},
		})
	}

	return corev1.PodSpec{
		Containers:       []corev1.Container{container},
		SecurityContext:  &secCtx,
		ImagePullSecrets: []corev1.LocalObjectReference{{Name: "registry"}},
		Volumes:          volumes,
		NodeSelector:     req.NodeSelector,
		RestartPolicy:    corev1.RestartPolicyNever,
	}
}

// ReferenceSecrets returns req's declared secrets augmented with the
// project's own credential/ssh secrets when the task's command starts
// with toolingCommandPrefix and the cluster actually has those secrets
// defined — the auto-injection supplemented feature ported from
// ResourceHandler._reference_secrets. A missing cluster secret is
// treated as "this task doesn't need it" rather than a submission
// failure.
func ReferenceSecrets(ctx context.Context, client kubernetes.Interface, namespace string, req SubmitRequest) []api.Secret {
	secrets := append([]api.Secret(nil), req.Secrets...)
	if len(req.Command) == 0 {
		return secrets
	}
	command := req.Command[0]

	if strings.HasPrefix(command, toolingCommandPrefix) {
		if _, err := client.CoreV1().Secrets(namespace).Get(ctx, credSecretName, metav1.GetOptions{}); err == nil {
			if !hasSecret(secrets, credSecretName) {
				secrets = append(secrets, api.Secret{
					Path: path.Join(secretMountDir, credFileName), Name: credSecretName, SubPath: credFileName, Mode: 0o644,
				})
			}
		}
	}
	if strings.HasPrefix(command, toolingCommandPrefix+"-chores") {
		if _, err := client.CoreV1().Secrets(namespace).Get(ctx, sshKeySecret, metav1.GetOptions{}); err == nil {
			if !hasSecret(secrets, sshKeySecret) {
				secrets = append(secrets, api.Secret{
					Path: path.Join(secretMountDir, sshKeyFileName), Name: sshKeySecret, SubPath: sshKeyFileName, Mode: 0o400,
				})
			}
		}
	}
	return secrets
}

// GenerateConfigMaps mirrors ReferenceSecrets for the ssh-config
// configmap pair a chores-prefixed task needs to reach internal git
// hosts over ssh.
func GenerateConfigMaps(ctx context.Context, client kubernetes.Interface, namespace string, req SubmitRequest) []api.ConfigMapMount {
	configMaps := append([]api.ConfigMapMount(nil), req.ConfigMaps...)
	if len(req.Command) == 0 || !strings.HasPrefix(req.Command[0], toolingCommandPrefix+"-chores") {
		return configMaps
	}
	if _, err := client.CoreV1().ConfigMaps(namespace).Get(ctx, "ssh-config", metav1.GetOptions{}); err == nil {
		configMaps = append(configMaps,
			api.ConfigMapMount{Path: "/etc/ssh/ssh_config", Name: "ssh-config", SubPath: "ssh_config"},
			api.ConfigMapMount{Path: "/etc/ssh/ssh_known_hosts", Name: "ssh-config", SubPath: "known_hosts"},
		)
	}
	return configMaps
}

func hasSecret(secrets []api.Secret, name string) bool {
	for _, s := range secrets {
		if s.Name == name {
			return true
		}
	}
	return false
}

// isNotFound reports whether err is the Kubernetes API's "not found"
// error; handlers use it to reduce a missing resource to StatusMissing
// instead of propagating a raw API error.
func isNotFound(err error) bool {
	return apierrors2.IsNotFound(err)
}
