package resource

import (
	"context"
	"regexp"
	"sort"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// imageDigestPattern extracts the sha256 digest suffix from a
// container's image_id field, which looks like
// "docker-pullable://registry/repo/image@sha256:<digest>".
var imageDigestPattern = regexp.MustCompile(`@sha256:(.*)$`)

// ContainerImageDigests reads back the resolved image digest for every
// container in the named pod, sorted by image name. A probe task is
// submitted with a dummy "sleep" command so its containers start
// without doing real work; once it is running, Kubernetes has already
// pulled the image and stamped each container's ImageID with the
// digest actually running, which is the cache-invalidation signal the
// hash cache keys on — an image tag that floats can still change
// silently, but this digest can't.
func ContainerImageDigests(ctx context.Context, client kubernetes.Interface, namespace, podName string) ([]string, error) {
	pod, err := client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	var statuses []struct {
		image   string
		imageID string
	}
	for _, cs := range pod.Status.ContainerStatuses {
		statuses = append(statuses, struct {
			image   string
			imageID string
		}{image: cs.Image, imageID: cs.ImageID})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].image < statuses[j].image })

	var digests []string
	for _, s := range statuses {
		if m := imageDigestPattern.FindStringSubmatch(s.imageID); m != nil {
			digests = append(digests, m[1])
		}
	}
	return digests, nil
}
