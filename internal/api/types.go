// Package api defines the pipeline and task data model shared by every
// executor component: the wire/storage shapes for pipelines and tasks,
// resource-kind and status enums, and the label helpers used to derive
// child task labels from a pipeline label.
package api

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResourceKind enumerates the Kubernetes workload kinds a task can
// materialize as.
type ResourceKind string

const (
	ResourcePod           ResourceKind = "Pod"
	ResourceJob           ResourceKind = "Job"
	ResourceDeployment    ResourceKind = "Deployment"
	ResourceService       ResourceKind = "Service"
	ResourceTFJob         ResourceKind = "TFJob"
	ResourcePyTorchJob    ResourceKind = "PyTorchJob"
	ResourceMPIJob        ResourceKind = "MPIJob"
	ResourceElasticJob    ResourceKind = "ElasticJob"
	DefaultResourceKind                = ResourcePod
)

// PipelineStatus is the pipeline-level lifecycle state.
type PipelineStatus string

const (
	PipelineBuilding   PipelineStatus = "BUILDING"
	PipelineRunning    PipelineStatus = "RUNNING"
	PipelineDone       PipelineStatus = "DONE"
	PipelineTerminated PipelineStatus = "TERMINATED"
)

// CachedResourceID is the sentinel resource_id value recorded for a
// task that was skipped because its input fingerprint hit in the cache.
const CachedResourceID = "Cached"

// NameRegexp matches Kubernetes DNS-compatible pipeline and task names.
var NameRegexp = regexp.MustCompile(`^[a-z0-9\-.]+$`)

// ValidatePipelineName reports whether name is a legal pipeline name.
func ValidatePipelineName(name string) bool {
	return NameRegexp.MatchString(name)
}

// ChildLabelSeparator appears only in child labels, used to distinguish
// a parent (pipeline) label from a child (task) label by substring.
const ChildLabelSeparator = "j--"

// GenerateLabel builds a new pipeline label from a user-chosen base
// name, suffixing it with a short random token and the trailing "j"
// that disambiguates parent labels from child labels.
func GenerateLabel(base string) string {
	return fmt.Sprintf("%s-%sj", base, shortID())
}

// ChildLabel builds a task's unique label from its pipeline label and
// its local (in-pipeline) task name.
func ChildLabel(pipelineID, taskName string) string {
	return pipelineID + "--" + taskName
}

// IsChildLabel reports whether label is a child (task) label, using the
// "j--" substring convention rather than a parsed structure.
func IsChildLabel(label string) bool {
	return strings.Contains(label, ChildLabelSeparator)
}

// shortID returns the first 8 hex characters of a fresh random (v4)
// UUID, with its hyphens stripped: the lowercase alphanumeric token
// GenerateLabel suffixes a pipeline's base name with.
func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Secret describes a secret mounted into a task's container.
type Secret struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	SubPath string `json:"sub_path,omitempty"`
	Mode    int32  `json:"mode,omitempty"`
}

// ConfigMapMount describes a config-map mounted into a task's container.
type ConfigMapMount struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	SubPath string `json:"sub_path,omitempty"`
}

// VolumeMount describes a persistent-volume-claim volume mounted into a
// task's container.
type VolumeMount struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	Claim string `json:"claim"`
}

// CPUResources carries optional CPU limit/request strings (Kubernetes
// quantity syntax, e.g. "4", "500m").
type CPUResources struct {
	Limit   string `json:"limit,omitempty"`
	Request string `json:"request,omitempty"`
}

// SecurityContext carries optional pod-level security context fields.
type SecurityContext struct {
	FSGroup    *int64 `json:"fs_group,omitempty"`
	RunAsUser  *int64 `json:"run_as_user,omitempty"`
	RunAsGroup *int64 `json:"run_as_group,omitempty"`
}

// TaskDefinition is the declarative, user-authored unit of work within
// a pipeline.
type TaskDefinition struct {
	Name            string
	Image           string
	Command         []string
	Args            []string
	ResourceType    ResourceKind
	NumGPUs         int
	NumWorkers      int
	NodeSelector    map[string]string
	Mounts          []VolumeMount
	Secrets         []Secret
	ConfigMaps      []ConfigMapMount
	CPU             *CPUResources
	SecurityContext *SecurityContext
	PullPolicy      string
	Inputs          []string
	Outputs         map[string][]string
	Depends         []string
}

// PipelineDefinition is an ordered sequence of tasks plus a pipeline name.
type PipelineDefinition struct {
	Name  string
	Tasks []TaskDefinition
}

// PipelineRecord is the persisted pipeline-level status record (C1,
// stored under the pipeline label).
type PipelineRecord struct {
	PipelineID     string         `json:"label"`
	JobName        string         `json:"job_name"`
	Revision       string         `json:"version,omitempty"`
	Status         PipelineStatus `json:"status"`
	Executed       []string       `json:"executed"`
	Executing      []string       `json:"executing"`
	Waiting        []string       `json:"waiting"`
	Jobs           []string       `json:"jobs"`
	SubmitTime     *time.Time     `json:"submit_time,omitempty"`
	CompletionTime *time.Time     `json:"completion_time,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
}

// Label implements store.Record.
func (p *PipelineRecord) Label() string { return p.PipelineID }

// Parent implements store.Record: pipeline records have no parent.
func (p *PipelineRecord) Parent() string { return "" }

// TaskRecord is the persisted per-task status record (C1, stored under
// the task's child label).
type TaskRecord struct {
	TaskLabel         string              `json:"label"`
	ParentLabel       string              `json:"parent"`
	Name              string              `json:"name"`
	Command           []string            `json:"command"`
	Image             string              `json:"image"`
	Args              []string            `json:"args"`
	ResourceType      ResourceKind        `json:"resource_type"`
	NodeSelector      map[string]string   `json:"node_selector,omitempty"`
	PullPolicy        string              `json:"pull_policy,omitempty"`
	NumGPUs           int                 `json:"num_gpus,omitempty"`
	NumWorkers        int                 `json:"num_workers,omitempty"`
	Inputs            []string            `json:"inputs,omitempty"`
	Outputs           map[string][]string `json:"outputs,omitempty"`
	ResourceID        string              `json:"resource_id,omitempty"`
	SubmitTime        *time.Time          `json:"submit_time,omitempty"`
	CompletionTime    *time.Time          `json:"completion_time,omitempty"`
	OutputsExtra      map[string]any      `json:"outputs_extra,omitempty"`
	RequestEarlyExit  bool                `json:"request_early_exit,omitempty"`
}

// Label implements store.Record.
func (t *TaskRecord) Label() string { return t.TaskLabel }

// Parent implements store.Record.
func (t *TaskRecord) Parent() string { return t.ParentLabel }

// ToRecord copies a task definition's fields into a fresh TaskRecord for
// the given pipeline/child label pair, the way the executor seeds a
// task's store entry before the pipeline starts running it.
func ToRecord(pipelineID, childLabel string, def TaskDefinition) *TaskRecord {
	resourceType := def.ResourceType
	if resourceType == "" {
		resourceType = DefaultResourceKind
	}
	return &TaskRecord{
		TaskLabel:    childLabel,
		ParentLabel:  pipelineID,
		Name:         def.Name,
		Command:      append([]string(nil), def.Command...),
		Image:        def.Image,
		Args:         append([]string(nil), def.Args...),
		ResourceType: resourceType,
		NodeSelector: def.NodeSelector,
		PullPolicy:   def.PullPolicy,
		NumGPUs:      def.NumGPUs,
		NumWorkers:   def.NumWorkers,
		Inputs:       append([]string(nil), def.Inputs...),
		Outputs:      def.Outputs,
	}
}
