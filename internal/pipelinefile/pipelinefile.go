// Package pipelinefile loads a pipeline definition from its YAML file
// (or an inline YAML document) and runs the first of the orchestrator's
// two substitution passes over every task's arguments: the template
// variables naming the pipeline's directory layout (${WORK_PATH},
// ${TASK_PATH}, ...). The second pass — resolving `^`-references
// against prior tasks' recorded outputs — has nothing to read until the
// pipeline is actually running, and belongs to internal/reference and
// internal/executor instead.
package pipelinefile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/trainforge/trainforge/internal/api"
	apierrors "github.com/trainforge/trainforge/internal/errors"
	"github.com/trainforge/trainforge/internal/workdir"
)

// Context variable names a task's args/inputs may reference via
// $NAME or ${NAME}, mirrored from the Python original's constants.
const (
	keyWorkPath   = "WORK_PATH"
	keyRootPath   = "ROOT_PATH"
	keyDataPath   = "DATA_PATH"
	keyRunPath    = "RUN_PATH"
	keyPipelineID = "PIPE_ID"
	keyTaskIDs    = "TASK_IDS"
	keyTaskID     = "TASK_ID"
	keyTaskName   = "TASK_NAME"
	keyTaskPath   = "TASK_PATH"
)

// Options configures Load.
type Options struct {
	// WorkDir is the directory the pipeline definition lives in.
	WorkDir string
	// RootDir is the directory holding global, cross-pipeline config.
	RootDir string
	// DataDir is where this pipeline's run directories are created.
	// Defaults to WorkDir.
	DataDir string
	// MainFile is the pipeline definition: a path to a YAML file, or —
	// if no file exists at that path — the literal YAML text itself.
	// Defaults to "<WorkDir>/main.yml".
	MainFile string
	// PipelineID, given, is appended to the validated base name instead
	// of generating a random suffix. Used to make a run's label
	// deterministic (e.g. a caller-supplied idempotency key).
	PipelineID string
}

// Context is the set of pipeline-scoped template variables substituted
// into every task's args and inputs, plus the generated pipeline label.
type Context struct {
	PipelineID string
	WorkPath   string
	RootPath   string
	DataPath   string
	RunPath    string
	TaskIDs    []string
}

// Pipeline is a loaded, template-substituted pipeline definition ready
// for the DAG builder.
type Pipeline struct {
	Context Context
	Tasks   []api.TaskDefinition
}

type rawFile struct {
	Name  string    `json:"name"`
	Tasks []rawTask `json:"tasks"`
}

type rawTask struct {
	Name            string               `json:"name"`
	Image           string               `json:"image"`
	Command         []string             `json:"command"`
	Args            []string             `json:"args"`
	ResourceType    string               `json:"resource_type"`
	NumGPUs         int                  `json:"num_gpus"`
	NumWorkers      int                  `json:"num_workers"`
	NodeSelector    map[string]string    `json:"node_selector"`
	Mounts          []api.VolumeMount    `json:"mounts"`
	Secrets         []api.Secret         `json:"secrets"`
	ConfigMaps      []api.ConfigMapMount `json:"config_maps"`
	CPU             *api.CPUResources    `json:"cpu"`
	SecurityContext *api.SecurityContext `json:"security_context"`
	PullPolicy      string               `json:"pull_policy"`
	Inputs          []string             `json:"inputs"`
	Outputs         map[string][]string  `json:"outputs"`
	Depends         []string             `json:"depends"`
}

// Load reads a pipeline definition, validates and mints its label, and
// substitutes every task's pipeline- and task-scoped template variables
// into its args and inputs. It also creates each task's run directory
// on disk (<DataDir>/<label>/<task name>/), since TASK_PATH names a
// location the task's container expects to already exist.
func Load(opts Options) (*Pipeline, error) {
	doc, err := readDocument(opts)
	if err != nil {
		return nil, err
	}

	var raw rawFile
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, apierrors.Wrap(err, "parse pipeline definition")
	}

	basename := raw.Name
	if basename == "" {
		basename = "flow"
	}
	if !api.ValidatePipelineName(basename) {
		return nil, apierrors.NewDAGError("pipeline name must match %s, got %q", api.NameRegexp.String(), basename)
	}

	pipelineID := opts.PipelineID
	var label string
	if pipelineID == "" {
		label = api.GenerateLabel(basename)
	} else {
		label = fmt.Sprintf("%s-%s", basename, pipelineID)
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = opts.WorkDir
	}
	dirs := workdir.New(dataDir)
	runDir := dirs.PipelineDir(label)

	taskIDs := make([]string, len(raw.Tasks))
	for i, t := range raw.Tasks {
		taskIDs[i] = api.ChildLabel(label, t.Name)
	}

	pipelineVars := map[string]string{
		keyWorkPath:   opts.WorkDir,
		keyRootPath:   opts.RootDir,
		keyPipelineID: label,
		keyTaskIDs:    strings.Join(taskIDs, ","),
		keyDataPath:   dataDir,
		keyRunPath:    runDir,
	}

	tasks := make([]api.TaskDefinition, len(raw.Tasks))
	for i, t := range raw.Tasks {
		taskDir := dirs.TaskDir(label, t.Name)
		if err := dirs.Ensure(taskDir); err != nil {
			return nil, apierrors.Wrap(err, fmt.Sprintf("create run directory for task %q", t.Name))
		}

		vars := make(map[string]string, len(pipelineVars)+3)
		for k, v := range pipelineVars {
			vars[k] = v
		}
		vars[keyTaskID] = taskIDs[i]
		vars[keyTaskName] = t.Name
		vars[keyTaskPath] = taskDir

		args := make([]string, len(t.Args))
		for j, a := range t.Args {
			resolved, err := substitute(a, vars)
			if err != nil {
				return nil, apierrors.Wrap(err, fmt.Sprintf("task %q arg %d", t.Name, j))
			}
			args[j] = resolved
		}

		inputs := make([]string, len(t.Inputs))
		for j, in := range t.Inputs {
			resolved, err := substitute(in, vars)
			if err != nil {
				return nil, apierrors.Wrap(err, fmt.Sprintf("task %q input %d", t.Name, j))
			}
			inputs[j] = resolved
		}

		tasks[i] = api.TaskDefinition{
			Name:            t.Name,
			Image:           t.Image,
			Command:         t.Command,
			Args:            args,
			ResourceType:    api.ResourceKind(t.ResourceType),
			NumGPUs:         t.NumGPUs,
			NumWorkers:      t.NumWorkers,
			NodeSelector:    t.NodeSelector,
			Mounts:          t.Mounts,
			Secrets:         t.Secrets,
			ConfigMaps:      t.ConfigMaps,
			CPU:             t.CPU,
			SecurityContext: t.SecurityContext,
			PullPolicy:      t.PullPolicy,
			Inputs:          inputs,
			Outputs:         t.Outputs,
			Depends:         t.Depends,
		}
	}

	return &Pipeline{
		Context: Context{
			PipelineID: label,
			WorkPath:   opts.WorkDir,
			RootPath:   opts.RootDir,
			DataPath:   dataDir,
			RunPath:    runDir,
			TaskIDs:    taskIDs,
		},
		Tasks: tasks,
	}, nil
}

// readDocument resolves opts.MainFile (or its default) to the raw YAML
// bytes to parse: a file on disk if one exists at that path, otherwise
// the string content itself, the way the original loader accepts a
// path or an inline document interchangeably.
func readDocument(opts Options) ([]byte, error) {
	mainFile := opts.MainFile
	if mainFile == "" {
		mainFile = filepath.Join(opts.WorkDir, "main.yml")
	}
	if info, err := os.Stat(mainFile); err == nil && !info.IsDir() {
		data, err := os.ReadFile(mainFile)
		if err != nil {
			return nil, apierrors.Wrap(err, "read pipeline definition file")
		}
		return data, nil
	}
	return []byte(mainFile), nil
}

// templateRef matches a $NAME or ${NAME} placeholder, the two forms
// Python's string.Template accepts.
var templateRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substitute replaces every $NAME/${NAME} placeholder in s with vars'
// value for NAME, failing closed (unlike os.Expand, which silently
// drops unknown names) the way string.Template.substitute raises
// KeyError on a name the context doesn't define.
func substitute(s string, vars map[string]string) (string, error) {
	var missing string
	result := templateRef.ReplaceAllStringFunc(s, func(m string) string {
		sub := templateRef.FindStringSubmatch(m)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		val, ok := vars[name]
		if !ok {
			missing = name
			return m
		}
		return val
	})
	if missing != "" {
		return "", fmt.Errorf("undefined template variable %q", missing)
	}
	return result, nil
}
