package pipelinefile

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
	"gotest.tools/assert"
)

// fixture mirrors rawFile/rawTask's shape using gopkg.in/yaml.v3's own
// tags, so this test builds its input document independently of the
// sigs.k8s.io/yaml parser under test rather than hand-writing a string.
type fixture struct {
	Name  string        `yaml:"name"`
	Tasks []fixtureTask `yaml:"tasks"`
}

type fixtureTask struct {
	Name    string   `yaml:"name"`
	Image   string   `yaml:"image"`
	Command []string `yaml:"command"`
	Args    []string `yaml:"args"`
	Depends []string `yaml:"depends,omitempty"`
}

func writeFixture(t *testing.T, dir string, f fixture) string {
	t.Helper()
	data, err := yaml.Marshal(f)
	assert.NilError(t, err)
	path := filepath.Join(dir, "main.yml")
	assert.NilError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadSubstitutesTemplateVariables(t *testing.T) {
	workDir := t.TempDir()
	dataDir := t.TempDir()

	writeFixture(t, workDir, fixture{
		Name: "train-flow",
		Tasks: []fixtureTask{
			{
				Name:    "prep",
				Image:   "busybox",
				Command: []string{"python"},
				Args:    []string{"prep.py", "--out=${TASK_PATH}/data", "--pipe=${PIPE_ID}"},
			},
			{
				Name:    "train",
				Image:   "busybox",
				Command: []string{"python"},
				Args:    []string{"train.py", "--work=${WORK_PATH}"},
				Depends: []string{"prep"},
			},
		},
	})

	pipeline, err := Load(Options{WorkDir: workDir, RootDir: "/root", DataDir: dataDir})
	assert.NilError(t, err)
	assert.Equal(t, len(pipeline.Tasks), 2)

	prep := pipeline.Tasks[0]
	assert.Equal(t, prep.Name, "prep")
	expectedTaskPath := filepath.Join(dataDir, pipeline.Context.PipelineID, "prep")
	assert.Equal(t, prep.Args[1], "--out="+expectedTaskPath+"/data")
	assert.Equal(t, prep.Args[2], "--pipe="+pipeline.Context.PipelineID)

	train := pipeline.Tasks[1]
	assert.Equal(t, train.Args[1], "--work="+workDir)
	assert.Equal(t, len(train.Depends), 1)
	assert.Equal(t, train.Depends[0], "prep")

	info, err := os.Stat(expectedTaskPath)
	assert.NilError(t, err)
	assert.Assert(t, info.IsDir())
}

func TestLoadDeterministicPipelineID(t *testing.T) {
	workDir := t.TempDir()
	writeFixture(t, workDir, fixture{
		Name: "train-flow",
		Tasks: []fixtureTask{
			{Name: "only", Image: "busybox", Command: []string{"echo"}, Args: []string{"hi"}},
		},
	})

	pipeline, err := Load(Options{WorkDir: workDir, PipelineID: "abc123"})
	assert.NilError(t, err)
	assert.Equal(t, pipeline.Context.PipelineID, "train-flow-abc123")
}

func TestLoadRejectsInvalidPipelineName(t *testing.T) {
	workDir := t.TempDir()
	writeFixture(t, workDir, fixture{
		Name: "Not_A_Valid_Name!",
		Tasks: []fixtureTask{
			{Name: "only", Image: "busybox", Command: []string{"echo"}, Args: []string{"hi"}},
		},
	})

	_, err := Load(Options{WorkDir: workDir})
	assert.ErrorContains(t, err, "pipeline name must match")
}

func TestLoadFailsOnUndefinedTemplateVariable(t *testing.T) {
	workDir := t.TempDir()
	writeFixture(t, workDir, fixture{
		Name: "train-flow",
		Tasks: []fixtureTask{
			{Name: "only", Image: "busybox", Command: []string{"echo"}, Args: []string{"${NOT_A_REAL_VAR}"}},
		},
	})

	_, err := Load(Options{WorkDir: workDir})
	assert.ErrorContains(t, err, "undefined template variable")
}

func TestLoadAcceptsInlineYAMLDocument(t *testing.T) {
	workDir := t.TempDir()
	f := fixture{
		Name: "inline-flow",
		Tasks: []fixtureTask{
			{Name: "only", Image: "busybox", Command: []string{"echo"}, Args: []string{"${PIPE_ID}"}},
		},
	}
	data, err := yaml.Marshal(f)
	assert.NilError(t, err)

	pipeline, err := Load(Options{WorkDir: workDir, MainFile: string(data)})
	assert.NilError(t, err)
	assert.Equal(t, pipeline.Tasks[0].Args[0], pipeline.Context.PipelineID)
}
