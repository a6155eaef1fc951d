package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/buildflow/buildflow/pkg/types"
)

// Fixture is the YAML form of a build tree accepted by the seed command.
// Bootstrap and teardown tasks are added automatically.
type Fixture struct {
	BuildID    string         `yaml:"buildId"`
	ProjectID  string         `yaml:"projectId"`
	PipelineID string         `yaml:"pipelineId"`
	StartUser  string         `yaml:"startUser"`
	Stages     []FixtureStage `yaml:"stages"`
}

// FixtureStage is one stage of a Fixture
type FixtureStage struct {
	StageID    string             `yaml:"stageId"`
	FailFast   bool               `yaml:"failFast"`
	Containers []FixtureContainer `yaml:"containers"`
}

// FixtureContainer is one container of a FixtureStage
type FixtureContainer struct {
	ContainerID   string        `yaml:"containerId"`
	ContainerType string        `yaml:"containerType"`
	Tasks         []FixtureTask `yaml:"tasks"`
}

// FixtureTask is one user task; Params is encoded to the task's JSON params
type FixtureTask struct {
	TaskID   string                 `yaml:"taskId"`
	TaskName string                 `yaml:"taskName"`
	Params   map[string]interface{} `yaml:"params"`
}

// LoadFixture reads a fixture file
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return &f, nil
}

// Tree builds the fixture's build tree, overriding the build id when buildID is set
func (f *Fixture) Tree(buildID string) (*types.BuildTree, error) {
	if buildID == "" {
		buildID = f.BuildID
	}
	if buildID == "" {
		return nil, fmt.Errorf("fixture has no buildId")
	}

	b := types.NewTreeBuilder(buildID, f.ProjectID, f.PipelineID, f.StartUser)
	for _, s := range f.Stages {
		b.Stage(s.StageID, s.FailFast)
		for _, c := range s.Containers {
			b.Container(c.ContainerID, c.ContainerType)
			for _, t := range c.Tasks {
				params := "{}"
				if len(t.Params) > 0 {
					data, err := json.Marshal(t.Params)
					if err != nil {
						return nil, fmt.Errorf("task %s params: %w", t.TaskID, err)
					}
					params = string(data)
				}
				b.Task(t.TaskID, t.TaskName, params)
			}
		}
	}
	return b.Build()
}
