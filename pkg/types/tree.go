package types

import (
	"fmt"
	"time"
)

// TreeBuilder assembles a BuildTree, bracketing every container's user tasks
// with the synthetic bootstrap and teardown tasks
type TreeBuilder struct {
	tree      BuildTree
	stageSeq  int
	contSeq   map[string]int
	taskSeq   map[string]int
	lastStage string
	lastCont  string
	err       error
}

// NewTreeBuilder starts a build tree in QUEUE state
func NewTreeBuilder(buildID, projectID, pipelineID, startUser string) *TreeBuilder {
	return &TreeBuilder{
		tree: BuildTree{
			Build: Build{
				BuildID:    buildID,
				ProjectID:  projectID,
				PipelineID: pipelineID,
				Status:     BuildStatusQueue,
				StartUser:  startUser,
				StartTime:  time.Now(),
			},
		},
		contSeq: make(map[string]int),
		taskSeq: make(map[string]int),
	}
}

// Stage appends a stage
func (b *TreeBuilder) Stage(stageID string, failFast bool) *TreeBuilder {
	b.closeContainer()
	b.stageSeq++
	b.tree.Stages = append(b.tree.Stages, Stage{
		BuildID:  b.tree.Build.BuildID,
		StageID:  stageID,
		Seq:      b.stageSeq,
		Status:   BuildStatusQueue,
		FailFast: failFast,
	})
	b.lastStage = stageID
	return b
}

// Container appends a container to the last stage together with its bootstrap task
func (b *TreeBuilder) Container(containerID, containerType string) *TreeBuilder {
	if b.lastStage == "" {
		b.err = fmt.Errorf("container %s declared before any stage", containerID)
		return b
	}
	b.closeContainer()
	b.contSeq[b.lastStage]++
	b.tree.Containers = append(b.tree.Containers, Container{
		BuildID:       b.tree.Build.BuildID,
		StageID:       b.lastStage,
		ContainerID:   containerID,
		ContainerType: containerType,
		Seq:           b.contSeq[b.lastStage],
		Status:        BuildStatusQueue,
		ExecuteCount:  1,
	})
	b.lastCont = containerID
	b.appendTask(BootstrapTask(containerID))
	return b
}

// Task appends a user task to the last container
func (b *TreeBuilder) Task(taskID, taskName, params string) *TreeBuilder {
	if b.lastCont == "" {
		b.err = fmt.Errorf("task %s declared before any container", taskID)
		return b
	}
	b.appendTask(Task{
		TaskID:     taskID,
		TaskName:   taskName,
		Status:     BuildStatusQueue,
		TaskParams: params,
	})
	return b
}

// Build finalizes the tree
func (b *TreeBuilder) Build() (*BuildTree, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.closeContainer()
	tree := b.tree
	return &tree, nil
}

// MustBuild finalizes the tree and panics on a malformed declaration
func (b *TreeBuilder) MustBuild() *BuildTree {
	tree, err := b.Build()
	if err != nil {
		panic(err)
	}
	return tree
}

func (b *TreeBuilder) closeContainer() {
	if b.lastCont == "" {
		return
	}
	for _, t := range TeardownTasks(b.lastCont) {
		b.appendTask(t)
	}
	b.lastCont = ""
}

func (b *TreeBuilder) appendTask(t Task) {
	b.taskSeq[b.lastCont]++
	t.BuildID = b.tree.Build.BuildID
	t.ProjectID = b.tree.Build.ProjectID
	t.PipelineID = b.tree.Build.PipelineID
	t.StageID = b.lastStage
	t.ContainerID = b.lastCont
	t.TaskSeq = b.taskSeq[b.lastCont]
	t.ExecuteCount = 1
	b.tree.Tasks = append(b.tree.Tasks, t)
}
