// Package types provides the core build model and configuration types for buildflow
package types

import (
	"time"
)

// BuildStatus represents the lifecycle state of a build, stage, container or task
type BuildStatus string

const (
	BuildStatusQueue     BuildStatus = "QUEUE"
	BuildStatusRunning   BuildStatus = "RUNNING"
	BuildStatusPause     BuildStatus = "PAUSE"
	BuildStatusReviewing BuildStatus = "REVIEWING"
	BuildStatusCanceled  BuildStatus = "CANCELED"
	BuildStatusSucceed   BuildStatus = "SUCCEED"
	BuildStatusFailed    BuildStatus = "FAILED"
	BuildStatusSkip      BuildStatus = "SKIP"
)

// IsFinish reports whether the status is terminal
func (s BuildStatus) IsFinish() bool {
	switch s {
	case BuildStatusCanceled, BuildStatusSucceed, BuildStatusFailed, BuildStatusSkip:
		return true
	}
	return false
}

// IsActive reports whether the status holds a container's single execution slot
func (s BuildStatus) IsActive() bool {
	switch s {
	case BuildStatusRunning, BuildStatusPause, BuildStatusReviewing:
		return true
	}
	return false
}

// IsSuccess reports whether the status is a successful terminal status
func (s BuildStatus) IsSuccess() bool {
	return s == BuildStatusSucceed || s == BuildStatusSkip
}

// IsValid reports whether the status is one of the known statuses
func (s BuildStatus) IsValid() bool {
	switch s {
	case BuildStatusQueue, BuildStatusRunning, BuildStatusPause, BuildStatusReviewing,
		BuildStatusCanceled, BuildStatusSucceed, BuildStatusFailed, BuildStatusSkip:
		return true
	}
	return false
}

// Build identifies one pipeline execution
type Build struct {
	BuildID    string      `json:"buildId" yaml:"buildId"`
	ProjectID  string      `json:"projectId" yaml:"projectId"`
	PipelineID string      `json:"pipelineId" yaml:"pipelineId"`
	Status     BuildStatus `json:"status" yaml:"status"`
	StartUser  string      `json:"startUser,omitempty" yaml:"startUser,omitempty"`
	CancelUser string      `json:"cancelUser,omitempty" yaml:"cancelUser,omitempty"`
	StartTime  time.Time   `json:"startTime,omitempty" yaml:"startTime,omitempty"`
	EndTime    time.Time   `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	Version    int64       `json:"version" yaml:"-"`
}

// Stage is an ordered group of containers within a build
type Stage struct {
	BuildID   string      `json:"buildId" yaml:"-"`
	StageID   string      `json:"stageId" yaml:"stageId"`
	Seq       int         `json:"seq" yaml:"seq"`
	Status    BuildStatus `json:"status" yaml:"status"`
	FailFast  bool        `json:"failFast,omitempty" yaml:"failFast,omitempty"`
	StartTime time.Time   `json:"startTime,omitempty" yaml:"-"`
	EndTime   time.Time   `json:"endTime,omitempty" yaml:"-"`
	Version   int64       `json:"version" yaml:"-"`
}

// Container is an ordered group of tasks executed by one agent
type Container struct {
	BuildID       string      `json:"buildId" yaml:"-"`
	StageID       string      `json:"stageId" yaml:"-"`
	ContainerID   string      `json:"containerId" yaml:"containerId"`
	ContainerType string      `json:"containerType" yaml:"containerType"`
	Seq           int         `json:"seq" yaml:"seq"`
	Status        BuildStatus `json:"status" yaml:"status"`
	ExecuteCount  int         `json:"executeCount" yaml:"executeCount"`
	StartTime     time.Time   `json:"startTime,omitempty" yaml:"-"`
	EndTime       time.Time   `json:"endTime,omitempty" yaml:"-"`
	Version       int64       `json:"version" yaml:"-"`
}

// Task is the atomic unit of work inside a container
type Task struct {
	BuildID      string      `json:"buildId" yaml:"-"`
	ProjectID    string      `json:"projectId" yaml:"-"`
	PipelineID   string      `json:"pipelineId" yaml:"-"`
	StageID      string      `json:"stageId" yaml:"-"`
	ContainerID  string      `json:"containerId" yaml:"-"`
	TaskID       string      `json:"taskId" yaml:"taskId"`
	TaskName     string      `json:"taskName" yaml:"taskName"`
	TaskSeq      int         `json:"taskSeq" yaml:"taskSeq"`
	Status       BuildStatus `json:"status" yaml:"status"`
	ExecuteCount int         `json:"executeCount" yaml:"executeCount"`
	TaskParams   string      `json:"taskParams,omitempty" yaml:"taskParams,omitempty"`
	StartTime    time.Time   `json:"startTime,omitempty" yaml:"-"`
	EndTime      time.Time   `json:"endTime,omitempty" yaml:"-"`
	Version      int64       `json:"version" yaml:"-"`
}

// GetExecuteCount returns the retry generation, treating unset as the first run
func (t *Task) GetExecuteCount() int {
	if t.ExecuteCount <= 0 {
		return 1
	}
	return t.ExecuteCount
}

// PauseValue holds operator-edited task parameters staged during a pause
type PauseValue struct {
	BuildID      string    `json:"buildId"`
	TaskID       string    `json:"taskId"`
	DefaultValue string    `json:"defaultValue,omitempty"`
	NewValue     string    `json:"newValue"`
	ExecuteCount int       `json:"executeCount"`
	Consumed     bool      `json:"consumed"`
	CreateTime   time.Time `json:"createTime"`
}

// BuildTree is a full snapshot of one build, ordered by sequence at every level
type BuildTree struct {
	Build      Build        `json:"build" yaml:"build"`
	Stages     []Stage      `json:"stages" yaml:"stages"`
	Containers []Container  `json:"containers" yaml:"containers"`
	Tasks      []Task       `json:"tasks" yaml:"tasks"`
	Pauses     []PauseValue `json:"pauses,omitempty" yaml:"-"`
}
