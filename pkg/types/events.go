package types

import (
	"encoding/json"
	"fmt"
)

// ActionType is the intent carried by lifecycle events
type ActionType string

const (
	// ActionRefresh resumes and continues execution
	ActionRefresh ActionType = "REFRESH"
	// ActionEnd terminates and cancels execution
	ActionEnd ActionType = "END"
)

// IsValid reports whether the action is known
func (a ActionType) IsValid() bool {
	return a == ActionRefresh || a == ActionEnd
}

// Event type names used for routing on the bus
const (
	EventTypeTaskPause   = "task.pause"
	EventTypeContainer   = "container.run"
	EventTypeBuildCancel = "build.cancel"
)

// Event sources attached to container events for tracing
const (
	SourcePauseContinue     = "pauseContinue"
	SourceManualStopPause   = "manualStopPauseAtom"
	SourceTaskFailed        = "taskFailed"
	SourceContainerFinished = "containerFinished"
	SourceFailFast          = "failFast"
)

// DefaultContainerType is used when the container record carries no type
const DefaultContainerType = "vmBuild"

// Event is a routable engine event
type Event interface {
	EventType() string
	GetBuildID() string
}

// TaskPauseEvent asks the engine to continue or cancel a paused task
type TaskPauseEvent struct {
	BuildID     string     `json:"buildId" validate:"required"`
	StageID     string     `json:"stageId"`
	ContainerID string     `json:"containerId"`
	TaskID      string     `json:"taskId" validate:"required"`
	UserID      string     `json:"userId"`
	Action      ActionType `json:"action" validate:"required,oneof=REFRESH END"`
}

// EventType implements Event
func (e TaskPauseEvent) EventType() string { return EventTypeTaskPause }

// GetBuildID implements Event
func (e TaskPauseEvent) GetBuildID() string { return e.BuildID }

// ContainerEvent drives a container to resume or end
type ContainerEvent struct {
	BuildID       string     `json:"buildId" validate:"required"`
	StageID       string     `json:"stageId" validate:"required"`
	ContainerID   string     `json:"containerId" validate:"required"`
	ContainerType string     `json:"containerType"`
	PipelineID    string     `json:"pipelineId"`
	ProjectID     string     `json:"projectId"`
	UserID        string     `json:"userId"`
	Action        ActionType `json:"action" validate:"required,oneof=REFRESH END"`
	Source        string     `json:"source"`
}

// EventType implements Event
func (e ContainerEvent) EventType() string { return EventTypeContainer }

// GetBuildID implements Event
func (e ContainerEvent) GetBuildID() string { return e.BuildID }

// BuildCancelEvent terminates a whole build
type BuildCancelEvent struct {
	BuildID    string `json:"buildId" validate:"required"`
	ProjectID  string `json:"projectId"`
	PipelineID string `json:"pipelineId"`
	UserID     string `json:"userId"`
	Source     string `json:"source"`
}

// EventType implements Event
func (e BuildCancelEvent) EventType() string { return EventTypeBuildCancel }

// GetBuildID implements Event
func (e BuildCancelEvent) GetBuildID() string { return e.BuildID }

// EncodeEvent serializes an event payload
func EncodeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event.EventType(), err)
	}
	return data, nil
}

// DecodeEvent deserializes a payload for the given event type
func DecodeEvent(eventType string, data []byte) (Event, error) {
	switch eventType {
	case EventTypeTaskPause:
		var e TaskPauseEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
		}
		return e, nil
	case EventTypeContainer:
		var e ContainerEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
		}
		return e, nil
	case EventTypeBuildCancel:
		var e BuildCancelEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}
