package types

import "strings"

// Well-known labels of the synthetic tasks that start and stop a container's agent.
// A task is only treated as synthetic when both its name and its id carry the label.
const (
	PrepareVMNameLabel = "Prepare_Job#"
	StartVMIDLabel     = "startVM-"
	CleanVMNameLabel   = "Clean_Job#"
	StopVMIDLabel      = "stopVM-"
	WaitNameLabel      = "Wait_Finish_Job#"
	EndIDLabel         = "end-"
)

// IsBootstrapTask reports whether the task starts the container's agent
func IsBootstrapTask(t *Task) bool {
	return strings.HasPrefix(t.TaskName, PrepareVMNameLabel) &&
		strings.HasPrefix(t.TaskID, StartVMIDLabel)
}

// IsTeardownTask reports whether the task stops the agent or waits for the container to end
func IsTeardownTask(t *Task) bool {
	if strings.HasPrefix(t.TaskName, CleanVMNameLabel) && strings.HasPrefix(t.TaskID, StopVMIDLabel) {
		return true
	}
	return strings.HasPrefix(t.TaskName, WaitNameLabel) && strings.HasPrefix(t.TaskID, EndIDLabel)
}

// IsSyntheticTask reports whether the task is a bootstrap or teardown task
func IsSyntheticTask(t *Task) bool {
	return IsBootstrapTask(t) || IsTeardownTask(t)
}

// BootstrapTask builds the synthetic start task for a container
func BootstrapTask(containerID string) Task {
	return Task{
		TaskID:   StartVMIDLabel + containerID,
		TaskName: PrepareVMNameLabel + containerID,
		Status:   BuildStatusQueue,
	}
}

// TeardownTasks builds the synthetic stop and end tasks for a container
func TeardownTasks(containerID string) []Task {
	return []Task{
		{
			TaskID:   StopVMIDLabel + containerID,
			TaskName: CleanVMNameLabel + containerID,
			Status:   BuildStatusQueue,
		},
		{
			TaskID:   EndIDLabel + containerID,
			TaskName: WaitNameLabel + containerID,
			Status:   BuildStatusQueue,
		},
	}
}
