// Package detail keeps a user-facing projection of build progress
package detail

import (
	"sync"

	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/metrics"
)

// View is the projection kept for one build
type View struct {
	CancelUser    string                            `json:"cancelUser,omitempty"`
	Elements      map[string]map[string]interface{} `json:"elements,omitempty"`
	Continued     []string                          `json:"continued,omitempty"`
	CanceledTasks map[string]string                 `json:"canceledTasks,omitempty"`
}

// Service records detail view changes and logs them
type Service struct {
	enabled bool
	logger  logger.Logger
	mu      sync.RWMutex
	views   map[string]*View
}

var _ interfaces.DetailService = (*Service)(nil)

// Config represents detail view configuration
type Config struct {
	Enabled bool
}

// New creates a detail service
func New(config Config, log logger.Logger) *Service {
	return &Service{
		enabled: config.Enabled,
		logger:  log,
		views:   make(map[string]*View),
	}
}

func (s *Service) view(buildID string) *View {
	v, ok := s.views[buildID]
	if !ok {
		v = &View{
			Elements:      make(map[string]map[string]interface{}),
			CanceledTasks: make(map[string]string),
		}
		s.views[buildID] = v
	}
	return v
}

// UpdateElementWhenPauseContinue records a resumed task and the params it resumes with.
// A nil element means the task resumed with its previous params.
func (s *Service) UpdateElementWhenPauseContinue(buildID, stageID, containerID, taskID string, element map[string]interface{}) {
	metrics.IncDetailUpdate("pause_continue")
	if !s.enabled {
		return
	}

	s.mu.Lock()
	v := s.view(buildID)
	v.Continued = append(v.Continued, taskID)
	if element != nil {
		copied := make(map[string]interface{}, len(element))
		for k, val := range element {
			copied[k] = val
		}
		v.Elements[taskID] = copied
	}
	s.mu.Unlock()

	s.logger.WithBuild(buildID).Debug("Detail updated for continued task",
		logger.WithField("stage", stageID),
		logger.WithField("container", containerID),
		logger.WithField("task", taskID),
		logger.WithField("params_changed", element != nil))
}

// TaskCancel records a task canceled by a user
func (s *Service) TaskCancel(buildID, stageID, containerID, taskID, userID string) {
	metrics.IncDetailUpdate("task_cancel")
	if !s.enabled {
		return
	}

	s.mu.Lock()
	s.view(buildID).CanceledTasks[taskID] = userID
	s.mu.Unlock()

	s.logger.WithBuild(buildID).Debug("Detail updated for canceled task",
		logger.WithField("stage", stageID),
		logger.WithField("container", containerID),
		logger.WithField("task", taskID),
		logger.WithField("user", userID))
}

// BuildCancelUserSet records who canceled the build
func (s *Service) BuildCancelUserSet(buildID, userID string) {
	metrics.IncDetailUpdate("cancel_user")
	if !s.enabled {
		return
	}

	s.mu.Lock()
	s.view(buildID).CancelUser = userID
	s.mu.Unlock()
}

// Snapshot returns a copy of a build's view
func (s *Service) Snapshot(buildID string) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.views[buildID]
	if !ok {
		return View{}, false
	}
	out := View{
		CancelUser:    v.CancelUser,
		Elements:      make(map[string]map[string]interface{}, len(v.Elements)),
		Continued:     append([]string(nil), v.Continued...),
		CanceledTasks: make(map[string]string, len(v.CanceledTasks)),
	}
	for k, e := range v.Elements {
		out.Elements[k] = e
	}
	for k, u := range v.CanceledTasks {
		out.CanceledTasks[k] = u
	}
	return out, true
}

// Forget drops a build's view, used when the build is archived
func (s *Service) Forget(buildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, buildID)
}
