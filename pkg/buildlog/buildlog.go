// Package buildlog collects the user-visible log lines of builds
package buildlog

import (
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
)

// DefaultMaxLines bounds the lines kept per build
const DefaultMaxLines = 500

// Line is one build log entry
type Line struct {
	BuildID      string    `json:"buildId"`
	Message      string    `json:"message"`
	Tag          string    `json:"tag,omitempty"`
	JobID        string    `json:"jobId,omitempty"`
	ExecuteCount int       `json:"executeCount"`
	Highlight    bool      `json:"highlight"`
	Time         time.Time `json:"time"`
}

// Printer keeps recent lines per build and mirrors them to the process log
type Printer struct {
	logger   logger.Logger
	maxLines int
	mu       sync.RWMutex
	lines    map[string][]Line
}

var _ interfaces.BuildLogPrinter = (*Printer)(nil)

// NewPrinter creates a printer keeping up to maxLines per build
func NewPrinter(log logger.Logger, maxLines int) *Printer {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Printer{
		logger:   log,
		maxLines: maxLines,
		lines:    make(map[string][]Line),
	}
}

// AddYellowLine appends a highlighted line
func (p *Printer) AddYellowLine(buildID, message, tag, jobID string, executeCount int) {
	p.add(Line{
		BuildID:      buildID,
		Message:      message,
		Tag:          tag,
		JobID:        jobID,
		ExecuteCount: executeCount,
		Highlight:    true,
		Time:         time.Now(),
	})
	p.logger.WithBuild(buildID).Info(color.YellowString(message),
		logger.WithField("tag", tag),
		logger.WithField("job", jobID),
		logger.WithField("execute_count", executeCount))
}

func (p *Printer) add(line Line) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := append(p.lines[line.BuildID], line)
	if len(lines) > p.maxLines {
		lines = lines[len(lines)-p.maxLines:]
	}
	p.lines[line.BuildID] = lines
}

// Lines returns a copy of a build's lines, oldest first
func (p *Printer) Lines(buildID string) []Line {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Line(nil), p.lines[buildID]...)
}

// Forget drops a build's lines
func (p *Printer) Forget(buildID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lines, buildID)
}
