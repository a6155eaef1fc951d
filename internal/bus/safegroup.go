package bus

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/buildflow/buildflow/pkg/logger"
)

// SafeGroup is an errgroup whose goroutines cannot take the process down:
// a panic becomes the group's error
type SafeGroup struct {
	group  *errgroup.Group
	logger logger.Logger
}

// NewSafeGroup creates a group bound to ctx
func NewSafeGroup(ctx context.Context, log logger.Logger) (*SafeGroup, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &SafeGroup{group: g, logger: log}, ctx
}

// Go runs fn in a new goroutine
func (sg *SafeGroup) Go(fn func() error) {
	sg.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				sg.logger.Error("Bus worker panic recovered",
					logger.WithField("panic", r),
					logger.WithField("stack_trace", string(debug.Stack())))
				err = fmt.Errorf("bus worker panic: %v", r)
			}
		}()
		return fn()
	})
}

// SetLimit caps the number of concurrent goroutines
func (sg *SafeGroup) SetLimit(n int) {
	sg.group.SetLimit(n)
}

// Wait blocks until every goroutine returned and reports the first error
func (sg *SafeGroup) Wait() error {
	return sg.group.Wait()
}
