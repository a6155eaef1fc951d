package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/buildflow/buildflow/pkg/logger"
)

func TestBackoff(t *testing.T) {
	b := NewMemoryBus(Options{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}, logger.NewNopLogger())

	assert.Equal(t, 100*time.Millisecond, b.backoff(1))
	assert.Equal(t, 200*time.Millisecond, b.backoff(2))
	assert.Equal(t, 400*time.Millisecond, b.backoff(3))
	assert.Equal(t, 800*time.Millisecond, b.backoff(4))
	assert.Equal(t, time.Second, b.backoff(5))
	assert.Equal(t, time.Second, b.backoff(30))
}
