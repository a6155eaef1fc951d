package context_test

import (
	"context"
	"strings"
	"testing"
	"time"

	bcontext "github.com/buildflow/buildflow/pkg/context"
)

func TestEnrichContext(t *testing.T) {
	ctx := bcontext.EnrichContext(context.Background(), "task.pause")

	id, ok := bcontext.RequestID(ctx)
	if !ok || !strings.HasPrefix(id, "req_") {
		t.Errorf("request id = %q, %v", id, ok)
	}
	if id, ok := bcontext.CorrelationID(ctx); !ok || !strings.HasPrefix(id, "cor_") {
		t.Errorf("correlation id = %q, %v", id, ok)
	}
	if op, _ := bcontext.Operation(ctx); op != "task.pause" {
		t.Errorf("operation = %q", op)
	}

	again := bcontext.EnrichContext(bcontext.WithCorrelationID(context.Background(), "cor_fixed"), "")
	if id, _ := bcontext.CorrelationID(again); id != "cor_fixed" {
		t.Errorf("existing correlation id replaced with %q", id)
	}
	if _, ok := bcontext.Operation(again); ok {
		t.Error("empty operation should not be set")
	}
}

func TestUserID(t *testing.T) {
	if _, ok := bcontext.UserID(context.Background()); ok {
		t.Error("user should be unset")
	}
	if _, ok := bcontext.UserID(bcontext.WithUserID(context.Background(), "")); ok {
		t.Error("empty user should read as unset")
	}
	if user, _ := bcontext.UserID(bcontext.WithUserID(context.Background(), "alice")); user != "alice" {
		t.Errorf("user = %q", user)
	}
}

func TestElapsed(t *testing.T) {
	if got := bcontext.Elapsed(context.Background()); got != 0 {
		t.Errorf("elapsed without start = %v", got)
	}
	ctx := bcontext.WithStartTime(context.Background(), time.Now().Add(-time.Second))
	if got := bcontext.Elapsed(ctx); got < time.Second {
		t.Errorf("elapsed = %v, want at least 1s", got)
	}
}
