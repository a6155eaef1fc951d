package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buildflow/buildflow/internal/engine"
	"github.com/buildflow/buildflow/pkg/types"
)

const (
	q  = types.BuildStatusQueue
	r  = types.BuildStatusRunning
	p  = types.BuildStatusPause
	rv = types.BuildStatusReviewing
	c  = types.BuildStatusCanceled
	s  = types.BuildStatusSucceed
	f  = types.BuildStatusFailed
	sk = types.BuildStatusSkip
)

func containersOf(statuses ...types.BuildStatus) []types.Container {
	out := make([]types.Container, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, types.Container{Status: st})
	}
	return out
}

func TestReduceStageStatus(t *testing.T) {
	tests := []struct {
		name     string
		failFast bool
		in       []types.BuildStatus
		want     types.BuildStatus
	}{
		{"all queued", false, []types.BuildStatus{q, q}, q},
		{"one running", false, []types.BuildStatus{q, r}, r},
		{"running beats pause", false, []types.BuildStatus{p, r}, r},
		{"reviewing", false, []types.BuildStatus{s, rv}, rv},
		{"all unfinished paused", false, []types.BuildStatus{p, s}, p},
		{"queued and paused", false, []types.BuildStatus{q, p}, r},
		{"all succeeded", false, []types.BuildStatus{s, s}, s},
		{"succeeded and skipped", false, []types.BuildStatus{s, sk}, s},
		{"all skipped", false, []types.BuildStatus{sk, sk}, sk},
		{"empty stage", false, nil, sk},
		{"failed once finished", false, []types.BuildStatus{f, s}, f},
		{"failed waits for siblings", false, []types.BuildStatus{f, r}, r},
		{"fail fast", true, []types.BuildStatus{f, r}, f},
		{"canceled without running", false, []types.BuildStatus{c, q}, c},
		{"canceled waits for running", false, []types.BuildStatus{c, r}, r},
		{"canceled beats failed", false, []types.BuildStatus{c, f}, c},
		{"canceled beats fail fast", true, []types.BuildStatus{c, f}, c},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := types.Stage{StageID: "s", FailFast: tt.failFast}
			assert.Equal(t, tt.want, engine.ReduceStageStatus(stage, containersOf(tt.in...)))
		})
	}
}

func TestReduceBuildStatus(t *testing.T) {
	stagesOf := func(statuses ...types.BuildStatus) []types.Stage {
		out := make([]types.Stage, 0, len(statuses))
		for _, st := range statuses {
			out = append(out, types.Stage{Status: st, FailFast: true})
		}
		return out
	}

	tests := []struct {
		name string
		in   []types.Stage
		want types.BuildStatus
	}{
		{"fresh build", stagesOf(q, q), q},
		{"first stage running", stagesOf(r, q), r},
		{"first stage done", stagesOf(s, q), r},
		{"paused stage", stagesOf(p, q), r},
		{"only stage paused", stagesOf(s, p), p},
		{"failed stage does not fail fast at build level", stagesOf(f, r), r},
		{"failed and skipped", stagesOf(f, sk), f},
		{"canceled", stagesOf(s, c), c},
		{"succeeded", stagesOf(s, s), s},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.ReduceBuildStatus(tt.in))
		})
	}
}
