package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		raw     string
		want    Decision
		wantErr bool
	}{
		{raw: "", want: DecisionPending},
		{raw: "pending", want: DecisionPending},
		{raw: " Approve ", want: DecisionApprove},
		{raw: "reject", want: DecisionReject},
		{raw: "replay", want: DecisionReplay},
		{raw: "discard", want: DecisionDiscard},
		{raw: "maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDecision(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidDecision))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecisionTerminal(t *testing.T) {
	assert.True(t, DecisionApprove.IsTerminal())
	assert.True(t, DecisionReject.IsTerminal())
	assert.True(t, DecisionDiscard.IsTerminal())
	assert.False(t, DecisionReplay.IsTerminal())
	assert.False(t, DecisionPending.IsTerminal())
	assert.False(t, DecisionPending.IsChoice())
}

func TestParseEntryStatus(t *testing.T) {
	assert.Equal(t, EntryStatusFailed, ParseEntryStatus("error"))
	assert.Equal(t, EntryStatusReturned, ParseEntryStatus("RETURNED"))
	assert.Equal(t, EntryStatusQueued, ParseEntryStatus(""))
	assert.True(t, ParseEntryStatus("running").IsPending())
}

func TestParseLoopStatus(t *testing.T) {
	assert.Equal(t, LoopStatusIdle, ParseLoopStatus("weird"))
	assert.True(t, ParseLoopStatus("failed").IsFailure())
	assert.True(t, ParseLoopStatus("queued").IsActive())
}

func TestManifestEntryNormalize(t *testing.T) {
	entry := ManifestEntry{Status: "error", Decision: "bogus", CreatedAt: 5}
	entry.Normalize()
	assert.Equal(t, EntryStatusFailed, entry.Status)
	assert.Equal(t, DecisionPending, entry.Decision)
	assert.Equal(t, 5.0, entry.Timestamp())

	entry.UpdatedAt = 9
	assert.Equal(t, 9.0, entry.Timestamp())
}

func TestManifestEntryAwaiting(t *testing.T) {
	entry := ManifestEntry{Status: EntryStatusReturned, Decision: DecisionPending}
	assert.True(t, entry.Awaiting())

	entry.Decision = DecisionReplay
	assert.True(t, entry.Awaiting())

	entry.Decision = DecisionApprove
	assert.False(t, entry.Awaiting())

	entry = ManifestEntry{Status: EntryStatusRunning}
	assert.False(t, entry.Awaiting())
}

func TestLoopDetailValidate(t *testing.T) {
	detail := &LoopDetail{LoopID: "loop-1", TotalCycles: 3}
	require.NoError(t, detail.Validate())

	detail = &LoopDetail{TotalCycles: 0, Manifest: []ManifestEntry{{CycleIndex: -1}}}
	err := detail.Validate()
	require.Error(t, err)

	var validation *ValidationErrors
	require.True(t, errors.As(err, &validation))
	assert.NotEmpty(t, validation.Fields("loop_id"))
	assert.NotEmpty(t, validation.Fields("total_cycles"))
	assert.NotEmpty(t, validation.Fields("manifest"))
	assert.Empty(t, validation.Fields("current_retry"))
}

func TestLoopDetailClone(t *testing.T) {
	cycle := 1
	detail := &LoopDetail{
		LoopID:       "loop-1",
		CurrentCycle: &cycle,
		Overrides:    map[string]any{"cfg": 7},
		Manifest:     []ManifestEntry{{CycleIndex: 0}},
	}
	clone := detail.Clone()
	*clone.CurrentCycle = 2
	clone.Overrides["cfg"] = 8
	clone.Manifest[0].CycleIndex = 4

	assert.Equal(t, 1, *detail.CurrentCycle)
	assert.Equal(t, 7, detail.Overrides["cfg"])
	assert.Equal(t, 0, detail.Manifest[0].CycleIndex)
}

func TestPipelineStepValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    PipelineStep
		wantErr bool
	}{
		{name: "execute with workflow", step: PipelineStep{ID: "1", Role: StepRoleExecute, Workflow: "video/loop.json"}},
		{name: "manual composition", step: PipelineStep{ID: "2", Role: StepRoleComposition, Workflow: "none"}},
		{name: "manual execute", step: PipelineStep{ID: "3", Role: StepRoleExecute, Workflow: "(none)"}, wantErr: true},
		{name: "missing id", step: PipelineStep{Role: StepRoleGenerate, Workflow: "a.json"}, wantErr: true},
		{name: "unknown role", step: PipelineStep{ID: "4", Role: "render", Workflow: "a.json"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPipelineRunState(t *testing.T) {
	now := time.Unix(1700000000, 0)
	steps := []PipelineStep{{ID: "a"}, {ID: "b"}}
	run := NewPipelineRunState(steps, now)
	assert.True(t, run.Active())
	assert.False(t, run.HasError())
	assert.Equal(t, StepRunPending, run.Steps["a"].Status)

	started := now.Add(time.Second)
	run.Steps["a"] = StepRun{Status: StepRunError, StartedAt: &started}
	assert.True(t, run.HasError())

	clone := run.Clone()
	*clone.Steps["a"].StartedAt = now
	assert.Equal(t, started, *run.Steps["a"].StartedAt)

	var nilRun *PipelineRunState
	assert.False(t, nilRun.Active())
	assert.Nil(t, nilRun.Clone())
}

func TestPendingLaunchExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	launch := NewPendingLaunch(2, 1, now, 0)
	assert.Equal(t, now.Add(PendingLaunchTTL), launch.ExpiresAt)
	assert.Equal(t, EntryKey{Cycle: 2, Retry: 1}, launch.Key())
	assert.False(t, launch.Expired(now.Add(14*time.Second)))
	assert.True(t, launch.Expired(now.Add(15*time.Second)))
}

func TestUnixSecondsRoundTrip(t *testing.T) {
	assert.True(t, UnixSeconds(0).IsZero())
	ts := time.Unix(1700000000, 500_000_000)
	assert.InDelta(t, 1700000000.5, ToUnixSeconds(ts), 1e-6)
	assert.WithinDuration(t, ts, UnixSeconds(1700000000.5), time.Millisecond)
}

func TestRuntimeRecordMatchesLoop(t *testing.T) {
	record := &RuntimeRecord{LoopID: "loop-1"}
	assert.True(t, record.MatchesLoop("loop-1"))
	assert.False(t, record.MatchesLoop("loop-2"))

	var missing *RuntimeRecord
	assert.False(t, missing.MatchesLoop("loop-1"))
}
