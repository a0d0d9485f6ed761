package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelcore/internal/planmodel"
	"sentinelcore/internal/storage"
)

func testRequester() planmodel.Requester {
	return planmodel.Requester{TaskID: "task-1", AgentID: "agent-1"}
}

func TestGuard_DisabledAllowsEverything(t *testing.T) {
	p := DefaultPolicy()
	p.Disabled = true
	g := NewGuard(p)

	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionOpenApplication, Alias: "nmap"}, testRequester())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, "disabled", v.Reason)
}

func TestGuard_OpenApplication_StrictModeBlocksUnknown(t *testing.T) {
	g := NewGuard(DefaultPolicy())

	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionOpenApplication, Alias: "metasploit"}, testRequester())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, planmodel.ThreatDangerous, v.Threat)
}

func TestGuard_OpenApplication_AllowsKnownAlias(t *testing.T) {
	g := NewGuard(DefaultPolicy())

	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionOpenApplication, Alias: "firefox"}, testRequester())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestGuard_Type_BlocksDangerousPattern(t *testing.T) {
	g := NewGuard(DefaultPolicy())

	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionType, Text: "rm -rf /"}, testRequester())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
}

func TestGuard_Type_BlocksSuspiciousScript(t *testing.T) {
	g := NewGuard(DefaultPolicy())

	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionType, Text: "javascript:eval(1)"}, testRequester())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, planmodel.ThreatMalicious, v.Threat)
}

func TestGuard_Type_AllowsBenignText(t *testing.T) {
	g := NewGuard(DefaultPolicy())

	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionType, Text: "hello world"}, testRequester())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestGuard_ClickMove_RejectsOutOfBounds(t *testing.T) {
	g := NewGuard(DefaultPolicy())

	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionClick, X: 99999, Y: 10, Button: planmodel.ButtonLeft}, testRequester())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
}

func TestGuard_KeyPress_BlocksDangerousCombo(t *testing.T) {
	g := NewGuard(DefaultPolicy())

	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionKeyPress, Combo: "ctrl+alt+del"}, testRequester())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
}

func TestGuard_ActionKindNotAllowed(t *testing.T) {
	p := DefaultPolicy()
	p.ActionTypesAllowed = []planmodel.ActionKind{planmodel.ActionClick}
	g := NewGuard(p)

	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionType, Text: "hi"}, testRequester())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
}

func TestGuard_RateLimit_PerSecond(t *testing.T) {
	p := DefaultPolicy()
	p.RateLimits.PerSecond = 2
	p.RateLimits.PerMinute = 1000
	g := NewGuard(p)

	for i := 0; i < 2; i++ {
		v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionWait, DurationMS: 1}, testRequester())
		require.NoError(t, err)
		assert.True(t, v.Allowed)
	}
	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionWait, DurationMS: 1}, testRequester())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
}

func TestGuard_DeniedActionsDoNotConsumeRateQuota(t *testing.T) {
	p := DefaultPolicy()
	p.RateLimits.PerSecond = 1
	p.RateLimits.PerMinute = 1000
	g := NewGuard(p)

	// A denied click (out of bounds) must not consume the single slot in
	// the per-second window.
	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionClick, X: -1, Y: 0}, testRequester())
	require.NoError(t, err)
	assert.False(t, v.Allowed)

	v, err = g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionWait, DurationMS: 1}, testRequester())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestGuard_AuditRingRecordsBothAllowedAndDenied(t *testing.T) {
	g := NewGuard(DefaultPolicy())

	_, _ = g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionWait, DurationMS: 1}, testRequester())
	_, _ = g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionClick, X: -1, Y: 0}, testRequester())

	records := g.Audit()
	require.Len(t, records, 2)
	assert.True(t, records[0].Allowed)
	assert.False(t, records[1].Allowed)
}

func TestGuard_SubscriberPanicIsolated(t *testing.T) {
	g := NewGuard(DefaultPolicy())
	called := false
	g.Subscribe(func(planmodel.Action, bool) { panic("boom") })
	g.Subscribe(func(planmodel.Action, bool) { called = true })

	v, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionWait, DurationMS: 1}, testRequester())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.True(t, called)
}

type fakeSink struct {
	mu      sync.Mutex
	written []planmodel.ActionRecord
	done    chan struct{}
}

func newFakeSink(expect int) *fakeSink {
	return &fakeSink{done: make(chan struct{}, expect)}
}

func (f *fakeSink) AppendAuditRecord(taskID string, rec planmodel.ActionRecord) (*storage.AuditEntry, error) {
	f.mu.Lock()
	f.written = append(f.written, rec)
	f.mu.Unlock()
	f.done <- struct{}{}
	return &storage.AuditEntry{TaskID: taskID}, nil
}

func TestGuard_SetSink_MirrorsRecords(t *testing.T) {
	g := NewGuard(DefaultPolicy())
	sink := newFakeSink(1)
	g.SetSink(sink)

	_, err := g.Validate(context.Background(), planmodel.Action{Kind: planmodel.ActionWait, DurationMS: 1}, testRequester())
	require.NoError(t, err)

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("sink was not called")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.written, 1)
	assert.True(t, sink.written[0].Allowed)
}

func TestRateLimiter_SlidingWindowEvicts(t *testing.T) {
	rl := newRateLimiter(1, 100)
	base := time.Now()
	rl.now = func() time.Time { return base }

	assert.True(t, rl.allow())
	rl.record()
	assert.False(t, rl.allow())

	rl.now = func() time.Time { return base.Add(2 * time.Second) }
	assert.True(t, rl.allow())
}
