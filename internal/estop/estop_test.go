package estop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelcore/internal/planmodel"
)

type fakeTerminator struct{ calls int }

func (f *fakeTerminator) DestroyAll() { f.calls++ }

type fakeNotifier struct{ calls int }

func (f *fakeNotifier) Notify(ctx context.Context, title, body string) error {
	f.calls++
	return nil
}

func TestTrigger_RunsExactlyOncePerLatchWindow(t *testing.T) {
	term := &fakeTerminator{}
	notif := &fakeNotifier{}
	s := New("F12", ":0", term, notif)

	first := s.Trigger(context.Background(), SourceManual)
	second := s.Trigger(context.Background(), SourceManual)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, term.calls)
	assert.Equal(t, 1, notif.calls)
}

func TestTrigger_SetsStopRequestedFlag(t *testing.T) {
	s := New("F12", ":0", nil, &fakeNotifier{})
	assert.False(t, s.StopRequested())
	s.Trigger(context.Background(), SourceHotkey)
	assert.True(t, s.StopRequested())
}

func TestReset_AllowsRetrigger(t *testing.T) {
	term := &fakeTerminator{}
	s := New("F12", ":0", term, &fakeNotifier{})

	s.Trigger(context.Background(), SourceManual)
	s.Reset()

	assert.False(t, s.IsTriggered())
	assert.False(t, s.StopRequested())

	again := s.Trigger(context.Background(), SourceManual)
	assert.True(t, again)
	assert.Equal(t, 2, term.calls)
}

func TestTrigger_SubscriberPanicIsolated(t *testing.T) {
	s := New("F12", ":0", nil, &fakeNotifier{})
	called := false
	s.Subscribe(func(planmodel.Event) { panic("boom") })
	s.Subscribe(func(planmodel.Event) { called = true })

	s.Trigger(context.Background(), SourceManual)
	assert.True(t, called)
}

func TestAutoReset_ClearsLatchAfterSequence(t *testing.T) {
	s := New("F12", ":0", nil, &fakeNotifier{})
	s.AutoReset = true

	s.Trigger(context.Background(), SourceManual)
	assert.False(t, s.IsTriggered())

	again := s.Trigger(context.Background(), SourceManual)
	assert.True(t, again)
}

func TestArmDisarm_TracksState(t *testing.T) {
	s := New("F12", ":0", nil, &fakeNotifier{})
	assert.False(t, s.IsArmed())
	require.NoError(t, s.Arm())
	assert.True(t, s.IsArmed())
	s.Disarm()
	assert.False(t, s.IsArmed())
}

func TestParseHotkey_AcceptsFunctionKeysAndNamedKeys(t *testing.T) {
	assert.True(t, ParseHotkey("F12"))
	assert.True(t, ParseHotkey("f1"))
	assert.True(t, ParseHotkey("ESC"))
	assert.True(t, ParseHotkey("a"))
	assert.False(t, ParseHotkey("F13"))
	assert.False(t, ParseHotkey("nonsense"))
}
