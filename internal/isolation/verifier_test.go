package isolation

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelcore/internal/planmodel"
)

type fakeWindowLister struct {
	byDisplay map[string][]WindowInfo
}

func (f *fakeWindowLister) List(ctx context.Context, displayID string) ([]WindowInfo, error) {
	return f.byDisplay[displayID], nil
}

func TestCheckWindowIsolation_DetectsOverlappingTitles(t *testing.T) {
	v := NewVerifier(":0", ":1", 5, nil, nil)
	v.windows = &fakeWindowLister{byDisplay: map[string][]WindowInfo{
		":1": {{Title: "Terminal"}},
		":0": {{Title: "Terminal"}},
	}}

	assert.False(t, v.checkWindowIsolation(context.Background()))
	assert.Equal(t, 1, v.GetStatus().ViolationCount)
}

func TestCheckWindowIsolation_NoOverlapPasses(t *testing.T) {
	v := NewVerifier(":0", ":1", 5, nil, nil)
	v.windows = &fakeWindowLister{byDisplay: map[string][]WindowInfo{
		":1": {{Title: "AI Browser"}},
		":0": {{Title: "User Editor"}},
	}}

	assert.True(t, v.checkWindowIsolation(context.Background()))
}

func TestRecordViolation_FiresCallbackOnceBudgetExceeded(t *testing.T) {
	calls := 0
	v := NewVerifier(":0", ":1", 1, func() { calls++ }, nil)

	v.recordViolation(ViolationProcess, "first")
	assert.Equal(t, 0, calls)

	v.recordViolation(ViolationProcess, "second")
	assert.Equal(t, 1, calls)

	v.recordViolation(ViolationProcess, "third")
	assert.Equal(t, 1, calls, "callback must fire exactly once, not on every violation past the budget")
}

func TestResetState_ClearsViolationsAndReactivates(t *testing.T) {
	v := NewVerifier(":0", ":1", 5, nil, nil)
	v.recordViolation(ViolationDisplay, "x")
	require.Equal(t, 1, v.GetStatus().ViolationCount)

	v.ResetState()

	status := v.GetStatus()
	assert.Equal(t, 0, status.ViolationCount)
	assert.True(t, status.Active)
}

func TestCheckDisplayIsolation_MismatchAlwaysRecordsAndAutoCorrects(t *testing.T) {
	prevDisplay, had := os.LookupEnv("DISPLAY")
	defer func() {
		if had {
			os.Setenv("DISPLAY", prevDisplay)
		} else {
			os.Unsetenv("DISPLAY")
		}
	}()

	v := NewVerifier(":0", ":7", 100, nil, nil)
	os.Setenv("DISPLAY", ":0")

	v.checkDisplayIsolation(context.Background())

	status := v.GetStatus()
	require.Equal(t, 1, status.ViolationCount)
	assert.Equal(t, ViolationDisplay, status.RecentViolations[0].Kind)
	assert.Equal(t, ":7", os.Getenv("DISPLAY"), "mismatch must auto-correct DISPLAY to the AI display")
}

func TestCheckDisplayIsolation_NoMismatchRecordsNothing(t *testing.T) {
	prevDisplay, had := os.LookupEnv("DISPLAY")
	defer func() {
		if had {
			os.Setenv("DISPLAY", prevDisplay)
		} else {
			os.Unsetenv("DISPLAY")
		}
	}()

	v := NewVerifier(":0", ":7", 100, nil, nil)
	os.Setenv("DISPLAY", ":7")

	v.checkDisplayIsolation(context.Background())

	assert.Equal(t, 0, v.GetStatus().ViolationCount)
}

func TestSetPublisher_ReceivesViolationDetectedEvent(t *testing.T) {
	v := NewVerifier(":0", ":1", 100, nil, nil)

	var got planmodel.Event
	v.SetPublisher(func(ev planmodel.Event) { got = ev })

	v.recordViolation(ViolationProcess, "interfering process")

	assert.Equal(t, planmodel.EventViolationDetected, got.Kind)
	assert.Equal(t, "process", got.Payload["kind"])
}

func TestCheckApplicationPermission_MatchesSubstring(t *testing.T) {
	allowed := map[string][]string{"browsers": {"firefox", "chromium"}}
	assert.True(t, CheckApplicationPermission(allowed, "firefox-esr"))
	assert.False(t, CheckApplicationPermission(allowed, "metasploit"))
}

func TestEnvValue_MissingKeyReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", envValue([]string{"HOME=/root"}, "DISPLAY"))
	assert.Equal(t, ":1", envValue([]string{"DISPLAY=:1"}, "DISPLAY"))
}

func TestGetStatus_CapsRecentViolationsAtFive(t *testing.T) {
	v := NewVerifier(":0", ":1", 100, nil, nil)
	for i := 0; i < 8; i++ {
		v.recordViolation(ViolationResource, "r")
	}
	status := v.GetStatus()
	assert.Equal(t, 8, status.ViolationCount)
	assert.Len(t, status.RecentViolations, 5)
}
