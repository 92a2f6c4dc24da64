package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/types"
)

type fakeSource struct {
	events     []types.Event
	err        error
	gotHorizon time.Duration
}

func (f *fakeSource) Upcoming(_ context.Context, _ time.Time, horizon time.Duration) ([]types.Event, error) {
	f.gotHorizon = horizon
	return f.events, f.err
}

type fakeEngine struct {
	report     types.CycleReport
	err        error
	gotEvents  []types.Event
	gotCycleID string
}

func (f *fakeEngine) Cycle(ctx context.Context, events []types.Event) (types.CycleReport, error) {
	f.gotEvents = events
	f.gotCycleID = types.GetCycleID(ctx)
	return f.report, f.err
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type testLogger struct{}

func (testLogger) Info(string, ...any)        {}
func (testLogger) Error(string, ...any)       {}
func (testLogger) Warn(string, ...any)        {}
func (l testLogger) With(...any) types.Logger { return l }

func TestRunCycle_Success(t *testing.T) {
	events := []types.Event{{
		ID:          "anna/ev-1",
		CalendarKey: "anna",
		Title:       "Dentist",
		StartTime:   time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC),
	}}
	source := &fakeSource{events: events}
	eng := &fakeEngine{report: types.CycleReport{Considered: 1, Dispatched: 1}}

	runner := NewCycleRunner(source, eng, 2*time.Hour, fixedClock{now: time.Now().UTC()}, testLogger{})

	err := runner.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, events, eng.gotEvents)
	assert.Equal(t, 2*time.Hour, source.gotHorizon)
	assert.NotEmpty(t, eng.gotCycleID, "cycle ID must flow through context")
}

func TestRunCycle_SourceFailureAbortsCycle(t *testing.T) {
	source := &fakeSource{err: types.NewAppError(types.ErrCodeUpstreamCalendar, "all feeds down", nil)}
	eng := &fakeEngine{}

	runner := NewCycleRunner(source, eng, 2*time.Hour, fixedClock{now: time.Now().UTC()}, testLogger{})

	err := runner.RunCycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, eng.gotEvents, "engine must not run without events")
}

func TestRunCycle_EngineErrorPropagates(t *testing.T) {
	source := &fakeSource{}
	eng := &fakeEngine{err: errors.New("db down")}

	runner := NewCycleRunner(source, eng, 2*time.Hour, fixedClock{now: time.Now().UTC()}, testLogger{})

	err := runner.RunCycle(context.Background())
	require.Error(t, err)
}

func TestRunCycle_FreshCycleIDPerRun(t *testing.T) {
	source := &fakeSource{}
	eng := &fakeEngine{}
	runner := NewCycleRunner(source, eng, time.Hour, fixedClock{now: time.Now().UTC()}, testLogger{})

	require.NoError(t, runner.RunCycle(context.Background()))
	first := eng.gotCycleID
	require.NoError(t, runner.RunCycle(context.Background()))

	assert.NotEqual(t, first, eng.gotCycleID)
}
