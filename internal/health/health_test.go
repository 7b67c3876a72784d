// ABOUTME: Tests for the health monitor.
// ABOUTME: Covers stuck-task detection, broken-agent recovery, and offline marking.

package health

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlab/fleetgate/internal/a2a"
	"github.com/perimeterlab/fleetgate/internal/config"
	"github.com/perimeterlab/fleetgate/internal/registry"
	"github.com/perimeterlab/fleetgate/internal/telemetry"
)

type fakePinger struct {
	mu    sync.Mutex
	cards map[string]*a2a.AgentCard
}

func (f *fakePinger) FetchCard(ctx context.Context, baseURL string) (*a2a.AgentCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if card, ok := f.cards[baseURL]; ok {
		return card, nil
	}
	return nil, a2a.ErrAgentUnreachable
}

func (f *fakePinger) set(baseURL string, card *a2a.AgentCard) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if card == nil {
		delete(f.cards, baseURL)
	} else {
		f.cards[baseURL] = card
	}
}

type recordingAborter struct {
	mu     sync.Mutex
	aborts []string
}

func (r *recordingAborter) Abort(taskID string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts = append(r.aborts, taskID)
}

func (r *recordingAborter) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.aborts...)
}

type fixture struct {
	monitor *Monitor
	pinger  *fakePinger
	aborter *recordingAborter
	reg     *registry.Registry
	tel     *telemetry.Store
}

func newFixture(t *testing.T, maxTaskDuration time.Duration) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	reg := registry.New(logger)
	tel := telemetry.New(16, 16, 16, nil, logger)
	pinger := &fakePinger{cards: map[string]*a2a.AgentCard{}}
	aborter := &recordingAborter{}
	cfg := config.HealthConfig{
		Interval:        time.Hour,
		PingTimeout:     time.Second,
		MaxTaskDuration: maxTaskDuration,
	}
	return &fixture{
		monitor: New(cfg, 2, pinger, reg, tel, aborter, logger),
		pinger:  pinger,
		aborter: aborter,
		reg:     reg,
		tel:     tel,
	}
}

func (fx *fixture) addAgent(id string) *a2a.AgentCard {
	card := &a2a.AgentCard{ID: id, Name: id, URL: "http://127.0.0.1/" + id}
	fx.reg.Register(card)
	fx.pinger.set(card.URL, card)
	return card
}

func TestStuckTaskMarksBrokenAndAborts(t *testing.T) {
	fx := newFixture(t, 50*time.Millisecond)
	fx.addAgent("agent-a")

	fx.tel.AddTask(telemetry.TaskRecord{
		TaskID:    "task-1",
		AgentID:   "agent-a",
		Status:    telemetry.TaskRunning,
		StartTime: time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, fx.reg.MarkBusy("agent-a", "task-1"))

	fx.monitor.Check(context.Background())

	snap, err := fx.reg.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusBroken, snap.Status)
	assert.Equal(t, registry.ReasonTaskStuck, snap.BrokenReason)
	assert.Equal(t, "task-1", snap.StuckTaskID)
	assert.Equal(t, []string{"task-1"}, fx.aborter.calls())

	// A second pass sees a broken agent, not a busy one, so no second abort.
	fx.monitor.Check(context.Background())
	assert.Equal(t, []string{"task-1"}, fx.aborter.calls())
}

func TestBusyWithinDeadlineLeftAlone(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.addAgent("agent-a")

	fx.tel.AddTask(telemetry.TaskRecord{
		TaskID:    "task-1",
		AgentID:   "agent-a",
		Status:    telemetry.TaskRunning,
		StartTime: time.Now().UTC(),
	})
	require.NoError(t, fx.reg.MarkBusy("agent-a", "task-1"))

	fx.monitor.Check(context.Background())

	st, err := fx.reg.Status("agent-a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusBusy, st)
	assert.Empty(t, fx.aborter.calls())
}

func TestBrokenAgentRecoversOnPing(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.addAgent("agent-a")
	require.NoError(t, fx.reg.SetStatus("agent-a", registry.StatusBroken, registry.ReasonOffline, ""))

	fx.monitor.Check(context.Background())

	snap, err := fx.reg.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusAvailable, snap.Status)
	assert.Empty(t, string(snap.BrokenReason))
}

func TestSilentAgentMarkedOfflineAtThreshold(t *testing.T) {
	fx := newFixture(t, time.Hour)
	card := fx.addAgent("agent-a")
	fx.pinger.set(card.URL, nil)

	fx.monitor.Check(context.Background())
	st, err := fx.reg.Status("agent-a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusAvailable, st, "one miss is not enough")

	fx.monitor.Check(context.Background())
	snap, err := fx.reg.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusBroken, snap.Status)
	assert.Equal(t, registry.ReasonOffline, snap.BrokenReason)

	errs := fx.tel.Errors(10, telemetry.ErrorFilter{})
	require.Len(t, errs, 1)
	assert.Equal(t, "health", errs[0].Component)
	assert.Equal(t, "agent-a", errs[0].AgentID)
}

func TestPingSuccessResetsMisses(t *testing.T) {
	fx := newFixture(t, time.Hour)
	card := fx.addAgent("agent-a")

	fx.pinger.set(card.URL, nil)
	fx.monitor.Check(context.Background())

	fx.pinger.set(card.URL, card)
	fx.monitor.Check(context.Background())

	// The earlier miss no longer counts; one new miss stays below the threshold.
	fx.pinger.set(card.URL, nil)
	fx.monitor.Check(context.Background())
	st, err := fx.reg.Status("agent-a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusAvailable, st)
}

func TestRunStopsOnCancel(t *testing.T) {
	fx := newFixture(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.monitor.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
