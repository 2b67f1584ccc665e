package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovi-systems/devicecore/internal/applife"
	"github.com/sovi-systems/devicecore/internal/creator"
	"github.com/sovi-systems/devicecore/internal/events"
	"github.com/sovi-systems/devicecore/internal/session"
	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

type fakeTasks struct {
	mu         sync.Mutex
	devices    []store.Device
	heartbeats int
	statuses   map[uuid.UUID]store.DeviceStatus
	claims     []claimResult
}

type claimResult struct {
	acct *store.Account
	err  error
}

func (f *fakeTasks) ActiveDevices(context.Context) ([]store.Device, error) {
	return f.devices, nil
}

func (f *fakeTasks) UpdateHeartbeat(context.Context, uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeTasks) SetDeviceStatus(_ context.Context, id uuid.UUID, status store.DeviceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = map[uuid.UUID]store.DeviceStatus{}
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeTasks) ClaimWarmingAccount(context.Context, uuid.UUID) (*store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claims) == 0 {
		return nil, store.ErrNoEligibleAccount
	}
	next := f.claims[0]
	f.claims = f.claims[1:]
	return next.acct, next.err
}

func (f *fakeTasks) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

type fakeRunner struct {
	mu    sync.Mutex
	runs  []uuid.UUID
	err   error
	panic bool
	block bool // hold the session open until its context expires
}

func (r *fakeRunner) Run(ctx context.Context, _ store.Device, acct *store.Account, _ *wda.Automation, _ session.Lifecycle) error {
	r.mu.Lock()
	if r.panic {
		r.panic = false
		r.mu.Unlock()
		panic("session runner bug")
	}
	r.runs = append(r.runs, acct.ID)
	block := r.block
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.err
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type fakeCreator struct {
	mu      sync.Mutex
	enabled bool
	creates int
	err     error
}

func (c *fakeCreator) Enabled() bool { return c.enabled }

func (c *fakeCreator) CreateNext(context.Context, *wda.Automation, creator.Apps, uuid.UUID) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	return uuid.New(), c.err
}

type fakeLifecycle struct{}

func (fakeLifecycle) ResetInstall(context.Context, store.Platform, time.Duration) error { return nil }
func (fakeLifecycle) Login(context.Context, store.Platform, uuid.UUID, applife.Credentials) error {
	return nil
}

type eventSink struct {
	mu     sync.Mutex
	events []store.NewEvent
}

func (s *eventSink) InsertEvent(_ context.Context, ev store.NewEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return int64(len(s.events)), nil
}

func (s *eventSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// stubAgent answers enough of the WDA protocol for the scheduler: status,
// session create and delete, home button.
func stubAgent(t *testing.T, ready bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/status":
			_ = json.NewEncoder(w).Encode(map[string]any{"value": map[string]any{"ready": ready}})
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			_ = json.NewEncoder(w).Encode(map[string]any{"sessionId": "sess-1", "value": map[string]any{}})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"value": nil})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	sched   *Scheduler
	tasks   *fakeTasks
	runner  *fakeRunner
	creator *fakeCreator
	sink    *eventSink
	device  store.Device
}

func newHarness(t *testing.T, ready bool) *harness {
	t.Helper()
	srv := stubAgent(t, ready)
	logger := slog.New(slog.DiscardHandler)
	sink := &eventSink{}

	h := &harness{
		tasks: &fakeTasks{
			devices: []store.Device{{
				ID: uuid.New(), Name: "iphone-01", UDID: "udid-01",
				AutomationPort: 8100, Status: store.DeviceActive,
			}},
		},
		runner:  &fakeRunner{},
		creator: &fakeCreator{},
		sink:    sink,
	}
	h.device = h.tasks.devices[0]

	delays := Delays{Cooldown: time.Millisecond, Idle: time.Millisecond, ErrorBackoff: time.Millisecond}
	h.sched = New(h.tasks, h.runner, h.creator, events.NewEmitter(sink, logger), logger, "localhost", delays)
	h.sched.probeWindow = 30 * time.Millisecond
	h.sched.probeInterval = 5 * time.Millisecond
	h.sched.newSession = func(device store.Device) *wda.Session {
		return wda.NewSession(
			wda.Device{Name: device.Name, UDID: device.UDID, Port: device.AutomationPort},
			logger, wda.WithBaseURL(srv.URL))
	}
	h.sched.newLifecycle = func(*wda.Automation, uuid.UUID) session.Lifecycle {
		return fakeLifecycle{}
	}
	return h
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Stop(context.Background()))
}

func account(state store.AccountState) *store.Account {
	return &store.Account{
		ID: uuid.New(), Platform: store.PlatformTikTok, Username: "money4821",
		CurrentState: state, NicheSlug: "personal_finance",
	}
}

func TestStartNoDevices(t *testing.T) {
	h := newHarness(t, true)
	h.tasks.devices = nil

	err := h.sched.Start(context.Background())
	require.ErrorIs(t, err, ErrNoDevices)
	assert.False(t, h.sched.Running())
	assert.Equal(t, 1, h.sink.count("no_devices"))
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.sched.Start(context.Background()))
	defer stop(t, h.sched)

	require.ErrorIs(t, h.sched.Start(context.Background()), ErrAlreadyRunning)
}

func TestStopWhenNotRunning(t *testing.T) {
	h := newHarness(t, true)
	require.ErrorIs(t, h.sched.Stop(context.Background()), ErrNotRunning)
}

func TestWorkerRunsClaimedSession(t *testing.T) {
	h := newHarness(t, true)
	acct := account(store.StateWarmingP1)
	h.tasks.claims = []claimResult{{acct: acct}}

	require.NoError(t, h.sched.Start(context.Background()))
	defer stop(t, h.sched)

	require.Eventually(t, func() bool { return h.runner.runCount() >= 1 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, acct.ID, h.runner.runs[0])

	st := h.sched.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.DeviceCount)
	assert.Equal(t, 32, st.SessionsPerDayTarget)
	ws, ok := st.Workers[h.device.ID.String()]
	require.True(t, ok)
	assert.Equal(t, "iphone-01", ws.DeviceName)
	assert.GreaterOrEqual(t, ws.SessionsToday, 1)
	require.NotNil(t, ws.LastSessionAt)
}

func TestClaimRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, true)
	acct := account(store.StateWarmingP2)
	h.tasks.claims = []claimResult{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{acct: acct},
	}

	require.NoError(t, h.sched.Start(context.Background()))
	defer stop(t, h.sched)

	require.Eventually(t, func() bool { return h.runner.runCount() >= 1 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, acct.ID, h.runner.runs[0])
	assert.Zero(t, h.sink.count("device_loop_error"))
}

func TestAgentUnreachableMarksDisconnected(t *testing.T) {
	h := newHarness(t, false)

	require.NoError(t, h.sched.Start(context.Background()))
	defer stop(t, h.sched)

	require.Eventually(t, func() bool {
		h.tasks.mu.Lock()
		defer h.tasks.mu.Unlock()
		return h.tasks.statuses[h.device.ID] == store.DeviceDisconnected
	}, 10*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, h.sink.count("disconnected"), 1)
	assert.Zero(t, h.runner.runCount())
}

func TestCreationSkippedWarnsOnce(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.sched.Start(context.Background()))

	require.Eventually(t, func() bool { return h.tasks.heartbeatCount() >= 5 },
		5*time.Second, 5*time.Millisecond)
	stop(t, h.sched)

	assert.Equal(t, 1, h.sink.count("creation_skipped"))
	assert.Zero(t, h.creator.creates)
}

func TestCreationRunsWhenEnabled(t *testing.T) {
	h := newHarness(t, true)
	h.creator.enabled = true

	require.NoError(t, h.sched.Start(context.Background()))
	defer stop(t, h.sched)

	require.Eventually(t, func() bool {
		h.creator.mu.Lock()
		defer h.creator.mu.Unlock()
		return h.creator.creates >= 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.sink.count("creation_skipped"))
}

func TestSessionBudgetBoundsRunner(t *testing.T) {
	h := newHarness(t, true)
	h.sched.delays.SessionBudget = 20 * time.Millisecond
	h.runner.block = true
	h.tasks.claims = []claimResult{{acct: account(store.StateWarmingP1)}}

	require.NoError(t, h.sched.Start(context.Background()))
	defer stop(t, h.sched)

	// The runner holds the session open; the budget must cut it loose and
	// let the worker iterate again.
	require.Eventually(t, func() bool { return h.tasks.heartbeatCount() >= 2 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.runner.runCount())
}

func TestPanicInSessionIsContained(t *testing.T) {
	h := newHarness(t, true)
	h.runner.panic = true
	h.tasks.claims = []claimResult{
		{acct: account(store.StateWarmingP1)},
		{acct: account(store.StateWarmingP3)},
	}

	require.NoError(t, h.sched.Start(context.Background()))
	defer stop(t, h.sched)

	// The panicking first session is absorbed and the worker keeps going.
	require.Eventually(t, func() bool { return h.runner.runCount() >= 1 },
		5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.sink.count("device_loop_error"), 1)
}

func TestStartStopEventSequence(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.sched.Start(context.Background()))
	require.Eventually(t, func() bool { return h.tasks.heartbeatCount() >= 1 },
		5*time.Second, 5*time.Millisecond)
	stop(t, h.sched)

	assert.Equal(t, 1, h.sink.count("started"))
	assert.Equal(t, 1, h.sink.count("stopping"))
	assert.Equal(t, 1, h.sink.count("stopped"))
	assert.False(t, h.sched.Running())
}
