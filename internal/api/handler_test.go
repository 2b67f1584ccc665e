package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/sovi-systems/devicecore/internal/scheduler"
	"github.com/sovi-systems/devicecore/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	accounts    []store.Account
	devices     []store.Device
	events      []store.SystemEvent
	stateCounts []store.StateCount
	unresolved  map[string]int
	lastFilter  store.EventFilter
	transitions map[uuid.UUID]store.AccountState
	resolveErr  error
	registered  []string
}

func (f *fakeStore) AccountStateCounts(context.Context) ([]store.StateCount, error) {
	return f.stateCounts, nil
}

func (f *fakeStore) ListAccounts(_ context.Context, filter store.AccountFilter) ([]store.Account, error) {
	var out []store.Account
	for _, a := range f.accounts {
		if filter.Platform != "" && a.Platform != filter.Platform {
			continue
		}
		if filter.State != "" && a.CurrentState != filter.State {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) GetAccount(_ context.Context, id uuid.UUID) (*store.Account, error) {
	for _, a := range f.accounts {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("account %s: %w", id, sql.ErrNoRows)
}

func (f *fakeStore) TransitionAccountState(_ context.Context, id uuid.UUID, to store.AccountState) error {
	for _, a := range f.accounts {
		if a.ID == id {
			if !store.CanTransition(a.CurrentState, to) {
				return &store.ErrIllegalTransition{From: a.CurrentState, To: to}
			}
			f.mu.Lock()
			if f.transitions == nil {
				f.transitions = map[uuid.UUID]store.AccountState{}
			}
			f.transitions[id] = to
			f.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("account %s: %w", id, sql.ErrNoRows)
}

func (f *fakeStore) ListDevices(context.Context) ([]store.Device, error) {
	return f.devices, nil
}

func (f *fakeStore) RegisterDevice(_ context.Context, name, udid string, port int) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, udid)
	return uuid.New(), nil
}

func (f *fakeStore) SetDeviceStatus(context.Context, uuid.UUID, store.DeviceStatus) error {
	return nil
}

func (f *fakeStore) QueryEvents(_ context.Context, filter store.EventFilter) ([]store.SystemEvent, error) {
	f.mu.Lock()
	f.lastFilter = filter
	f.mu.Unlock()
	return f.events, nil
}

func (f *fakeStore) EventsAfter(_ context.Context, afterID int64, _ int) ([]store.SystemEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SystemEvent
	for _, ev := range f.events {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestEventID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for _, ev := range f.events {
		if ev.ID > max {
			max = ev.ID
		}
	}
	return max, nil
}

func (f *fakeStore) ResolveEvent(_ context.Context, id int64, _ string) error {
	if f.resolveErr != nil {
		return f.resolveErr
	}
	for _, ev := range f.events {
		if ev.ID == id && !ev.Resolved {
			return nil
		}
	}
	return fmt.Errorf("event %d: %w", id, sql.ErrNoRows)
}

func (f *fakeStore) UnresolvedCounts(context.Context) (map[string]int, error) {
	if f.unresolved == nil {
		return map[string]int{}, nil
	}
	return f.unresolved, nil
}

func (f *fakeStore) appendEvent(ev store.SystemEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fakeControl struct {
	running  bool
	startErr error
	stopErr  error
}

func (c *fakeControl) Start(context.Context) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}

func (c *fakeControl) Stop(context.Context) error {
	if c.stopErr != nil {
		return c.stopErr
	}
	c.running = false
	return nil
}

func (c *fakeControl) Status() scheduler.Status {
	return scheduler.Status{
		Running:              c.running,
		Workers:              map[string]scheduler.WorkerStatus{},
		SessionsPerDayTarget: 32,
	}
}

func testServer(t *testing.T, st *fakeStore, ctl *fakeControl) *httptest.Server {
	t.Helper()
	h := New(st, ctl, slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func testAccount(platform store.Platform, state store.AccountState) store.Account {
	return store.Account{
		ID: uuid.New(), Platform: platform, Username: "money4821",
		EmailEnc: "enc-email", PasswordEnc: "enc-pw", TOTPSecretEnc: "enc-totp",
		NicheID: uuid.New(), NicheSlug: "personal_finance",
		CurrentState: state, CreatedAt: time.Now().UTC(),
	}
}

func TestListAccountsRedactsCredentials(t *testing.T) {
	st := &fakeStore{accounts: []store.Account{testAccount(store.PlatformTikTok, store.StateWarmingP1)}}
	srv := testServer(t, st, &fakeControl{})

	resp, err := http.Get(srv.URL + "/api/accounts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body, 1)
	assert.Equal(t, "money4821", body[0]["username"])
	// Credential tokens never leave the process.
	_, has := body[0]["email_enc"]
	assert.False(t, has)
	_, has = body[0]["password_enc"]
	assert.False(t, has)
}

func TestGetAccountNotFound(t *testing.T) {
	srv := testServer(t, &fakeStore{}, &fakeControl{})

	resp, err := http.Get(srv.URL + "/api/accounts/" + uuid.NewString())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransitionAccount(t *testing.T) {
	acct := testAccount(store.PlatformTikTok, store.StateActive)
	st := &fakeStore{accounts: []store.Account{acct}}
	srv := testServer(t, st, &fakeControl{})

	body := bytes.NewBufferString(`{"state": "shadowbanned"}`)
	resp, err := http.Post(srv.URL+"/api/accounts/"+acct.ID.String()+"/transition", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, store.StateShadowbanned, st.transitions[acct.ID])
}

func TestTransitionAccountIllegal(t *testing.T) {
	acct := testAccount(store.PlatformTikTok, store.StateBanned)
	st := &fakeStore{accounts: []store.Account{acct}}
	srv := testServer(t, st, &fakeControl{})

	body := bytes.NewBufferString(`{"state": "active"}`)
	resp, err := http.Post(srv.URL+"/api/accounts/"+acct.ID.String()+"/transition", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRegisterDeviceValidation(t *testing.T) {
	st := &fakeStore{}
	srv := testServer(t, st, &fakeControl{})

	resp, err := http.Post(srv.URL+"/api/devices", "application/json",
		bytes.NewBufferString(`{"name": "iphone-01"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/devices", "application/json",
		bytes.NewBufferString(`{"name": "iphone-01", "udid": "abc123", "automation_port": 8100}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"abc123"}, st.registered)
}

func TestQueryEventsFilterParsing(t *testing.T) {
	st := &fakeStore{}
	srv := testServer(t, st, &fakeControl{})

	resp, err := http.Get(srv.URL + "/api/events?severity=error&category=scheduler&resolved=false&after_id=42&limit=10")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st.mu.Lock()
	f := st.lastFilter
	st.mu.Unlock()
	assert.Equal(t, "error", f.Severity)
	assert.Equal(t, "scheduler", f.Category)
	require.NotNil(t, f.Resolved)
	assert.False(t, *f.Resolved)
	assert.Equal(t, int64(42), f.AfterID)
	assert.Equal(t, 10, f.Limit)
}

func TestQueryEventsBadCursor(t *testing.T) {
	srv := testServer(t, &fakeStore{}, &fakeControl{})

	resp, err := http.Get(srv.URL + "/api/events?after_id=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveEventDoubleAck(t *testing.T) {
	st := &fakeStore{events: []store.SystemEvent{{ID: 7, Resolved: true}}}
	srv := testServer(t, st, &fakeControl{})

	resp, err := http.Post(srv.URL+"/api/events/7/resolve", "application/json",
		bytes.NewBufferString(`{"resolved_by": "ops"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedulerLifecycleEndpoints(t *testing.T) {
	ctl := &fakeControl{}
	srv := testServer(t, &fakeStore{}, ctl)

	resp, err := http.Post(srv.URL+"/api/scheduler/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, ctl.running)

	ctl.startErr = scheduler.ErrAlreadyRunning
	resp, err = http.Post(srv.URL+"/api/scheduler/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/scheduler/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status scheduler.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Running)
	assert.Equal(t, 32, status.SessionsPerDayTarget)
}

func TestSchedulerStartNoDevices(t *testing.T) {
	ctl := &fakeControl{startErr: scheduler.ErrNoDevices}
	srv := testServer(t, &fakeStore{}, ctl)

	resp, err := http.Post(srv.URL+"/api/scheduler/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestOverviewShape(t *testing.T) {
	st := &fakeStore{
		stateCounts: []store.StateCount{{Platform: store.PlatformTikTok, State: store.StateActive, Count: 3}},
		devices:     []store.Device{{ID: uuid.New(), Status: store.DeviceActive}},
		unresolved:  map[string]int{"error": 2},
	}
	srv := testServer(t, st, &fakeControl{running: true})

	resp, err := http.Get(srv.URL + "/api/overview")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "accounts")
	assert.Contains(t, body, "devices")
	assert.Contains(t, body, "unresolved_events")
	assert.Contains(t, body, "scheduler")
	assert.Equal(t, float64(1), body["device_count"])
}

func TestStreamEventsTailsNewRows(t *testing.T) {
	st := &fakeStore{events: []store.SystemEvent{{ID: 1, EventType: "started", Context: store.JSONMap{}}}}
	h := New(st, &fakeControl{}, slog.New(slog.DiscardHandler))
	h.streamPoll = 5 * time.Millisecond
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/logs/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	// Only rows appended after the stream opened are delivered.
	st.appendEvent(store.SystemEvent{ID: 2, EventType: "warming_started", Context: store.JSONMap{}})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var ev store.SystemEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, int64(2), ev.ID)
	assert.Equal(t, "warming_started", ev.EventType)
}
