package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovi-systems/devicecore/internal/events"
	"github.com/sovi-systems/devicecore/internal/store"
)

type fakeFleet struct {
	mu        sync.Mutex
	stale     []store.Device
	listErr   error
	setErr    error
	statuses  map[uuid.UUID]store.DeviceStatus
	lastStale time.Duration
}

func (f *fakeFleet) StaleActiveDevices(_ context.Context, staleAfter time.Duration) ([]store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStale = staleAfter
	return f.stale, f.listErr
}

func (f *fakeFleet) SetDeviceStatus(_ context.Context, id uuid.UUID, status store.DeviceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	if f.statuses == nil {
		f.statuses = map[uuid.UUID]store.DeviceStatus{}
	}
	f.statuses[id] = status
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

func newReconciler(fleet *fakeFleet) (*Reconciler, *eventSink) {
	logger := slog.New(slog.DiscardHandler)
	sink := &eventSink{}
	return New(fleet, events.NewEmitter(sink, logger), logger, 5*time.Minute), sink
}

func staleDevice(name string) store.Device {
	return store.Device{
		ID:        uuid.New(),
		Name:      name,
		UDID:      "udid-" + name,
		Status:    store.DeviceActive,
		UpdatedAt: time.Now().Add(-10 * time.Minute),
	}
}

func TestSweepMarksStaleDevicesDisconnected(t *testing.T) {
	d1, d2 := staleDevice("iphone-01"), staleDevice("iphone-02")
	fleet := &fakeFleet{stale: []store.Device{d1, d2}}
	r, sink := newReconciler(fleet)

	r.sweep(context.Background())

	assert.Equal(t, store.DeviceDisconnected, fleet.statuses[d1.ID])
	assert.Equal(t, store.DeviceDisconnected, fleet.statuses[d2.ID])
	assert.Equal(t, 5*time.Minute, fleet.lastStale)

	require.Len(t, sink.events, 2)
	ev := sink.events[0]
	assert.Equal(t, "device", ev.Category)
	assert.Equal(t, "disconnected", ev.EventType)
	assert.Equal(t, "warning", ev.Severity)
	require.NotNil(t, ev.DeviceID)
	assert.Equal(t, d1.ID, *ev.DeviceID)
}

func TestSweepNoStaleDevicesIsQuiet(t *testing.T) {
	fleet := &fakeFleet{}
	r, sink := newReconciler(fleet)

	r.sweep(context.Background())
	assert.Empty(t, sink.events)
}

func TestSweepStatusUpdateFailureSkipsEvent(t *testing.T) {
	fleet := &fakeFleet{
		stale:  []store.Device{staleDevice("iphone-03")},
		setErr: errors.New("db down"),
	}
	r, sink := newReconciler(fleet)

	r.sweep(context.Background())
	assert.Empty(t, sink.events)
}

func TestRunStopsOnCancel(t *testing.T) {
	fleet := &fakeFleet{}
	r, _ := newReconciler(fleet)
	r.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
