package events

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/sovi-systems/devicecore/internal/store"
)

type captureSink struct {
	events []store.NewEvent
	err    error
}

func (c *captureSink) InsertEvent(_ context.Context, ev store.NewEvent) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.events = append(c.events, ev)
	return int64(len(c.events)), nil
}

func TestEmitPersistsIDs(t *testing.T) {
	sink := &captureSink{}
	em := NewEmitter(sink, slog.New(slog.DiscardHandler))

	deviceID := uuid.New()
	em.Emit(context.Background(), Event{
		Category:  CategoryDevice,
		Severity:  SeverityError,
		EventType: TypeDeviceDisconnected,
		DeviceID:  deviceID,
		Message:   "device offline",
		Context:   map[string]any{"udid": "abc123"},
	})

	if assert.Len(t, sink.events, 1) {
		got := sink.events[0]
		assert.Equal(t, CategoryDevice, got.Category)
		assert.Equal(t, TypeDeviceDisconnected, got.EventType)
		if assert.NotNil(t, got.DeviceID) {
			assert.Equal(t, deviceID, *got.DeviceID)
		}
		assert.Nil(t, got.AccountID)
		assert.Equal(t, "abc123", got.Context["udid"])
	}
}

func TestEmitSwallowsSinkFailure(t *testing.T) {
	sink := &captureSink{err: errors.New("db down")}
	em := NewEmitter(sink, slog.New(slog.DiscardHandler))

	assert.NotPanics(t, func() {
		em.Info(context.Background(), CategoryScheduler, TypeSchedulerStarted, "scheduler started")
	})
}
