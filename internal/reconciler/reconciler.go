// Package reconciler detects devices that stopped heartbeating. A device
// worker stamps its row every loop; if the stamp goes stale the device is
// marked disconnected so the fleet view and claim protocol stop counting
// on it.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sovi-systems/devicecore/internal/events"
	"github.com/sovi-systems/devicecore/internal/store"
)

// Fleet is the device store surface the reconciler needs.
type Fleet interface {
	StaleActiveDevices(ctx context.Context, staleAfter time.Duration) ([]store.Device, error)
	SetDeviceStatus(ctx context.Context, id uuid.UUID, status store.DeviceStatus) error
}

// Reconciler periodically sweeps for stale device heartbeats.
type Reconciler struct {
	fleet      Fleet
	emitter    *events.Emitter
	logger     *slog.Logger
	staleAfter time.Duration
	interval   time.Duration
}

func New(fleet Fleet, emitter *events.Emitter, logger *slog.Logger, staleAfter time.Duration) *Reconciler {
	return &Reconciler{
		fleet:      fleet,
		emitter:    emitter,
		logger:     logger,
		staleAfter: staleAfter,
		interval:   60 * time.Second,
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler: starting",
		"interval", r.interval, "stale_after", r.staleAfter)

	// Sweep immediately on startup, then on ticker.
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler: shutting down")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep performs a single staleness pass.
func (r *Reconciler) sweep(ctx context.Context) {
	stale, err := r.fleet.StaleActiveDevices(ctx, r.staleAfter)
	if err != nil {
		r.logger.Error("reconciler: failed to list stale devices", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	for _, d := range stale {
		if ctx.Err() != nil {
			return
		}

		r.logger.Warn("reconciler: heartbeat stale, marking disconnected",
			"device", d.Name, "udid", d.UDID, "last_seen", d.UpdatedAt)

		if err := r.fleet.SetDeviceStatus(ctx, d.ID, store.DeviceDisconnected); err != nil {
			r.logger.Error("reconciler: failed to mark device disconnected",
				"device", d.Name, "error", err)
			continue
		}

		r.emitter.Emit(ctx, events.Event{
			Category: events.CategoryDevice, Severity: events.SeverityWarning,
			EventType: events.TypeDeviceDisconnected, DeviceID: d.ID,
			Message: fmt.Sprintf("device %s heartbeat stale, marked disconnected", d.Name),
			Context: map[string]any{
				"udid":      d.UDID,
				"last_seen": d.UpdatedAt.Format(time.RFC3339),
			},
		})
	}
}
