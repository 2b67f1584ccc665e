// Package api is the dashboard-facing JSON surface: fleet overview,
// accounts, devices, the event log, a live SSE tail of it, and scheduler
// control.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sovi-systems/devicecore/internal/scheduler"
	"github.com/sovi-systems/devicecore/internal/store"
)

// Store is the read/write surface the handlers use.
type Store interface {
	AccountStateCounts(ctx context.Context) ([]store.StateCount, error)
	ListAccounts(ctx context.Context, f store.AccountFilter) ([]store.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*store.Account, error)
	TransitionAccountState(ctx context.Context, accountID uuid.UUID, to store.AccountState) error
	ListDevices(ctx context.Context) ([]store.Device, error)
	RegisterDevice(ctx context.Context, name, udid string, automationPort int) (uuid.UUID, error)
	SetDeviceStatus(ctx context.Context, deviceID uuid.UUID, status store.DeviceStatus) error
	QueryEvents(ctx context.Context, f store.EventFilter) ([]store.SystemEvent, error)
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]store.SystemEvent, error)
	LatestEventID(ctx context.Context) (int64, error)
	ResolveEvent(ctx context.Context, id int64, resolvedBy string) error
	UnresolvedCounts(ctx context.Context) (map[string]int, error)
}

// Control is the scheduler surface the handlers use.
type Control interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() scheduler.Status
}

// Handler serves the orchestrator API.
type Handler struct {
	store   Store
	control Control
	logger  *slog.Logger

	// streamPoll is the SSE poll cadence.
	streamPoll time.Duration
}

func New(st Store, control Control, logger *slog.Logger) *Handler {
	return &Handler{store: st, control: control, logger: logger, streamPoll: 2 * time.Second}
}

// Router returns the chi router with all routes registered.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/overview", h.Overview)

		r.Get("/accounts", h.ListAccounts)
		r.Get("/accounts/{accountID}", h.GetAccount)
		r.Post("/accounts/{accountID}/transition", h.TransitionAccount)

		r.Get("/devices", h.ListDevices)
		r.Post("/devices", h.RegisterDevice)
		r.Post("/devices/{deviceID}/status", h.SetDeviceStatus)

		r.Get("/events", h.QueryEvents)
		r.Get("/events/unresolved", h.UnresolvedEvents)
		r.Post("/events/{eventID}/resolve", h.ResolveEvent)
		r.Get("/logs/stream", h.StreamEvents)

		r.Post("/scheduler/start", h.StartScheduler)
		r.Post("/scheduler/stop", h.StopScheduler)
		r.Get("/scheduler/status", h.SchedulerStatus)
	})

	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// accountView redacts credential tokens from API responses.
type accountView struct {
	ID              uuid.UUID          `json:"id"`
	Platform        store.Platform     `json:"platform"`
	Username        string             `json:"username"`
	NicheID         uuid.UUID          `json:"niche_id"`
	NicheSlug       string             `json:"niche_slug"`
	DeviceID        *uuid.UUID         `json:"device_id,omitempty"`
	CurrentState    store.AccountState `json:"current_state"`
	WarmingDayCount int                `json:"warming_day_count"`
	Followers       int                `json:"followers"`
	Following       int                `json:"following"`
	Bio             string             `json:"bio,omitempty"`
	LastActivityAt  *time.Time         `json:"last_activity_at,omitempty"`
	LastWarmedAt    *time.Time         `json:"last_warmed_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

func toAccountView(a store.Account) accountView {
	return accountView{
		ID:              a.ID,
		Platform:        a.Platform,
		Username:        a.Username,
		NicheID:         a.NicheID,
		NicheSlug:       a.NicheSlug,
		DeviceID:        a.DeviceID,
		CurrentState:    a.CurrentState,
		WarmingDayCount: a.WarmingDayCount,
		Followers:       a.Followers,
		Following:       a.Following,
		Bio:             a.Bio,
		LastActivityAt:  a.LastActivityAt,
		LastWarmedAt:    a.LastWarmedAt,
		CreatedAt:       a.CreatedAt,
	}
}

// Overview aggregates fleet state for the dashboard landing page.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	states, err := h.store.AccountStateCounts(ctx)
	if err != nil {
		h.logger.Error("api: overview state counts failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	devices, err := h.store.ListDevices(ctx)
	if err != nil {
		h.logger.Error("api: overview devices failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	unresolved, err := h.store.UnresolvedCounts(ctx)
	if err != nil {
		h.logger.Error("api: overview unresolved counts failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	recent, err := h.store.QueryEvents(ctx, store.EventFilter{Limit: 20})
	if err != nil {
		h.logger.Error("api: overview recent events failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	deviceCounts := map[string]int{}
	for _, d := range devices {
		deviceCounts[string(d.Status)]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accounts":          states,
		"devices":           deviceCounts,
		"device_count":      len(devices),
		"unresolved_events": unresolved,
		"recent_events":     recent,
		"scheduler":         h.control.Status(),
	})
}

// ListAccounts filters by platform, state, and niche id.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AccountFilter{
		Platform: store.Platform(q.Get("platform")),
		State:    store.AccountState(q.Get("state")),
	}
	if v := q.Get("niche_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			http.Error(w, "invalid niche_id", http.StatusBadRequest)
			return
		}
		f.NicheID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	accounts, err := h.store.ListAccounts(r.Context(), f)
	if err != nil {
		h.logger.Error("api: list accounts failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toAccountView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	acct, err := h.store.GetAccount(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("api: get account failed", "account", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(*acct))
}

// TransitionAccount moves an account to a new lifecycle state, subject to
// the legality rules.
func (h *Handler) TransitionAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	var req struct {
		State store.AccountState `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.State == "" {
		http.Error(w, "state required", http.StatusBadRequest)
		return
	}

	err = h.store.TransitionAccountState(r.Context(), id, req.State)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, sql.ErrNoRows):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		var illegal *store.ErrIllegalTransition
		if errors.As(err, &illegal) {
			http.Error(w, illegal.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("api: transition failed", "account", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices(r.Context())
	if err != nil {
		h.logger.Error("api: list devices failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// RegisterDevice upserts a device by UDID.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name"`
		UDID           string `json:"udid"`
		AutomationPort int    `json:"automation_port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.UDID == "" || req.AutomationPort == 0 {
		http.Error(w, "udid and automation_port required", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = req.UDID
	}

	id, err := h.store.RegisterDevice(r.Context(), req.Name, req.UDID, req.AutomationPort)
	if err != nil {
		h.logger.Error("api: register device failed", "udid", req.UDID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *Handler) SetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	var req struct {
		Status store.DeviceStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, "status required", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case store.DeviceActive, store.DeviceMaintenance, store.DeviceFailed, store.DeviceDisconnected:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	if err := h.store.SetDeviceStatus(r.Context(), id, req.Status); err != nil {
		h.logger.Error("api: set device status failed", "device", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryEvents is the cursored event log query.
func (h *Handler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	f, ok := h.eventFilter(w, r)
	if !ok {
		return
	}
	events, err := h.store.QueryEvents(r.Context(), f)
	if err != nil {
		h.logger.Error("api: query events failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.SystemEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) eventFilter(w http.ResponseWriter, r *http.Request) (store.EventFilter, bool) {
	q := r.URL.Query()
	f := store.EventFilter{
		Category:  q.Get("category"),
		Severity:  q.Get("severity"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("device_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			http.Error(w, "invalid device_id", http.StatusBadRequest)
			return f, false
		}
		f.DeviceID = id
	}
	if v := q.Get("account_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			http.Error(w, "invalid account_id", http.StatusBadRequest)
			return f, false
		}
		f.AccountID = id
	}
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid resolved", http.StatusBadRequest)
			return f, false
		}
		f.Resolved = &b
	}
	if v := q.Get("after_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid after_id", http.StatusBadRequest)
			return f, false
		}
		f.AfterID = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

// UnresolvedEvents returns open events plus severity totals.
func (h *Handler) UnresolvedEvents(w http.ResponseWriter, r *http.Request) {
	resolved := false
	events, err := h.store.QueryEvents(r.Context(), store.EventFilter{Resolved: &resolved})
	if err != nil {
		h.logger.Error("api: unresolved events failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	counts, err := h.store.UnresolvedCounts(r.Context())
	if err != nil {
		h.logger.Error("api: unresolved counts failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.SystemEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "counts": counts})
}

func (h *Handler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "eventID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid event id", http.StatusBadRequest)
		return
	}
	var req struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}

	err = h.store.ResolveEvent(r.Context(), id, req.ResolvedBy)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, sql.ErrNoRows):
		http.Error(w, "not found or already resolved", http.StatusNotFound)
	default:
		h.logger.Error("api: resolve event failed", "event", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// StreamEvents tails the event log as Server-Sent Events. New rows are
// polled every streamPoll and written as one data frame per event.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	lastID, err := h.store.LatestEventID(ctx)
	if err != nil {
		h.logger.Error("api: stream cursor init failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if v := r.URL.Query().Get("after_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.streamPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := h.store.EventsAfter(ctx, lastID, 100)
		if err != nil {
			h.logger.Warn("api: stream poll failed", "error", err)
			continue
		}
		for _, ev := range events {
			buf, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(buf) + "\n\n")); err != nil {
				return
			}
			lastID = ev.ID
		}
		if len(events) > 0 {
			flusher.Flush()
		}
	}
}

// StartScheduler brings the device workers up.
func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	err := h.control.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.control.Status())
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, scheduler.ErrNoDevices):
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	default:
		h.logger.Error("api: scheduler start failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// StopScheduler winds the device workers down.
func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	err := h.control.Stop(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.control.Status())
	case errors.Is(err, scheduler.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("api: scheduler stop failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.control.Status())
}
