// Package scheduler drives the fleet: one worker goroutine per active
// device, each looping claim -> session -> cooldown around the clock.
// When no account needs warming the worker turns to account creation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/sovi-systems/devicecore/internal/applife"
	"github.com/sovi-systems/devicecore/internal/creator"
	"github.com/sovi-systems/devicecore/internal/events"
	"github.com/sovi-systems/devicecore/internal/session"
	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

// A 45 minute session cadence fits 32 sessions into a day.
const sessionsPerDayTarget = 32

const stopGrace = 30 * time.Second

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
	ErrNoDevices      = errors.New("no active devices")
)

// Tasks is the store surface the scheduler needs.
type Tasks interface {
	ActiveDevices(ctx context.Context) ([]store.Device, error)
	UpdateHeartbeat(ctx context.Context, deviceID uuid.UUID) error
	SetDeviceStatus(ctx context.Context, deviceID uuid.UUID, status store.DeviceStatus) error
	ClaimWarmingAccount(ctx context.Context, deviceID uuid.UUID) (*store.Account, error)
}

// SessionRunner executes one warming cycle for a claimed account.
type SessionRunner interface {
	Run(ctx context.Context, device store.Device, acct *store.Account, auto *wda.Automation, life session.Lifecycle) error
}

// AccountCreator builds a new account when no warming work remains.
type AccountCreator interface {
	Enabled() bool
	CreateNext(ctx context.Context, auto *wda.Automation, apps creator.Apps, deviceID uuid.UUID) (uuid.UUID, error)
}

// Delays tune the worker cadence.
type Delays struct {
	Cooldown      time.Duration // after a completed session
	Idle          time.Duration // when there is nothing to do
	ErrorBackoff  time.Duration // after a loop error or unreachable agent
	SessionBudget time.Duration // hard deadline for one whole session, 0 disables
}

// DefaultDelays matches the production cadence.
func DefaultDelays() Delays {
	return Delays{
		Cooldown:      30 * time.Second,
		Idle:          30 * time.Second,
		ErrorBackoff:  60 * time.Second,
		SessionBudget: 45 * time.Minute,
	}
}

// Scheduler owns the per-device workers. Start and Stop are safe to call
// from API handlers concurrently.
type Scheduler struct {
	tasks   Tasks
	runner  SessionRunner
	creator AccountCreator
	emitter *events.Emitter
	logger  *slog.Logger
	delays  Delays

	// automationHost is where the iproxy tunnels to each device terminate.
	automationHost string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers map[uuid.UUID]*worker

	probeWindow   time.Duration
	probeInterval time.Duration

	newSession   func(device store.Device) *wda.Session
	newLifecycle func(auto *wda.Automation, deviceID uuid.UUID) session.Lifecycle
	sleep        func(ctx context.Context, d time.Duration)
}

func New(tasks Tasks, runner SessionRunner, ac AccountCreator, emitter *events.Emitter,
	logger *slog.Logger, automationHost string, delays Delays) *Scheduler {
	s := &Scheduler{
		tasks:          tasks,
		runner:         runner,
		creator:        ac,
		emitter:        emitter,
		logger:         logger,
		delays:         delays,
		automationHost: automationHost,
		workers:        map[uuid.UUID]*worker{},
		probeWindow:    30 * time.Second,
		probeInterval:  2 * time.Second,
	}
	s.newSession = func(device store.Device) *wda.Session {
		return wda.NewSession(
			wda.Device{Name: device.Name, UDID: device.UDID, Port: device.AutomationPort},
			logger,
			wda.WithBaseURL(fmt.Sprintf("http://%s:%d", automationHost, device.AutomationPort)))
	}
	s.newLifecycle = func(auto *wda.Automation, deviceID uuid.UUID) session.Lifecycle {
		return applife.NewManager(auto, emitter, logger, deviceID)
	}
	s.sleep = sleepCtx
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// worker is the live state of one device loop, read by Status.
type worker struct {
	device  store.Device
	breaker *gobreaker.CircuitBreaker

	mu             sync.Mutex
	currentTask    string
	currentAccount string
	sessionsToday  int
	lastSessionAt  *time.Time
	lastError      string
	creationWarned bool
}

func (w *worker) setTask(task, account string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentTask = task
	w.currentAccount = account
}

func (w *worker) setError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastError = msg
}

func (w *worker) sessionDone(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessionsToday++
	w.lastSessionAt = &now
}

// WorkerStatus is one device loop's live state.
type WorkerStatus struct {
	DeviceName     string     `json:"device_name"`
	CurrentTask    string     `json:"current_task"`
	CurrentAccount string     `json:"current_account,omitempty"`
	SessionsToday  int        `json:"sessions_today"`
	LastSessionAt  *time.Time `json:"last_session_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Status is the scheduler's live state for the API.
type Status struct {
	Running              bool                    `json:"running"`
	DeviceCount          int                     `json:"device_count"`
	Workers              map[string]WorkerStatus `json:"workers"`
	SessionsPerDayTarget int                     `json:"sessions_per_day_target"`
}

// Start spins up one worker per active device. Fails when already running
// or when no device is active.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	devices, err := s.tasks.ActiveDevices(ctx)
	if err != nil {
		return fmt.Errorf("list active devices: %w", err)
	}
	if len(devices) == 0 {
		s.emitter.Emit(ctx, events.Event{
			Category: events.CategoryScheduler, Severity: events.SeverityWarning,
			EventType: events.TypeNoDevices,
			Message:   "scheduler started but no active devices found",
		})
		return ErrNoDevices
	}

	s.emitter.Emit(ctx, events.Event{
		Category: events.CategoryScheduler, Severity: events.SeverityInfo,
		EventType: events.TypeSchedulerStarted,
		Message:   fmt.Sprintf("starting scheduler with %d devices", len(devices)),
		Context:   map[string]any{"device_count": len(devices)},
	})

	// Workers outlive the request that started them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.running = true
	s.workers = make(map[uuid.UUID]*worker, len(devices))

	for _, device := range devices {
		w := &worker{
			device:      device,
			currentTask: "starting",
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    "wda-" + device.Name,
				Timeout: s.delays.ErrorBackoff,
			}),
		}
		s.workers[device.ID] = w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deviceLoop(runCtx, w)
		}()
		s.logger.Info("scheduler: started device worker",
			"device", device.Name, "port", device.AutomationPort)
	}
	return nil
}

// Stop cancels all workers and waits up to the grace period for in-flight
// sessions to unwind.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel := s.cancel
	s.mu.Unlock()

	s.emitter.Emit(ctx, events.Event{
		Category: events.CategoryScheduler, Severity: events.SeverityInfo,
		EventType: events.TypeSchedulerStopping, Message: "scheduler stop requested",
	})
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.logger.Warn("scheduler: stop grace period expired with workers still running")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.emitter.Emit(ctx, events.Event{
		Category: events.CategoryScheduler, Severity: events.SeverityInfo,
		EventType: events.TypeSchedulerStopped, Message: "scheduler stopped",
	})
	return nil
}

// Running reports whether workers are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status snapshots the live worker state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:              s.running,
		DeviceCount:          len(s.workers),
		Workers:              make(map[string]WorkerStatus, len(s.workers)),
		SessionsPerDayTarget: sessionsPerDayTarget,
	}
	for id, w := range s.workers {
		w.mu.Lock()
		st.Workers[id.String()] = WorkerStatus{
			DeviceName:     w.device.Name,
			CurrentTask:    w.currentTask,
			CurrentAccount: w.currentAccount,
			SessionsToday:  w.sessionsToday,
			LastSessionAt:  w.lastSessionAt,
			Error:          w.lastError,
		}
		w.mu.Unlock()
	}
	return st
}

// deviceLoop is the forever loop of one device worker.
func (s *Scheduler) deviceLoop(ctx context.Context, w *worker) {
	s.logger.Info("scheduler: device loop started", "device", w.device.Name)

	for ctx.Err() == nil {
		s.iterate(ctx, w)
	}

	w.setTask("stopped", "")
	s.logger.Info("scheduler: device loop ended", "device", w.device.Name)
}

// iterate runs one pass of the worker loop with panic containment: a bug
// in one session must not kill the device's worker.
func (s *Scheduler) iterate(ctx context.Context, w *worker) {
	defer func() {
		if r := recover(); r != nil {
			w.setError(fmt.Sprintf("panic: %v", r))
			s.logger.Error("scheduler: device loop panic",
				"device", w.device.Name, "panic", r, "stack", string(debug.Stack()))
			s.emitter.Emit(ctx, events.Event{
				Category: events.CategoryScheduler, Severity: events.SeverityError,
				EventType: events.TypeDeviceLoopError, DeviceID: w.device.ID,
				Message: fmt.Sprintf("unhandled panic in %s loop", w.device.Name),
				Context: map[string]any{"device_name": w.device.Name, "panic": fmt.Sprint(r)},
			})
			s.sleep(ctx, s.delays.ErrorBackoff)
		}
	}()

	if err := s.tasks.UpdateHeartbeat(ctx, w.device.ID); err != nil {
		s.logger.Warn("scheduler: heartbeat failed", "device", w.device.Name, "error", err)
	}
	w.setError("")

	w.setTask("waiting_for_wda", "")
	sess := s.newSession(w.device)
	if !s.agentReady(ctx, w, sess) {
		w.setTask("wda_unreachable", "")
		w.setError("automation agent not responding")
		s.emitter.Emit(ctx, events.Event{
			Category: events.CategoryDevice, Severity: events.SeverityCritical,
			EventType: events.TypeDeviceDisconnected, DeviceID: w.device.ID,
			Message: fmt.Sprintf("automation agent not responding on %s", w.device.Name),
			Context: map[string]any{"device_name": w.device.Name, "port": w.device.AutomationPort},
		})
		if err := s.tasks.SetDeviceStatus(ctx, w.device.ID, store.DeviceDisconnected); err != nil {
			s.logger.Error("scheduler: failed to mark device disconnected",
				"device", w.device.Name, "error", err)
		}
		s.sleep(ctx, s.delays.ErrorBackoff)
		return
	}

	w.setTask("selecting_task", "")
	acct, err := s.claim(ctx, w.device.ID)
	if err != nil {
		w.setError(err.Error())
		s.emitter.Emit(ctx, events.Event{
			Category: events.CategoryScheduler, Severity: events.SeverityError,
			EventType: events.TypeDeviceLoopError, DeviceID: w.device.ID,
			Message: fmt.Sprintf("task selection failed on %s", w.device.Name),
			Context: map[string]any{"device_name": w.device.Name, "error": err.Error()},
		})
		s.sleep(ctx, s.delays.ErrorBackoff)
		return
	}

	if acct != nil {
		s.runWarming(ctx, w, sess, acct)
		w.setTask("cooldown", "")
		s.sleep(ctx, s.delays.Cooldown)
		return
	}

	if s.runCreation(ctx, w, sess) {
		w.setTask("cooldown", "")
		s.sleep(ctx, s.delays.Cooldown)
		return
	}

	w.setTask("idle", "")
	s.sleep(ctx, s.delays.Idle)
}

// agentReady probes the device's automation agent. The breaker keeps a
// flapping agent from being hammered: once open, probes short-circuit
// until the backoff passes.
func (s *Scheduler) agentReady(ctx context.Context, w *worker, sess *wda.Session) bool {
	_, err := w.breaker.Execute(func() (any, error) {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeWindow)
		defer cancel()
		err := retry.Do(probeCtx, retry.NewConstant(s.probeInterval), func(ctx context.Context) error {
			if sess.IsReady(ctx) {
				return nil
			}
			return retry.RetryableError(errors.New("agent not ready"))
		})
		if err != nil {
			return nil, err
		}
		return true, nil
	})
	return err == nil
}

// claim pulls the next warmable account, retrying transient store errors.
// A nil account with nil error means nothing is eligible today.
func (s *Scheduler) claim(ctx context.Context, deviceID uuid.UUID) (*store.Account, error) {
	var acct *store.Account
	err := retry.Do(ctx, retry.WithMaxRetries(3, retry.NewConstant(time.Second)),
		func(ctx context.Context) error {
			a, err := s.tasks.ClaimWarmingAccount(ctx, deviceID)
			if errors.Is(err, store.ErrNoEligibleAccount) {
				acct = nil
				return nil
			}
			if err != nil {
				return retry.RetryableError(err)
			}
			acct = a
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("claim warming account: %w", err)
	}
	return acct, nil
}

// runWarming executes one full warming session on the claimed account.
func (s *Scheduler) runWarming(ctx context.Context, w *worker, sess *wda.Session, acct *store.Account) {
	label := fmt.Sprintf("%s/%s", acct.Platform, acct.Username)
	w.setTask("warming:"+label, acct.Username)

	if err := sess.Connect(ctx); err != nil {
		w.setError(err.Error())
		s.logger.Error("scheduler: wda connect failed",
			"device", w.device.Name, "account", label, "error", err)
		s.sleep(ctx, s.delays.ErrorBackoff)
		return
	}
	defer func() {
		// Leave the device on the home screen between sessions.
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = sess.PressButton(cleanup, "home")
		sess.Disconnect(cleanup)
		w.setTask("cooldown", "")
	}()

	auto := wda.NewAutomation(sess, s.logger)
	life := s.newLifecycle(auto, w.device.ID)

	runCtx := ctx
	if s.delays.SessionBudget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.delays.SessionBudget)
		defer cancel()
	}
	if err := s.runner.Run(runCtx, w.device, acct, auto, life); err != nil {
		// The runner already emitted the failure event.
		w.setError(err.Error())
		s.logger.Warn("scheduler: warming session failed",
			"device", w.device.Name, "account", label, "error", err)
	}
	w.sessionDone(time.Now().UTC())
}

// runCreation attempts one account creation. Returns false when creation
// is disabled, no niche needs an account, or the slot was contended, so
// the caller idles instead.
func (s *Scheduler) runCreation(ctx context.Context, w *worker, sess *wda.Session) bool {
	if !s.creator.Enabled() {
		w.mu.Lock()
		warned := w.creationWarned
		w.creationWarned = true
		w.mu.Unlock()
		if !warned {
			s.emitter.Emit(ctx, events.Event{
				Category: events.CategoryScheduler, Severity: events.SeverityWarning,
				EventType: events.TypeCreationSkipped, DeviceID: w.device.ID,
				Message: "account creation requires captcha, sms, and imap credentials",
				Context: map[string]any{"reason": "creation_not_configured"},
			})
		}
		return false
	}

	w.setTask("creating", "")
	if err := sess.Connect(ctx); err != nil {
		w.setError(err.Error())
		s.logger.Error("scheduler: wda connect failed for creation",
			"device", w.device.Name, "error", err)
		return false
	}
	defer func() {
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = sess.PressButton(cleanup, "home")
		sess.Disconnect(cleanup)
	}()

	auto := wda.NewAutomation(sess, s.logger)
	life := s.newLifecycle(auto, w.device.ID)
	apps, ok := life.(creator.Apps)
	if !ok {
		s.logger.Error("scheduler: lifecycle does not support installs")
		return false
	}

	id, err := s.creator.CreateNext(ctx, auto, apps, w.device.ID)
	if err != nil {
		if errors.Is(err, creator.ErrSlotBusy) || errors.Is(err, creator.ErrDisabled) ||
			errors.Is(err, creator.ErrNoCreationTarget) {
			return false
		}
		// The creator already emitted the failure event.
		w.setError(err.Error())
		s.logger.Warn("scheduler: account creation failed",
			"device", w.device.Name, "error", err)
		return true
	}

	s.logger.Info("scheduler: account created",
		"device", w.device.Name, "account_id", id)
	w.sessionDone(time.Now().UTC())
	return true
}
