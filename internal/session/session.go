// Package session runs one full warming cycle on a claimed account: app
// reset for IDFV rotation, reinstall, login, the warming behavior itself,
// and the atomic completion write.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sovi-systems/devicecore/internal/applife"
	"github.com/sovi-systems/devicecore/internal/crypto"
	"github.com/sovi-systems/devicecore/internal/events"
	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/warming"
	"github.com/sovi-systems/devicecore/internal/wda"
)

// Lifecycle is the slice of applife the runner needs.
type Lifecycle interface {
	ResetInstall(ctx context.Context, platform store.Platform, installTimeout time.Duration) error
	Login(ctx context.Context, platform store.Platform, accountID uuid.UUID, creds applife.Credentials) error
}

// Recorder is the slice of the store the runner writes through.
type Recorder interface {
	CompleteWarmingSession(ctx context.Context, res store.SessionResult) error
	RecordWarmingFailure(ctx context.Context, res store.SessionResult, cause string) error
	TransitionAccountState(ctx context.Context, accountID uuid.UUID, to store.AccountState) error
}

// Classifier inspects a session failure and decides whether the account
// should be parked in an exception state. Empty means no transition.
type Classifier func(platform store.Platform, err error) store.AccountState

// DefaultClassifier leaves the account where it is; dedicated detection
// runs elsewhere.
func DefaultClassifier(store.Platform, error) store.AccountState { return "" }

// Budgets caps each stage of a cycle.
type Budgets struct {
	Overhead time.Duration // delete + install + login
	Warming  time.Duration
	Install  time.Duration // App Store wait inside the overhead stage
}

func DefaultBudgets() Budgets {
	return Budgets{
		Overhead: 15 * time.Minute,
		Warming:  30 * time.Minute,
		Install:  2 * time.Minute,
	}
}

// Runner executes warming cycles.
type Runner struct {
	recorder Recorder
	codec    *crypto.Codec
	emitter  *events.Emitter
	logger   *slog.Logger
	budgets  Budgets
	classify Classifier

	// test seam around the behavior engine
	warm func(ctx context.Context, auto *wda.Automation, logger *slog.Logger, cfg warming.Config) (warming.Report, error)
	now  func() time.Time
}

func NewRunner(recorder Recorder, codec *crypto.Codec, emitter *events.Emitter, logger *slog.Logger, budgets Budgets) *Runner {
	return &Runner{
		recorder: recorder,
		codec:    codec,
		emitter:  emitter,
		logger:   logger,
		budgets:  budgets,
		classify: DefaultClassifier,
		warm:     warming.Run,
		now:      time.Now,
	}
}

// SetClassifier installs a failure classifier.
func (r *Runner) SetClassifier(c Classifier) {
	if c != nil {
		r.classify = c
	}
}

// Run drives one cycle for a claimed account. The wda session is already
// connected; the caller owns disconnect and the home-button cleanup.
func (r *Runner) Run(ctx context.Context, device store.Device, acct *store.Account, auto *wda.Automation, life Lifecycle) error {
	phase := warming.PhaseForState(acct.CurrentState)
	started := r.now()

	r.emitter.Emit(ctx, events.Event{
		Category: events.CategoryScheduler, Severity: events.SeverityInfo,
		EventType: events.TypeWarmingStarted, DeviceID: device.ID, AccountID: acct.ID,
		Message: fmt.Sprintf("warming %s/%s", acct.Platform, acct.Username),
		Context: map[string]any{
			"platform": acct.Platform, "phase": phase.Name(),
			"duration_min": r.budgets.Warming.Minutes(),
		},
	})

	base := store.SessionResult{
		AccountID: acct.ID,
		DeviceID:  device.ID,
		Platform:  acct.Platform,
		Phase:     int(phase),
		Day:       acct.WarmingDayCount,
		StartedAt: started,
	}

	// An overhead abort leaves no progress row: the account is untouched
	// and the step event already carries the failure.
	if err := r.overhead(ctx, device, acct, life); err != nil {
		r.maybeDegrade(ctx, acct, err)
		return err
	}

	warmCtx, cancel := context.WithTimeout(ctx, r.budgets.Warming+2*time.Minute)
	defer cancel()

	report, err := r.warm(warmCtx, auto, r.logger, warming.Config{
		DeviceName:    device.Name,
		Platform:      acct.Platform,
		Phase:         phase,
		NicheHashtags: NicheHashtags[acct.NicheSlug],
		Duration:      r.budgets.Warming,
	})
	if err != nil {
		err = fmt.Errorf("warming behavior: %w", err)
		r.emitter.Emit(ctx, events.Event{
			Category: events.CategoryScheduler, Severity: events.SeverityError,
			EventType: events.TypeWarmingFailed, DeviceID: device.ID, AccountID: acct.ID,
			Message: fmt.Sprintf("warming failed for %s/%s", acct.Platform, acct.Username),
			Context: map[string]any{"platform": acct.Platform, "username": acct.Username},
		})
		r.recordFailure(ctx, base, err)
		r.maybeDegrade(ctx, acct, err)
		return err
	}

	day := acct.WarmingDayCount + 1
	next := store.StateForDay(day)
	res := base
	res.Day = day
	res.NextState = next
	res.SessionData = report.Data()

	if err := r.recorder.CompleteWarmingSession(ctx, res); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}

	r.emitter.Emit(ctx, events.Event{
		Category: events.CategoryScheduler, Severity: events.SeverityInfo,
		EventType: events.TypeWarmingComplete, DeviceID: device.ID, AccountID: acct.ID,
		Message: fmt.Sprintf("warmed %s/%s: %d videos", acct.Platform, acct.Username, report.VideosWatched),
		Context: map[string]any{
			"platform":       acct.Platform,
			"videos_watched": report.VideosWatched,
			"likes":          report.Likes,
			"duration_min":   report.DurationMin,
			"phase":          phase.Name(),
			"new_state":      next,
			"warming_day":    day,
		},
	})
	return nil
}

// overhead is the delete + install + login stage under its own budget.
func (r *Runner) overhead(ctx context.Context, device store.Device, acct *store.Account, life Lifecycle) error {
	octx, cancel := context.WithTimeout(ctx, r.budgets.Overhead)
	defer cancel()

	if err := life.ResetInstall(octx, acct.Platform, r.budgets.Install); err != nil {
		r.emitter.Emit(ctx, events.Event{
			Category: events.CategoryScheduler, Severity: events.SeverityError,
			EventType: events.TypeInstallFailed, DeviceID: device.ID, AccountID: acct.ID,
			Message: fmt.Sprintf("failed to install %s for warming", acct.Platform),
			Context: map[string]any{"platform": acct.Platform},
		})
		return fmt.Errorf("reset install: %w", err)
	}

	creds, err := r.decryptCredentials(acct)
	if err != nil {
		// Fail closed: a row that no longer decrypts is never retried
		// silently.
		r.emitter.Emit(ctx, events.Event{
			Category: events.CategoryScheduler, Severity: events.SeverityCritical,
			EventType: events.TypeCredentialFailure, DeviceID: device.ID, AccountID: acct.ID,
			Message: fmt.Sprintf("credential decryption failed for %s/%s", acct.Platform, acct.Username),
			Context: map[string]any{"platform": acct.Platform, "username": acct.Username},
		})
		return err
	}

	if err := life.Login(octx, acct.Platform, acct.ID, creds); err != nil {
		r.emitter.Emit(ctx, events.Event{
			Category: events.CategoryScheduler, Severity: events.SeverityError,
			EventType: events.TypeLoginFailed, DeviceID: device.ID, AccountID: acct.ID,
			Message: fmt.Sprintf("login failed for %s/%s", acct.Platform, acct.Username),
			Context: map[string]any{"platform": acct.Platform, "username": acct.Username, "step": "login"},
		})
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

func (r *Runner) decryptCredentials(acct *store.Account) (applife.Credentials, error) {
	var creds applife.Credentials
	var err error
	if acct.EmailEnc != "" {
		if creds.Email, err = r.codec.DecryptString(acct.EmailEnc); err != nil {
			return creds, fmt.Errorf("decrypt email for %s: %w", acct.Username, err)
		}
	}
	if acct.PasswordEnc != "" {
		if creds.Password, err = r.codec.DecryptString(acct.PasswordEnc); err != nil {
			return creds, fmt.Errorf("decrypt password for %s: %w", acct.Username, err)
		}
	}
	if acct.TOTPSecretEnc != "" {
		if creds.TOTPSecret, err = r.codec.DecryptString(acct.TOTPSecretEnc); err != nil {
			return creds, fmt.Errorf("decrypt totp secret for %s: %w", acct.Username, err)
		}
	}
	return creds, nil
}

func (r *Runner) recordFailure(ctx context.Context, base store.SessionResult, cause error) {
	if err := r.recorder.RecordWarmingFailure(ctx, base, cause.Error()); err != nil {
		r.logger.Error("session: failed to record warming failure", "error", err)
	}
}

// maybeDegrade asks the classifier whether this failure means the platform
// has acted against the account.
func (r *Runner) maybeDegrade(ctx context.Context, acct *store.Account, cause error) {
	target := r.classify(acct.Platform, cause)
	if target == "" {
		return
	}
	if err := r.recorder.TransitionAccountState(ctx, acct.ID, target); err != nil {
		var illegal *store.ErrIllegalTransition
		if !errors.As(err, &illegal) {
			r.logger.Error("session: degradation transition failed",
				"account", acct.Username, "target", target, "error", err)
		}
		return
	}
	r.logger.Warn("session: account degraded",
		"account", acct.Username, "platform", acct.Platform, "state", target)
}
