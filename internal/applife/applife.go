// Package applife manages the app lifecycle around a warming session:
// delete the app to rotate the IDFV, reinstall it from the App Store, and
// log the account back in.
package applife

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sovi-systems/devicecore/internal/auth/totp"
	"github.com/sovi-systems/devicecore/internal/events"
	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

const appStoreBundle = "com.apple.AppStore"

// appStoreNames are the display names used for App Store search.
var appStoreNames = map[store.Platform]string{
	store.PlatformTikTok:    "TikTok",
	store.PlatformInstagram: "Instagram",
}

// ErrLoginFailed marks a login that did not land on the main feed. The
// session runner treats it differently from infrastructure errors.
var ErrLoginFailed = errors.New("login failed")

// ErrInstallFailed marks an App Store install that never completed.
var ErrInstallFailed = errors.New("install failed")

// Credentials is a decrypted credential set. It lives only on the stack
// during a session.
type Credentials struct {
	Email      string
	Password   string
	TOTPSecret string
}

// Manager drives delete/install/login on one device session.
type Manager struct {
	auto    *wda.Automation
	emitter *events.Emitter
	logger  *slog.Logger

	deviceID uuid.UUID

	sleep func(context.Context, time.Duration)
	now   func() time.Time
}

func NewManager(auto *wda.Automation, emitter *events.Emitter, logger *slog.Logger, deviceID uuid.UUID) *Manager {
	return &Manager{
		auto:     auto,
		emitter:  emitter,
		logger:   logger,
		deviceID: deviceID,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// DeleteApp removes the platform's app to reset the IDFV. The WDA
// uninstall endpoint is tried first; springboard jiggle-mode deletion is
// the fallback.
func (m *Manager) DeleteApp(ctx context.Context, platform store.Platform) error {
	s := m.auto.Session()
	bundle := wda.BundleID(platform)

	_ = s.TerminateApp(ctx, bundle)
	m.sleep(ctx, time.Second)
	_ = s.PressButton(ctx, "home")
	m.sleep(ctx, time.Second)

	if err := s.UninstallApp(ctx, bundle); err == nil {
		m.logger.Info("applife: deleted app", "platform", platform, "bundle", bundle)
		m.emitter.Emit(ctx, events.Event{
			Category: events.CategoryDevice, Severity: events.SeverityInfo,
			EventType: events.TypeAppDeleted, DeviceID: m.deviceID,
			Message: fmt.Sprintf("deleted %s app for IDFV reset", platform),
			Context: map[string]any{"platform": platform, "bundle_id": bundle},
		})
		return nil
	}

	m.logger.Warn("applife: uninstall endpoint failed, trying springboard", "platform", platform)
	if err := m.deleteViaSpringboard(ctx, platform); err != nil {
		m.emitter.Emit(ctx, events.Event{
			Category: events.CategoryDevice, Severity: events.SeverityError,
			EventType: events.TypeAppDeleteFailed, DeviceID: m.deviceID,
			Message: fmt.Sprintf("failed to delete %s app", platform),
			Context: map[string]any{"platform": platform},
		})
		return err
	}

	m.emitter.Emit(ctx, events.Event{
		Category: events.CategoryDevice, Severity: events.SeverityInfo,
		EventType: events.TypeAppDeleted, DeviceID: m.deviceID,
		Message: fmt.Sprintf("deleted %s app via springboard", platform),
		Context: map[string]any{"platform": platform, "method": "springboard"},
	})
	return nil
}

func (m *Manager) deleteViaSpringboard(ctx context.Context, platform store.Platform) error {
	s := m.auto.Session()

	_ = s.PressButton(ctx, "home")
	m.sleep(ctx, time.Second)
	_ = s.PressButton(ctx, "home")
	m.sleep(ctx, time.Second)

	name := appStoreNames[platform]
	if name == "" {
		name = string(platform)
	}
	icon, err := s.FindElement(ctx, wda.ByAccessibilityID, name)
	if err != nil {
		return err
	}
	if icon == nil {
		return fmt.Errorf("app icon %q not on springboard", name)
	}

	if err := s.TouchAndHold(ctx, *icon, 3*time.Second); err != nil {
		return err
	}
	m.sleep(ctx, 2*time.Second)

	for _, label := range []string{"Remove App", "Delete App"} {
		if ok, _ := m.auto.TapElement(ctx, wda.ByAccessibilityID, label); ok {
			m.sleep(ctx, time.Second)
			break
		}
	}
	for _, label := range []string{"Delete App", "Delete"} {
		if ok, _ := m.auto.TapElement(ctx, wda.ByAccessibilityID, label); ok {
			m.sleep(ctx, 2*time.Second)
			return nil
		}
	}
	return fmt.Errorf("delete confirmation for %s never appeared", platform)
}

// Install reinstalls the platform's app by searching the App Store. The
// device's store account is assumed to be signed in.
func (m *Manager) Install(ctx context.Context, platform store.Platform, timeout time.Duration) error {
	s := m.auto.Session()
	bundle := wda.BundleID(platform)
	name := appStoreNames[platform]
	if name == "" {
		return fmt.Errorf("no app store name for platform %s", platform)
	}

	if err := s.LaunchApp(ctx, appStoreBundle); err != nil {
		return fmt.Errorf("open app store: %w", err)
	}
	m.sleep(ctx, 3*time.Second)
	m.auto.DismissPopups(ctx, 2)

	if ok, _ := m.auto.TapElement(ctx, wda.ByAccessibilityID, "Search"); ok {
		m.sleep(ctx, 2*time.Second)
	}

	field, err := s.FindElement(ctx, wda.ByClassChain, "**/XCUIElementTypeSearchField")
	if err != nil {
		return err
	}
	if field == nil {
		return fmt.Errorf("%w: app store search field not found", ErrInstallFailed)
	}
	_ = s.ClickElement(ctx, *field)
	m.sleep(ctx, 500*time.Millisecond)
	if err := s.TypeIntoElement(ctx, *field, name); err != nil {
		return err
	}
	m.sleep(ctx, time.Second)

	m.auto.TapElement(ctx, wda.ByAccessibilityID, "search") //nolint:errcheck
	m.sleep(ctx, 3*time.Second)

	tapped := false
	for _, label := range []string{"GET", "Get", "INSTALL", "Install"} {
		if ok, _ := m.auto.TapElement(ctx, wda.ByAccessibilityID, label); ok {
			tapped = true
			break
		}
	}
	if !tapped {
		// Redownload shows a cloud icon instead of GET.
		m.auto.TapElement(ctx, wda.ByPredicate, //nolint:errcheck
			`name CONTAINS "download" OR name CONTAINS "cloud"`)
	}

	m.logger.Info("applife: waiting for install", "app", name, "timeout", timeout)
	deadline := m.now().Add(timeout)
	for m.now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		state, err := s.AppState(ctx, bundle)
		if err == nil && state >= wda.AppStateNotRunning {
			m.logger.Info("applife: installed", "app", name)
			m.emitter.Emit(ctx, events.Event{
				Category: events.CategoryDevice, Severity: events.SeverityInfo,
				EventType: events.TypeAppInstalled, DeviceID: m.deviceID,
				Message: fmt.Sprintf("installed %s from App Store", platform),
				Context: map[string]any{"platform": platform, "bundle_id": bundle},
			})
			_ = s.PressButton(ctx, "home")
			m.sleep(ctx, time.Second)
			return nil
		}
		m.sleep(ctx, 5*time.Second)
	}

	m.emitter.Emit(ctx, events.Event{
		Category: events.CategoryDevice, Severity: events.SeverityError,
		EventType: events.TypeInstallFailed, DeviceID: m.deviceID,
		Message: fmt.Sprintf("timed out installing %s", platform),
		Context: map[string]any{"platform": platform, "timeout": timeout.String()},
	})
	return fmt.Errorf("%w: timed out installing %s", ErrInstallFailed, platform)
}

// ResetInstall is the full IDFV rotation: delete then reinstall.
func (m *Manager) ResetInstall(ctx context.Context, platform store.Platform, installTimeout time.Duration) error {
	if err := m.DeleteApp(ctx, platform); err != nil {
		return err
	}
	return m.Install(ctx, platform, installTimeout)
}

// Login signs the account in on the freshly installed app, dispatching on
// platform.
func (m *Manager) Login(ctx context.Context, platform store.Platform, accountID uuid.UUID, creds Credentials) error {
	var err error
	switch platform {
	case store.PlatformTikTok:
		err = m.loginTikTok(ctx, creds)
	case store.PlatformInstagram:
		err = m.loginInstagram(ctx, creds)
	default:
		return fmt.Errorf("unsupported login platform %s", platform)
	}

	if err != nil {
		m.emitter.Emit(ctx, events.Event{
			Category: events.CategoryAccount, Severity: events.SeverityError,
			EventType: events.TypeLoginFailed, DeviceID: m.deviceID, AccountID: accountID,
			Message: fmt.Sprintf("%s login failed for %s", platform, creds.Email),
			Context: map[string]any{"platform": platform, "step": "login"},
		})
		return err
	}

	m.emitter.Emit(ctx, events.Event{
		Category: events.CategoryAccount, Severity: events.SeverityInfo,
		EventType: events.TypeLoginSuccess, DeviceID: m.deviceID, AccountID: accountID,
		Message: fmt.Sprintf("%s login successful for %s", platform, creds.Email),
		Context: map[string]any{"platform": platform},
	})
	return nil
}

func (m *Manager) loginTikTok(ctx context.Context, creds Credentials) error {
	s := m.auto.Session()

	if err := s.LaunchApp(ctx, wda.BundleID(store.PlatformTikTok)); err != nil {
		return err
	}
	m.auto.HumanDelay(ctx, 3*time.Second, 5*time.Second)
	m.auto.DismissPopups(ctx, 3)

	for _, label := range []string{"Use phone / email / username", "Log in", "Log In"} {
		if ok, _ := m.auto.TapElement(ctx, wda.ByAccessibilityID, label); ok {
			m.sleep(ctx, 2*time.Second)
			break
		}
	}
	for _, label := range []string{"Email / Username", "Use email/username"} {
		if ok, _ := m.auto.TapElement(ctx, wda.ByAccessibilityID, label); ok {
			m.sleep(ctx, time.Second)
			break
		}
	}

	if err := m.fillField(ctx,
		`type == "XCUIElementTypeTextField" AND (name CONTAINS "email" OR name CONTAINS "Email" OR placeholderValue CONTAINS "email")`,
		creds.Email); err != nil {
		return err
	}
	if err := m.fillField(ctx, `type == "XCUIElementTypeSecureTextField"`, creds.Password); err != nil {
		return err
	}

	for _, label := range []string{"Log in", "Log In", "Login"} {
		if ok, _ := m.auto.TapElement(ctx, wda.ByAccessibilityID, label); ok {
			break
		}
	}
	m.sleep(ctx, 5*time.Second)

	if creds.TOTPSecret != "" {
		if err := m.submitTOTP(ctx, creds.TOTPSecret); err != nil {
			return err
		}
	}

	m.auto.DismissPopups(ctx, 3)
	m.sleep(ctx, 2*time.Second)

	// If the feed scrolls, the login landed.
	if err := s.SwipeUp(ctx, 400*time.Millisecond); err != nil {
		return fmt.Errorf("%w: feed not reachable after tiktok login", ErrLoginFailed)
	}
	m.sleep(ctx, time.Second)
	return nil
}

func (m *Manager) loginInstagram(ctx context.Context, creds Credentials) error {
	s := m.auto.Session()

	if err := s.LaunchApp(ctx, wda.BundleID(store.PlatformInstagram)); err != nil {
		return err
	}
	m.auto.HumanDelay(ctx, 3*time.Second, 5*time.Second)
	m.auto.DismissPopups(ctx, 3)

	for _, label := range []string{"I already have an account", "Log in", "Log In"} {
		if ok, _ := m.auto.TapElement(ctx, wda.ByAccessibilityID, label); ok {
			m.sleep(ctx, 2*time.Second)
			break
		}
	}

	if err := m.fillField(ctx,
		`type == "XCUIElementTypeTextField" AND (name CONTAINS "Username" OR name CONTAINS "email" OR name CONTAINS "Phone")`,
		creds.Email); err != nil {
		return err
	}
	if err := m.fillField(ctx, `type == "XCUIElementTypeSecureTextField"`, creds.Password); err != nil {
		return err
	}

	for _, label := range []string{"Log in", "Log In", "Login"} {
		pred := fmt.Sprintf(`label == %q AND type == "XCUIElementTypeButton"`, label)
		if ok, _ := m.auto.TapElement(ctx, wda.ByPredicate, pred); ok {
			break
		}
	}
	m.sleep(ctx, 5*time.Second)

	// Save-login-info, notification, and contact sheets stack up here.
	m.auto.DismissPopups(ctx, 5)
	m.sleep(ctx, 2*time.Second)

	if home, _ := s.FindElement(ctx, wda.ByAccessibilityID, "Home"); home != nil {
		return nil
	}

	if err := s.SwipeUp(ctx, 400*time.Millisecond); err != nil {
		return fmt.Errorf("%w: feed not reachable after instagram login", ErrLoginFailed)
	}
	m.sleep(ctx, time.Second)
	return nil
}

func (m *Manager) submitTOTP(ctx context.Context, secret string) error {
	s := m.auto.Session()
	field, err := s.FindElement(ctx, wda.ByPredicate,
		`type == "XCUIElementTypeTextField" AND (name CONTAINS "code" OR name CONTAINS "verification")`)
	if err != nil || field == nil {
		// No 2FA prompt this time.
		return nil
	}

	code, err := totp.Code(secret)
	if err != nil {
		return fmt.Errorf("totp code: %w", err)
	}
	if err := s.TypeIntoElement(ctx, *field, code); err != nil {
		return err
	}
	m.sleep(ctx, time.Second)
	for _, label := range []string{"Verify", "Submit", "Confirm", "Next"} {
		if ok, _ := m.auto.TapElement(ctx, wda.ByAccessibilityID, label); ok {
			break
		}
	}
	m.sleep(ctx, 3*time.Second)
	return nil
}

func (m *Manager) fillField(ctx context.Context, predicate, text string) error {
	s := m.auto.Session()
	field, err := s.FindElement(ctx, wda.ByPredicate, predicate)
	if err != nil {
		return err
	}
	if field == nil {
		return fmt.Errorf("%w: input field not found", ErrLoginFailed)
	}
	_ = s.ClickElement(ctx, *field)
	m.sleep(ctx, 300*time.Millisecond)
	if err := s.TypeIntoElement(ctx, *field, text); err != nil {
		return err
	}
	m.auto.HumanDelay(ctx, 500*time.Millisecond, time.Second)
	return nil
}
