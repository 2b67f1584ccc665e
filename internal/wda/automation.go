package wda

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sovi-systems/devicecore/internal/store"
)

// bundles maps platforms to their iOS bundle ids.
var bundles = map[store.Platform]string{
	store.PlatformTikTok:    "com.zhiliaoapp.musically",
	store.PlatformInstagram: "com.burbn.instagram",
	store.PlatformYouTube:   "com.google.ios.youtube",
	store.PlatformReddit:    "com.reddit.Reddit",
	store.PlatformTwitter:   "com.atebits.Tweetie2",
}

// BundleID returns the bundle id for a platform, or the input unchanged
// when it already looks like a bundle id.
func BundleID(p store.Platform) string {
	if b, ok := bundles[p]; ok {
		return b
	}
	return string(p)
}

// dismissLabels are the in-app buttons that close promo sheets and
// permission nags.
var dismissLabels = []string{
	"Not Now", "Skip", "Later", "Got it", "Dismiss", "Close", "No thanks",
}

// Automation layers human-ish composite actions over a raw Session.
// Sleep and random are injectable so tests run instantly.
type Automation struct {
	wda    *Session
	logger *slog.Logger

	sleep func(context.Context, time.Duration)
	randF func() float64
}

// AutomationOption configures an Automation.
type AutomationOption func(*Automation)

// WithSleeper replaces the delay function. Tests pass a no-op.
func WithSleeper(sleep func(context.Context, time.Duration)) AutomationOption {
	return func(a *Automation) { a.sleep = sleep }
}

// WithRand replaces the randomness source.
func WithRand(randF func() float64) AutomationOption {
	return func(a *Automation) { a.randF = randF }
}

func NewAutomation(session *Session, logger *slog.Logger, opts ...AutomationOption) *Automation {
	a := &Automation{
		wda:    session,
		logger: logger,
		sleep:  sleepCtx,
		randF:  rand.Float64,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Session exposes the underlying raw session.
func (a *Automation) Session() *Session {
	return a.wda
}

// HumanDelay pauses for a uniformly random interval.
func (a *Automation) HumanDelay(ctx context.Context, min, max time.Duration) {
	a.sleep(ctx, min+time.Duration(a.randF()*float64(max-min)))
}

// Launch brings the platform's app to the foreground, waits for it to
// settle, then clears whatever popups greet it.
func (a *Automation) Launch(ctx context.Context, platform store.Platform) error {
	if err := a.wda.LaunchApp(ctx, BundleID(platform)); err != nil {
		return err
	}
	a.HumanDelay(ctx, 2500*time.Millisecond, 4500*time.Millisecond)
	a.DismissPopups(ctx, 3)
	return nil
}

// DismissPopups clears system alerts and in-app promo sheets, up to
// maxAttempts rounds. Tracking and notification prompts get "Don't Allow";
// everything else is accepted. Returns how many things were dismissed.
func (a *Automation) DismissPopups(ctx context.Context, maxAttempts int) int {
	dismissed := 0
	for i := 0; i < maxAttempts; i++ {
		if ctx.Err() != nil {
			return dismissed
		}

		if text := a.wda.AlertText(ctx); text != "" {
			a.logger.Info("wda: alert showing", "text", truncate(text, 80))
			lower := strings.ToLower(text)
			if strings.Contains(lower, "allow") || strings.Contains(lower, "notif") || strings.Contains(lower, "track") {
				a.wda.DismissAlert(ctx)
			} else {
				a.wda.AcceptAlert(ctx)
			}
			dismissed++
			a.sleep(ctx, 500*time.Millisecond)
			continue
		}

		clicked := false
		for _, label := range dismissLabels {
			el, err := a.wda.FindElement(ctx, ByAccessibilityID, label)
			if err != nil || el == nil {
				continue
			}
			if err := a.wda.ClickElement(ctx, *el); err == nil {
				a.logger.Info("wda: dismissed popup", "label", label)
				dismissed++
				clicked = true
				a.sleep(ctx, 500*time.Millisecond)
				break
			}
		}
		if !clicked {
			break
		}
	}
	return dismissed
}

// LikeCurrent double-taps the center of the screen.
func (a *Automation) LikeCurrent(ctx context.Context) error {
	size, _ := a.wda.ScreenSize(ctx)
	if err := a.wda.DoubleTap(ctx, size.Width/2, size.Height/2); err != nil {
		return err
	}
	a.HumanDelay(ctx, 500*time.Millisecond, 1500*time.Millisecond)
	return nil
}

// TapElement finds and taps one element. Returns false when it is not on
// screen.
func (a *Automation) TapElement(ctx context.Context, using, value string) (bool, error) {
	el, err := a.wda.FindElement(ctx, using, value)
	if err != nil {
		return false, err
	}
	if el == nil {
		return false, nil
	}
	if err := a.wda.ClickElement(ctx, *el); err != nil {
		return false, err
	}
	return true, nil
}

// TypeText finds an element and types into it.
func (a *Automation) TypeText(ctx context.Context, using, value, text string) (bool, error) {
	el, err := a.wda.FindElement(ctx, using, value)
	if err != nil || el == nil {
		return false, err
	}
	if err := a.wda.TypeIntoElement(ctx, *el, text); err != nil {
		return false, err
	}
	return true, nil
}
