package warming

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

type instagramWarmer struct {
	auto   *wda.Automation
	logger *slog.Logger
	clock  *clock
}

func newInstagram(auto *wda.Automation, logger *slog.Logger) *instagramWarmer {
	return &instagramWarmer{auto: auto, logger: logger, clock: realClock()}
}

func (w *instagramWarmer) open(ctx context.Context) error {
	if err := w.auto.Session().LaunchApp(ctx, wda.BundleID(store.PlatformInstagram)); err != nil {
		return err
	}
	w.clock.pause(ctx, 2*time.Second, 4*time.Second)
	dismissAlert(ctx, w.auto, w.clock, w.logger, "instagram")
	return nil
}

// Passive splits the session 40% feed browsing, 60% Reels.
func (w *instagramWarmer) Passive(ctx context.Context, duration time.Duration) (Report, error) {
	if err := w.open(ctx); err != nil {
		return Report{}, err
	}
	s := w.auto.Session()
	c := w.clock

	start := c.now()
	end := start.Add(duration)
	feedEnd := start.Add(duration * 2 / 5)
	checkAt := alertEvery(c)
	posts, reels := 0, 0

	for c.now().Before(feedEnd) && ctx.Err() == nil {
		c.pause(ctx, 3*time.Second, 10*time.Second)
		_ = s.SwipeUp(ctx, c.uniform(500*time.Millisecond, 900*time.Millisecond))
		posts++
		if posts%checkAt == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "instagram")
		}
	}

	w.auto.TapElement(ctx, wda.ByAccessibilityID, "Reels") //nolint:errcheck
	c.pause(ctx, 2*time.Second, 4*time.Second)

	for c.now().Before(end) && ctx.Err() == nil {
		if c.chance(0.25) {
			c.pause(ctx, 20*time.Second, 60*time.Second)
		} else {
			c.pause(ctx, 5*time.Second, 25*time.Second)
		}
		reels++
		if reels%checkAt == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "instagram")
		}
		_ = s.SwipeUp(ctx, c.uniform(300*time.Millisecond, 600*time.Millisecond))
		c.pause(ctx, 500*time.Millisecond, 1500*time.Millisecond)
	}

	elapsed := c.now().Sub(start).Minutes()
	w.logger.Info("warming: instagram passive done", "posts", posts, "reels", reels, "minutes", elapsed)
	return Report{Phase: "passive", PostsViewed: posts, ReelsWatched: reels, DurationMin: elapsed}, nil
}

// Engage browses with bounded likes and follows. Instagram's follow cap is
// tighter than TikTok's.
func (w *instagramWarmer) Engage(ctx context.Context, phase Phase, duration time.Duration) (Report, error) {
	if err := w.open(ctx); err != nil {
		return Report{}, err
	}
	s := w.auto.Session()
	c := w.clock

	maxLikes, _ := engagementCaps(c, phase)
	maxFollows := c.between(3, 5)
	if phase >= PhaseActive {
		maxFollows = c.between(5, 8)
	}
	checkAt := alertEvery(c)
	start := c.now()
	end := start.Add(duration)
	posts, likes, follows := 0, 0, 0

	for c.now().Before(end) && ctx.Err() == nil {
		c.pause(ctx, 5*time.Second, 15*time.Second)
		posts++

		if posts%checkAt == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "instagram")
		}

		if likes < maxLikes && c.chance(0.12) {
			if err := w.auto.LikeCurrent(ctx); err == nil {
				likes++
				c.pause(ctx, 30*time.Second, 90*time.Second)
			}
		}

		if follows < maxFollows && c.chance(0.06) {
			pred := fmt.Sprintf(`label == %q AND type == "XCUIElementTypeButton"`, "Follow")
			if ok, _ := w.auto.TapElement(ctx, wda.ByPredicate, pred); ok {
				follows++
				c.pause(ctx, 30*time.Second, 60*time.Second)
			}
		}

		_ = s.SwipeUp(ctx, c.uniform(500*time.Millisecond, 800*time.Millisecond))
		c.pause(ctx, time.Second, 3*time.Second)
	}

	elapsed := c.now().Sub(start).Minutes()
	w.logger.Info("warming: instagram engagement done",
		"posts", posts, "likes", likes, "follows", follows, "minutes", elapsed)
	return Report{
		Phase:       "light_engagement",
		PostsViewed: posts,
		Likes:       likes,
		Follows:     follows,
		DurationMin: elapsed,
	}, nil
}
