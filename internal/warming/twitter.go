package warming

import (
	"context"
	"log/slog"
	"time"

	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

type twitterWarmer struct {
	auto   *wda.Automation
	logger *slog.Logger
	clock  *clock
}

func newTwitter(auto *wda.Automation, logger *slog.Logger) *twitterWarmer {
	return &twitterWarmer{auto: auto, logger: logger, clock: realClock()}
}

func (w *twitterWarmer) open(ctx context.Context) error {
	if err := w.auto.Session().LaunchApp(ctx, wda.BundleID(store.PlatformTwitter)); err != nil {
		return err
	}
	w.clock.pause(ctx, 2*time.Second, 4*time.Second)
	dismissAlert(ctx, w.auto, w.clock, w.logger, "x")
	return nil
}

// Passive reads the timeline, occasionally opening a tweet's replies.
func (w *twitterWarmer) Passive(ctx context.Context, duration time.Duration) (Report, error) {
	if err := w.open(ctx); err != nil {
		return Report{}, err
	}
	s := w.auto.Session()
	c := w.clock

	start := c.now()
	end := start.Add(duration)
	tweets := 0

	for c.now().Before(end) && ctx.Err() == nil {
		c.pause(ctx, 2*time.Second, 10*time.Second)
		tweets++

		if tweets%8 == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "x")
		}

		_ = s.SwipeUp(ctx, c.uniform(400*time.Millisecond, 800*time.Millisecond))
		c.pause(ctx, 500*time.Millisecond, 2*time.Second)

		if c.chance(0.10) {
			size, _ := s.ScreenSize(ctx)
			_ = s.Tap(ctx, size.Width/2, size.Height*35/100)
			c.pause(ctx, 3*time.Second, 15*time.Second)
			for i := 0; i < c.between(1, 3); i++ {
				_ = s.SwipeUp(ctx, c.uniform(400*time.Millisecond, 700*time.Millisecond))
				c.pause(ctx, 2*time.Second, 5*time.Second)
			}
			w.auto.TapElement(ctx, wda.ByAccessibilityID, "Back") //nolint:errcheck
			c.pause(ctx, time.Second, 2*time.Second)
		}

		if c.chance(0.05) {
			c.pause(ctx, 8*time.Second, 20*time.Second)
		}
	}

	elapsed := c.now().Sub(start).Minutes()
	w.logger.Info("warming: x passive done", "tweets", tweets, "minutes", elapsed)
	return Report{Phase: "passive", TweetsViewed: tweets, DurationMin: elapsed}, nil
}

// Engage reads the timeline with bounded likes.
func (w *twitterWarmer) Engage(ctx context.Context, phase Phase, duration time.Duration) (Report, error) {
	if err := w.open(ctx); err != nil {
		return Report{}, err
	}
	s := w.auto.Session()
	c := w.clock

	maxLikes := c.between(5, 12)
	start := c.now()
	end := start.Add(duration)
	tweets, likes := 0, 0

	for c.now().Before(end) && ctx.Err() == nil {
		c.pause(ctx, 3*time.Second, 10*time.Second)
		tweets++

		if tweets%8 == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "x")
		}

		if likes < maxLikes && c.chance(0.10) {
			if ok, _ := w.auto.TapElement(ctx, wda.ByPredicate,
				`name CONTAINS "Like" AND type == "XCUIElementTypeButton"`); ok {
				likes++
				c.pause(ctx, 20*time.Second, 60*time.Second)
			}
		}

		_ = s.SwipeUp(ctx, c.uniform(400*time.Millisecond, 800*time.Millisecond))
		c.pause(ctx, 500*time.Millisecond, 2*time.Second)
	}

	elapsed := c.now().Sub(start).Minutes()
	w.logger.Info("warming: x engagement done", "tweets", tweets, "likes", likes, "minutes", elapsed)
	return Report{
		Phase:        "light_engagement",
		TweetsViewed: tweets,
		Likes:        likes,
		DurationMin:  elapsed,
	}, nil
}
