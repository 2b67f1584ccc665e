package warming

import (
	"context"
	"log/slog"
	"time"

	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

type youTubeWarmer struct {
	auto   *wda.Automation
	logger *slog.Logger
	clock  *clock
}

func newYouTube(auto *wda.Automation, logger *slog.Logger) *youTubeWarmer {
	return &youTubeWarmer{auto: auto, logger: logger, clock: realClock()}
}

func (w *youTubeWarmer) open(ctx context.Context) error {
	if err := w.auto.Session().LaunchApp(ctx, wda.BundleID(store.PlatformYouTube)); err != nil {
		return err
	}
	w.clock.pause(ctx, 3*time.Second, 5*time.Second)
	dismissAlert(ctx, w.auto, w.clock, w.logger, "youtube")
	return nil
}

func (w *youTubeWarmer) gotoShorts(ctx context.Context) {
	w.auto.TapElement(ctx, wda.ByAccessibilityID, "Shorts") //nolint:errcheck
	w.clock.pause(ctx, 2*time.Second, 4*time.Second)
}

// Passive splits the session 40% home feed, 60% Shorts.
func (w *youTubeWarmer) Passive(ctx context.Context, duration time.Duration) (Report, error) {
	if err := w.open(ctx); err != nil {
		return Report{}, err
	}
	s := w.auto.Session()
	c := w.clock

	start := c.now()
	end := start.Add(duration)
	homeEnd := start.Add(duration * 2 / 5)
	checkAt := alertEvery(c)
	videos, shorts := 0, 0

	for c.now().Before(homeEnd) && ctx.Err() == nil {
		c.pause(ctx, 5*time.Second, 20*time.Second)
		_ = s.SwipeUp(ctx, c.uniform(500*time.Millisecond, 900*time.Millisecond))
		videos++

		if videos%checkAt == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "youtube")
		}

		// Tap a thumbnail and watch for a while.
		if c.chance(0.15) {
			size, _ := s.ScreenSize(ctx)
			_ = s.Tap(ctx, size.Width/2, size.Height*35/100)
			c.pause(ctx, 15*time.Second, 60*time.Second)
			w.auto.TapElement(ctx, wda.ByAccessibilityID, "Collapse") //nolint:errcheck
			c.pause(ctx, time.Second, 3*time.Second)
		}
	}

	w.gotoShorts(ctx)

	for c.now().Before(end) && ctx.Err() == nil {
		if c.chance(0.3) {
			c.pause(ctx, 20*time.Second, 58*time.Second)
		} else {
			c.pause(ctx, 5*time.Second, 20*time.Second)
		}
		shorts++
		if shorts%checkAt == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "youtube")
		}
		_ = s.SwipeUp(ctx, c.uniform(300*time.Millisecond, 600*time.Millisecond))
		c.pause(ctx, 500*time.Millisecond, 1500*time.Millisecond)
	}

	elapsed := c.now().Sub(start).Minutes()
	w.logger.Info("warming: youtube passive done", "videos", videos, "shorts", shorts, "minutes", elapsed)
	return Report{Phase: "passive", VideosWatched: videos, ShortsWatched: shorts, DurationMin: elapsed}, nil
}

// Engage watches Shorts with bounded likes.
func (w *youTubeWarmer) Engage(ctx context.Context, phase Phase, duration time.Duration) (Report, error) {
	if err := w.open(ctx); err != nil {
		return Report{}, err
	}
	s := w.auto.Session()
	c := w.clock

	maxLikes := c.between(3, 8)
	if phase >= PhaseActive {
		maxLikes = c.between(6, 12)
	}
	checkAt := alertEvery(c)
	start := c.now()
	end := start.Add(duration)
	shorts, likes := 0, 0

	w.gotoShorts(ctx)

	for c.now().Before(end) && ctx.Err() == nil {
		c.pause(ctx, 8*time.Second, 40*time.Second)
		shorts++

		if shorts%checkAt == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "youtube")
		}

		if likes < maxLikes && c.chance(0.12) {
			if ok, _ := w.auto.TapElement(ctx, wda.ByAccessibilityID, "Like"); ok {
				likes++
				c.pause(ctx, 20*time.Second, 60*time.Second)
			}
		}

		_ = s.SwipeUp(ctx, c.uniform(300*time.Millisecond, 600*time.Millisecond))
		c.pause(ctx, 500*time.Millisecond, 2*time.Second)
	}

	elapsed := c.now().Sub(start).Minutes()
	w.logger.Info("warming: youtube engagement done", "shorts", shorts, "likes", likes, "minutes", elapsed)
	return Report{
		Phase:         "light_engagement",
		ShortsWatched: shorts,
		Likes:         likes,
		DurationMin:   elapsed,
	}, nil
}
