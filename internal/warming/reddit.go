package warming

import (
	"context"
	"log/slog"
	"time"

	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

type redditWarmer struct {
	auto   *wda.Automation
	logger *slog.Logger
	clock  *clock
}

func newReddit(auto *wda.Automation, logger *slog.Logger) *redditWarmer {
	return &redditWarmer{auto: auto, logger: logger, clock: realClock()}
}

func (w *redditWarmer) open(ctx context.Context) error {
	if err := w.auto.Session().LaunchApp(ctx, wda.BundleID(store.PlatformReddit)); err != nil {
		return err
	}
	w.clock.pause(ctx, 2*time.Second, 4*time.Second)
	dismissAlert(ctx, w.auto, w.clock, w.logger, "reddit")
	return nil
}

// Passive scrolls the home feed, occasionally opening a post to read
// comments.
func (w *redditWarmer) Passive(ctx context.Context, duration time.Duration) (Report, error) {
	if err := w.open(ctx); err != nil {
		return Report{}, err
	}
	s := w.auto.Session()
	c := w.clock

	start := c.now()
	end := start.Add(duration)
	posts := 0

	for c.now().Before(end) && ctx.Err() == nil {
		c.pause(ctx, 3*time.Second, 15*time.Second)
		posts++

		if posts%8 == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "reddit")
		}

		_ = s.SwipeUp(ctx, c.uniform(400*time.Millisecond, 800*time.Millisecond))
		c.pause(ctx, 500*time.Millisecond, 2*time.Second)

		// Open a post and read its comment thread.
		if c.chance(0.15) {
			size, _ := s.ScreenSize(ctx)
			_ = s.Tap(ctx, size.Width/2, size.Height*2/5)
			c.pause(ctx, 3*time.Second, 12*time.Second)
			for i := 0; i < c.between(1, 4); i++ {
				_ = s.SwipeUp(ctx, c.uniform(400*time.Millisecond, 700*time.Millisecond))
				c.pause(ctx, 2*time.Second, 5*time.Second)
			}
			// Edge swipe back to the feed.
			_ = s.Swipe(ctx, 0, size.Height/2, size.Width, size.Height/2, 300*time.Millisecond)
			c.pause(ctx, time.Second, 3*time.Second)
		}

		// Long post, long read.
		if c.chance(0.05) {
			c.pause(ctx, 10*time.Second, 30*time.Second)
		}
	}

	elapsed := c.now().Sub(start).Minutes()
	w.logger.Info("warming: reddit passive done", "posts", posts, "minutes", elapsed)
	return Report{Phase: "passive", PostsViewed: posts, DurationMin: elapsed}, nil
}

// Engage scrolls with bounded upvotes.
func (w *redditWarmer) Engage(ctx context.Context, phase Phase, duration time.Duration) (Report, error) {
	if err := w.open(ctx); err != nil {
		return Report{}, err
	}
	s := w.auto.Session()
	c := w.clock

	maxUpvotes := c.between(5, 15)
	start := c.now()
	end := start.Add(duration)
	posts, upvotes := 0, 0

	for c.now().Before(end) && ctx.Err() == nil {
		c.pause(ctx, 3*time.Second, 12*time.Second)
		posts++

		if posts%8 == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "reddit")
		}

		if upvotes < maxUpvotes && c.chance(0.12) {
			if ok, _ := w.auto.TapElement(ctx, wda.ByPredicate,
				`name CONTAINS "upvote" OR name CONTAINS "Upvote"`); ok {
				upvotes++
				c.pause(ctx, 15*time.Second, 45*time.Second)
			}
		}

		_ = s.SwipeUp(ctx, c.uniform(400*time.Millisecond, 800*time.Millisecond))
		c.pause(ctx, 500*time.Millisecond, 2*time.Second)
	}

	elapsed := c.now().Sub(start).Minutes()
	w.logger.Info("warming: reddit engagement done", "posts", posts, "upvotes", upvotes, "minutes", elapsed)
	return Report{
		Phase:       "light_engagement",
		PostsViewed: posts,
		Upvotes:     upvotes,
		DurationMin: elapsed,
	}, nil
}
