package warming

import (
	"context"
	"log/slog"
	"time"

	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

type tikTokWarmer struct {
	auto   *wda.Automation
	logger *slog.Logger
	clock  *clock
}

func newTikTok(auto *wda.Automation, logger *slog.Logger) *tikTokWarmer {
	return &tikTokWarmer{auto: auto, logger: logger, clock: realClock()}
}

func (w *tikTokWarmer) open(ctx context.Context) error {
	if err := w.auto.Session().LaunchApp(ctx, wda.BundleID(store.PlatformTikTok)); err != nil {
		return err
	}
	w.clock.pause(ctx, 3*time.Second, 5*time.Second)
	dismissAlert(ctx, w.auto, w.clock, w.logger, "tiktok")
	return nil
}

// Passive watches the For You feed with zero interactions.
func (w *tikTokWarmer) Passive(ctx context.Context, duration time.Duration) (Report, error) {
	if err := w.open(ctx); err != nil {
		return Report{}, err
	}
	s := w.auto.Session()
	c := w.clock

	start := c.now()
	end := start.Add(duration)
	checkAt := alertEvery(c)
	videos := 0

	for c.now().Before(end) && ctx.Err() == nil {
		// 30% of videos get watched to completion.
		if c.chance(0.3) {
			c.pause(ctx, 20*time.Second, 60*time.Second)
		} else {
			c.pause(ctx, 5*time.Second, 25*time.Second)
		}
		videos++

		if videos%checkAt == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "tiktok")
		}

		_ = s.SwipeUp(ctx, c.uniform(300*time.Millisecond, 600*time.Millisecond))
		c.pause(ctx, 500*time.Millisecond, 1500*time.Millisecond)

		// Zone out: reading comments, looking away from the phone.
		if c.chance(0.08) {
			c.pause(ctx, 5*time.Second, 15*time.Second)
		}
	}

	elapsed := c.now().Sub(start).Minutes()
	w.logger.Info("warming: tiktok passive done", "videos", videos, "minutes", elapsed)
	return Report{Phase: "passive", VideosWatched: videos, DurationMin: elapsed}, nil
}

// Engage watches the feed with bounded likes and follows.
func (w *tikTokWarmer) Engage(ctx context.Context, phase Phase, duration time.Duration) (Report, error) {
	if err := w.open(ctx); err != nil {
		return Report{}, err
	}
	s := w.auto.Session()
	c := w.clock

	maxLikes, maxFollows := engagementCaps(c, phase)
	checkAt := alertEvery(c)
	start := c.now()
	end := start.Add(duration)
	videos, likes, follows := 0, 0, 0

	for c.now().Before(end) && ctx.Err() == nil {
		c.pause(ctx, 8*time.Second, 40*time.Second)
		videos++

		if videos%checkAt == 0 {
			dismissAlert(ctx, w.auto, c, w.logger, "tiktok")
		}

		if likes < maxLikes && c.chance(0.15) {
			if err := w.auto.LikeCurrent(ctx); err == nil {
				likes++
				c.pause(ctx, 30*time.Second, 90*time.Second)
			}
		}

		if follows < maxFollows && c.chance(0.06) {
			if ok, _ := w.auto.TapElement(ctx, wda.ByAccessibilityID, "Follow"); ok {
				follows++
				c.pause(ctx, 30*time.Second, 60*time.Second)
			}
		}

		_ = s.SwipeUp(ctx, c.uniform(300*time.Millisecond, 600*time.Millisecond))
		c.pause(ctx, 500*time.Millisecond, 2*time.Second)
	}

	elapsed := c.now().Sub(start).Minutes()
	w.logger.Info("warming: tiktok engagement done",
		"videos", videos, "likes", likes, "follows", follows, "minutes", elapsed)
	return Report{
		Phase:         "light_engagement",
		VideosWatched: videos,
		Likes:         likes,
		Follows:       follows,
		DurationMin:   elapsed,
	}, nil
}

// SearchHashtags seeds the recommendation algorithm with the account's
// niche before an engagement session. Returns how many tags were browsed.
func (w *tikTokWarmer) SearchHashtags(ctx context.Context, hashtags []string) (int, error) {
	if err := w.open(ctx); err != nil {
		return 0, err
	}
	s := w.auto.Session()
	c := w.clock

	if ok, _ := w.auto.TapElement(ctx, wda.ByAccessibilityID, "Search"); !ok {
		if ok, _ := w.auto.TapElement(ctx, wda.ByAccessibilityID, "Discover"); !ok {
			w.logger.Warn("warming: tiktok search button not found")
			return 0, nil
		}
	}
	c.pause(ctx, 2*time.Second, 4*time.Second)

	want := c.between(2, 4)
	if want > len(hashtags) {
		want = len(hashtags)
	}

	searched := 0
	for _, tag := range hashtags[:want] {
		if ctx.Err() != nil {
			break
		}
		field, err := s.FindElement(ctx, wda.ByClassChain, "**/XCUIElementTypeSearchField")
		if err != nil || field == nil {
			continue
		}
		_ = s.ClickElement(ctx, *field)
		c.sleep(ctx, 500*time.Millisecond)
		if err := s.TypeIntoElement(ctx, *field, "#"+tag); err != nil {
			continue
		}
		c.pause(ctx, 1500*time.Millisecond, 3*time.Second)

		_ = s.PressButton(ctx, "home") // dismiss keyboard
		c.sleep(ctx, 500*time.Millisecond)

		browseEnd := c.now().Add(c.uniform(30*time.Second, 90*time.Second))
		for c.now().Before(browseEnd) && ctx.Err() == nil {
			c.pause(ctx, 5*time.Second, 12*time.Second)
			_ = s.SwipeUp(ctx, c.uniform(400*time.Millisecond, 700*time.Millisecond))
		}

		searched++
		c.pause(ctx, 2*time.Second, 5*time.Second)
	}
	return searched, nil
}
