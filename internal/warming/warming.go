// Package warming runs human-shaped consumption and engagement sessions on
// a logged-in device. Phase decides the behavior mix: passive phases only
// consume, later phases add bounded likes and follows.
package warming

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

// Phase is the behavior intensity of a warming session.
type Phase int

const (
	PhasePassive  Phase = 1
	PhaseLight    Phase = 2
	PhaseModerate Phase = 3
	PhaseActive   Phase = 4
)

func (p Phase) String() string {
	switch p {
	case PhasePassive:
		return "passive"
	case PhaseLight:
		return "light"
	case PhaseModerate:
		return "moderate"
	case PhaseActive:
		return "active"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Name is the canonical uppercase form carried in persisted event context.
func (p Phase) Name() string {
	switch p {
	case PhasePassive:
		return "PASSIVE"
	case PhaseLight:
		return "LIGHT"
	case PhaseModerate:
		return "MODERATE"
	case PhaseActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("PHASE(%d)", int(p))
	}
}

// PhaseForState maps an account's lifecycle state to the session phase it
// should run.
func PhaseForState(state store.AccountState) Phase {
	switch state {
	case store.StateCreated, store.StateWarmingP1:
		return PhasePassive
	case store.StateWarmingP2:
		return PhaseLight
	case store.StateWarmingP3:
		return PhaseModerate
	default:
		return PhaseActive
	}
}

// Config is one warming session's parameters.
type Config struct {
	DeviceName    string
	Platform      store.Platform
	Phase         Phase
	NicheHashtags []string
	Duration      time.Duration
}

// Report is what a session did, persisted as the progress row's
// session_data.
type Report struct {
	Phase         string  `json:"phase"`
	VideosWatched int     `json:"videos_watched,omitempty"`
	PostsViewed   int     `json:"posts_viewed,omitempty"`
	ReelsWatched  int     `json:"reels_watched,omitempty"`
	ShortsWatched int     `json:"shorts_watched,omitempty"`
	TweetsViewed  int     `json:"tweets_viewed,omitempty"`
	Likes         int     `json:"likes,omitempty"`
	Follows       int     `json:"follows,omitempty"`
	Upvotes       int     `json:"upvotes,omitempty"`
	TagsSearched  int     `json:"tags_searched,omitempty"`
	DurationMin   float64 `json:"duration_min"`
}

// Data renders the report for the jsonb column.
func (r Report) Data() store.JSONMap {
	m := store.JSONMap{
		"phase":        r.Phase,
		"duration_min": r.DurationMin,
	}
	put := func(k string, v int) {
		if v > 0 {
			m[k] = v
		}
	}
	put("videos_watched", r.VideosWatched)
	put("posts_viewed", r.PostsViewed)
	put("reels_watched", r.ReelsWatched)
	put("shorts_watched", r.ShortsWatched)
	put("tweets_viewed", r.TweetsViewed)
	put("likes", r.Likes)
	put("follows", r.Follows)
	put("upvotes", r.Upvotes)
	put("tags_searched", r.TagsSearched)
	return m
}

// Warmer runs one platform's behaviors.
type Warmer interface {
	Passive(ctx context.Context, duration time.Duration) (Report, error)
	Engage(ctx context.Context, phase Phase, duration time.Duration) (Report, error)
}

// clock bundles the time and randomness sources so tests can collapse
// hours of simulated behavior into microseconds.
type clock struct {
	now   func() time.Time
	sleep func(context.Context, time.Duration)
	randF func() float64
	randN func(n int) int
}

func realClock() *clock {
	return &clock{
		now: time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
		randF: rand.Float64,
		randN: rand.IntN,
	}
}

// uniform returns a duration in [min, max).
func (c *clock) uniform(min, max time.Duration) time.Duration {
	return min + time.Duration(c.randF()*float64(max-min))
}

// pause sleeps for a uniform interval.
func (c *clock) pause(ctx context.Context, min, max time.Duration) {
	c.sleep(ctx, c.uniform(min, max))
}

// between returns an int in [min, max].
func (c *clock) between(min, max int) int {
	return min + c.randN(max-min+1)
}

// chance rolls a probability.
func (c *clock) chance(p float64) bool {
	return c.randF() < p
}

// New builds the warmer for a platform.
func New(platform store.Platform, auto *wda.Automation, logger *slog.Logger) (Warmer, error) {
	switch platform {
	case store.PlatformTikTok:
		return newTikTok(auto, logger), nil
	case store.PlatformInstagram:
		return newInstagram(auto, logger), nil
	case store.PlatformReddit:
		return newReddit(auto, logger), nil
	case store.PlatformYouTube:
		return newYouTube(auto, logger), nil
	case store.PlatformTwitter:
		return newTwitter(auto, logger), nil
	default:
		return nil, fmt.Errorf("unsupported warming platform %s", platform)
	}
}

// Run executes one session per the config.
func Run(ctx context.Context, auto *wda.Automation, logger *slog.Logger, cfg Config) (Report, error) {
	w, err := New(cfg.Platform, auto, logger)
	if err != nil {
		return Report{}, err
	}
	logger.Info("warming: session starting",
		"platform", cfg.Platform, "phase", cfg.Phase.String(), "device", cfg.DeviceName)

	if cfg.Phase == PhasePassive {
		return w.Passive(ctx, cfg.Duration)
	}
	if tk, ok := w.(*tikTokWarmer); ok && len(cfg.NicheHashtags) > 0 && cfg.Phase >= PhaseLight {
		if n, err := tk.SearchHashtags(ctx, cfg.NicheHashtags); err == nil && n > 0 {
			logger.Info("warming: searched niche hashtags", "count", n)
		}
	}
	return w.Engage(ctx, cfg.Phase, cfg.Duration)
}

// engagementCaps returns the like/follow ceilings for a phase. Accounts
// past warming get looser ceilings.
func engagementCaps(c *clock, phase Phase) (maxLikes, maxFollows int) {
	if phase >= PhaseActive {
		return c.between(8, 15), c.between(5, 10)
	}
	return c.between(5, 10), c.between(3, 7)
}

// alertEvery is how often (in items) the lightweight alert check runs.
func alertEvery(c *clock) int {
	return c.between(5, 8)
}

// dismissAlert is the lightweight check used mid-session: only a system
// alert probe, never an element search, because the feed UI is too heavy.
func dismissAlert(ctx context.Context, auto *wda.Automation, c *clock, logger *slog.Logger, app string) {
	s := auto.Session()
	if text := s.AlertText(ctx); text != "" {
		logger.Info("warming: alert during session", "app", app, "text", text)
		s.DismissAlert(ctx)
		c.sleep(ctx, 500*time.Millisecond)
	}
}
