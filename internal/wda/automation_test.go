package wda

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovi-systems/devicecore/internal/store"
)

func testAutomation(t *testing.T, fake *fakeWDA) *Automation {
	t.Helper()
	s := testSession(t, fake)
	require.NoError(t, s.Connect(context.Background()))
	a := NewAutomation(s, slog.New(slog.DiscardHandler))
	a.sleep = func(context.Context, time.Duration) {}
	a.randF = func() float64 { return 0.5 }
	return a
}

func TestBundleID(t *testing.T) {
	assert.Equal(t, "com.zhiliaoapp.musically", BundleID(store.PlatformTikTok))
	assert.Equal(t, "com.burbn.instagram", BundleID(store.PlatformInstagram))
	assert.Equal(t, "com.atebits.Tweetie2", BundleID(store.PlatformTwitter))
	// unknown platforms pass through as a bundle id
	assert.Equal(t, "com.example.app", BundleID(store.Platform("com.example.app")))
}

func TestDismissPopupsTrackingAlertGetsDenied(t *testing.T) {
	fake := newFakeWDA()
	a := testAutomation(t, fake)
	fake.alert = `Allow "TikTok" to track your activity?`

	n := a.DismissPopups(context.Background(), 3)
	assert.GreaterOrEqual(t, n, 1)
	assert.True(t, fake.saw("POST /session/sess-1234/alert/dismiss"))
	assert.False(t, fake.saw("POST /session/sess-1234/alert/accept"))
}

func TestDismissPopupsClicksInAppButtons(t *testing.T) {
	fake := newFakeWDA()
	a := testAutomation(t, fake)

	// fakeWDA exposes a "Not Now" element; the first round clicks it and
	// the second round finds nothing and stops.
	n := a.DismissPopups(context.Background(), 3)
	assert.Equal(t, 1, n)
	assert.True(t, fake.saw("POST /session/sess-1234/element/el-42/click"))
}

func TestLaunchDismissesPopupsAfterSettle(t *testing.T) {
	fake := newFakeWDA()
	a := testAutomation(t, fake)

	require.NoError(t, a.Launch(context.Background(), store.PlatformTikTok))
	assert.True(t, fake.saw("POST /session/sess-1234/wda/apps/activate"))
}

func TestTapElement(t *testing.T) {
	fake := newFakeWDA()
	a := testAutomation(t, fake)

	ok, err := a.TapElement(context.Background(), ByAccessibilityID, "Not Now")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.TapElement(context.Background(), ByAccessibilityID, "Missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
