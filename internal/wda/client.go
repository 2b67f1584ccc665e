// Package wda is a direct WebDriverAgent HTTP client. WDA speaks a W3C
// WebDriver-compatible API over an iproxy tunnel; talking to it directly
// avoids an Appium middle tier for the automation the core needs.
package wda

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Device is one phone reachable through its tunnel port.
type Device struct {
	Name string
	UDID string
	Port int
}

func (d Device) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", d.Port)
}

// Size is the device screen size in points.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// defaultScreen is the iPhone 16 size, used when the size query fails.
var defaultScreen = Size{Width: 393, Height: 852}

// Session is one live WDA session on one device. The heavy client covers
// slow endpoints (session create, screenshots, source); the gesture client
// uses a short timeout because gestures execute fast on-device even when
// WDA is slow to answer under a heavy app UI.
type Session struct {
	device  Device
	baseURL string
	heavy   *http.Client
	gesture *http.Client
	logger  *slog.Logger

	sessionID  string
	screenSize *Size
}

// Option configures a Session.
type Option func(*Session)

// WithTimeouts overrides the heavy and gesture client timeouts.
func WithTimeouts(heavy, gesture time.Duration) Option {
	return func(s *Session) {
		s.heavy.Timeout = heavy
		s.gesture.Timeout = gesture
	}
}

// WithBaseURL points the session at an arbitrary endpoint. Used by tests.
func WithBaseURL(base string) Option {
	return func(s *Session) {
		s.baseURL = base
	}
}

// NewSession builds an unconnected session for the device.
func NewSession(device Device, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		device:  device,
		heavy:   &http.Client{Timeout: 60 * time.Second},
		gesture: &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		baseURL: device.BaseURL(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type wdaResponse struct {
	SessionID string          `json:"sessionId"`
	Value     json.RawMessage `json:"value"`
}

func (s *Session) do(ctx context.Context, client *http.Client, method, path string, body any) (*wdaResponse, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal wda request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read wda response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &statusError{code: resp.StatusCode, body: string(raw)}
	}
	var out wdaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode wda response: %w", err)
	}
	return &out, nil
}

// statusError is a non-2xx WDA reply. WDA reports "no such element" and
// "no alert" as HTTP 404 with an error object in value.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("wda http %d: %s", e.code, truncate(e.body, 200))
}

// isNotFound reports whether the error is WDA saying the thing being asked
// about does not exist right now.
func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// isTimeout reports whether the transport timed out. Gestures treat a
// timeout as "likely executed" rather than a failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Connect creates the WDA session and eagerly caches the screen size while
// WDA is fresh.
func (s *Session) Connect(ctx context.Context) error {
	resp, err := s.do(ctx, s.heavy, http.MethodPost, "/session",
		map[string]any{"capabilities": map[string]any{"alwaysMatch": map[string]any{}}})
	if err != nil {
		return fmt.Errorf("create wda session on %s: %w", s.device.Name, err)
	}

	s.sessionID = resp.SessionID
	if s.sessionID == "" {
		var value struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(resp.Value, &value)
		s.sessionID = value.SessionID
	}
	if s.sessionID == "" {
		return fmt.Errorf("create wda session on %s: no session id in response", s.device.Name)
	}
	s.logger.Info("wda: session created", "device", s.device.Name, "session", truncate(s.sessionID, 8))

	if _, err := s.ScreenSize(ctx); err != nil {
		s.logger.Warn("wda: screen size probe failed", "device", s.device.Name, "error", err)
	}
	return nil
}

// Disconnect tears the session down. Safe to call twice.
func (s *Session) Disconnect(ctx context.Context) {
	if s.sessionID == "" {
		return
	}
	if _, err := s.do(ctx, s.heavy, http.MethodDelete, "/session/"+s.sessionID, nil); err != nil {
		s.logger.Warn("wda: session delete failed", "device", s.device.Name, "error", err)
	}
	s.sessionID = ""
}

func (s *Session) sp(path string) string {
	return "/session/" + s.sessionID + path
}

// Status returns the raw WDA status value.
func (s *Session) Status(ctx context.Context) (map[string]any, error) {
	resp, err := s.do(ctx, s.heavy, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, fmt.Errorf("wda status: %w", err)
	}
	var value map[string]any
	if err := json.Unmarshal(resp.Value, &value); err != nil {
		return nil, fmt.Errorf("decode wda status: %w", err)
	}
	return value, nil
}

// IsReady reports whether WDA answers and declares itself ready.
func (s *Session) IsReady(ctx context.Context) bool {
	st, err := s.Status(ctx)
	if err != nil {
		return false
	}
	ready, _ := st["ready"].(bool)
	return ready
}

// ScreenSize returns the cached screen size, querying once and falling back
// to the default on any failure.
func (s *Session) ScreenSize(ctx context.Context) (Size, error) {
	if s.screenSize != nil {
		return *s.screenSize, nil
	}
	resp, err := s.do(ctx, s.heavy, http.MethodGet, s.sp("/window/size"), nil)
	if err != nil {
		s.screenSize = &defaultScreen
		return defaultScreen, fmt.Errorf("window size: %w", err)
	}
	var size Size
	if err := json.Unmarshal(resp.Value, &size); err != nil || size.Width == 0 || size.Height == 0 {
		s.logger.Warn("wda: bad screen size response, using default", "device", s.device.Name)
		s.screenSize = &defaultScreen
		return defaultScreen, nil
	}
	s.screenSize = &size
	return size, nil
}

// Screenshot returns the current screen as PNG bytes. A timeout yields an
// empty slice, not an error.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	resp, err := s.do(ctx, s.heavy, http.MethodGet, s.sp("/screenshot"), nil)
	if err != nil {
		if isTimeout(err) {
			s.logger.Warn("wda: screenshot timed out", "device", s.device.Name)
			return nil, nil
		}
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	var b64 string
	if err := json.Unmarshal(resp.Value, &b64); err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	png, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot payload: %w", err)
	}
	return png, nil
}

// LaunchApp activates an app by bundle id. A timeout is tolerated: the
// activation usually went through.
func (s *Session) LaunchApp(ctx context.Context, bundleID string) error {
	_, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/wda/apps/activate"),
		map[string]string{"bundleId": bundleID})
	if err != nil {
		if isTimeout(err) {
			s.logger.Warn("wda: launch timed out, may have succeeded", "bundle", bundleID)
			return nil
		}
		return fmt.Errorf("launch %s: %w", bundleID, err)
	}
	s.logger.Info("wda: launched app", "device", s.device.Name, "bundle", bundleID)
	return nil
}

// TerminateApp force-stops an app. Timeouts are tolerated.
func (s *Session) TerminateApp(ctx context.Context, bundleID string) error {
	_, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/wda/apps/terminate"),
		map[string]string{"bundleId": bundleID})
	if err != nil {
		if isTimeout(err) {
			s.logger.Warn("wda: terminate timed out", "bundle", bundleID)
			return nil
		}
		return fmt.Errorf("terminate %s: %w", bundleID, err)
	}
	return nil
}

// UninstallApp removes an app through WDA's uninstall endpoint.
func (s *Session) UninstallApp(ctx context.Context, bundleID string) error {
	_, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/wda/apps/uninstall"),
		map[string]string{"bundleId": bundleID})
	if err != nil {
		return fmt.Errorf("uninstall %s: %w", bundleID, err)
	}
	return nil
}

// App states as reported by WDA.
const (
	AppStateNotRunning = 1
	AppStateBackground = 2
	AppStateSuspended  = 3
	AppStateForeground = 4
)

// AppState returns the app's runtime state.
func (s *Session) AppState(ctx context.Context, bundleID string) (int, error) {
	resp, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/wda/apps/state"),
		map[string]string{"bundleId": bundleID})
	if err != nil {
		return 0, fmt.Errorf("app state %s: %w", bundleID, err)
	}
	var state int
	if err := json.Unmarshal(resp.Value, &state); err != nil {
		return 0, fmt.Errorf("decode app state: %w", err)
	}
	return state, nil
}

// Locator strategies WDA understands.
const (
	ByAccessibilityID = "accessibility id"
	ByPredicate       = "predicate string"
	ByClassChain      = "class chain"
	ByXPath           = "xpath"
)

// Element is a found UI element reference.
type Element struct {
	ID string
}

type elementPayload struct {
	Element   string `json:"ELEMENT"`
	ElementW3 string `json:"element-6066-11e4-a52e-4f735466cecf"`
}

func (p elementPayload) id() string {
	if p.Element != "" {
		return p.Element
	}
	return p.ElementW3
}

// FindElement returns the first matching element, or nil when nothing
// matches or the lookup times out.
func (s *Session) FindElement(ctx context.Context, using, value string) (*Element, error) {
	resp, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/element"),
		map[string]string{"using": using, "value": value})
	if err != nil {
		if isTimeout(err) || isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find element %s=%q: %w", using, value, err)
	}
	var p elementPayload
	if err := json.Unmarshal(resp.Value, &p); err != nil || p.id() == "" {
		return nil, nil
	}
	return &Element{ID: p.id()}, nil
}

// FindElements returns every matching element. Timeouts yield an empty
// slice.
func (s *Session) FindElements(ctx context.Context, using, value string) ([]Element, error) {
	resp, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/elements"),
		map[string]string{"using": using, "value": value})
	if err != nil {
		if isTimeout(err) || isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find elements %s=%q: %w", using, value, err)
	}
	var payloads []elementPayload
	if err := json.Unmarshal(resp.Value, &payloads); err != nil {
		return nil, nil
	}
	out := make([]Element, 0, len(payloads))
	for _, p := range payloads {
		if id := p.id(); id != "" {
			out = append(out, Element{ID: id})
		}
	}
	return out, nil
}

// ClickElement taps a previously found element. Timeouts are tolerated.
func (s *Session) ClickElement(ctx context.Context, el Element) error {
	_, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/element/"+el.ID+"/click"), nil)
	if err != nil {
		if isTimeout(err) {
			s.logger.Warn("wda: element click timed out, may have succeeded")
			return nil
		}
		return fmt.Errorf("click element: %w", err)
	}
	return nil
}

// TouchAndHold long-presses an element, which puts springboard icons into
// jiggle mode.
func (s *Session) TouchAndHold(ctx context.Context, el Element, duration time.Duration) error {
	_, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/wda/element/"+el.ID+"/touchAndHold"),
		map[string]any{"duration": duration.Seconds()})
	if err != nil {
		return fmt.Errorf("touch and hold: %w", err)
	}
	return nil
}

// TypeIntoElement sends text to an element one character at a time, which
// is what the on-screen keyboard expects.
func (s *Session) TypeIntoElement(ctx context.Context, el Element, text string) error {
	chars := make([]string, 0, len(text))
	for _, r := range text {
		chars = append(chars, string(r))
	}
	_, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/element/"+el.ID+"/value"),
		map[string]any{"value": chars})
	if err != nil {
		return fmt.Errorf("type into element: %w", err)
	}
	return nil
}

// SetWheelValue spins a picker wheel to the named value. Wheels take the
// whole value as one entry, unlike text fields.
func (s *Session) SetWheelValue(ctx context.Context, el Element, value string) error {
	_, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/element/"+el.ID+"/value"),
		map[string]any{"value": []string{value}})
	if err != nil {
		return fmt.Errorf("set wheel value: %w", err)
	}
	return nil
}

type pointerAction struct {
	Type     string `json:"type"`
	Duration int    `json:"duration,omitempty"`
	X        int    `json:"x,omitempty"`
	Y        int    `json:"y,omitempty"`
	Button   *int   `json:"button,omitempty"`
}

func w3cActions(actions []pointerAction) map[string]any {
	return map[string]any{
		"actions": []map[string]any{{
			"type":       "pointer",
			"id":         "finger1",
			"parameters": map[string]string{"pointerType": "touch"},
			"actions":    actions,
		}},
	}
}

var buttonPrimary = 0

// Tap presses once at screen coordinates.
func (s *Session) Tap(ctx context.Context, x, y int) error {
	body := w3cActions([]pointerAction{
		{Type: "pointerMove", Duration: 0, X: x, Y: y},
		{Type: "pointerDown", Button: &buttonPrimary},
		{Type: "pause", Duration: 50},
		{Type: "pointerUp", Button: &buttonPrimary},
	})
	if _, err := s.do(ctx, s.gesture, http.MethodPost, s.sp("/actions"), body); err != nil {
		if isTimeout(err) {
			s.logger.Warn("wda: tap timed out, gesture likely executed", "x", x, "y", y)
			return nil
		}
		return fmt.Errorf("tap: %w", err)
	}
	return nil
}

// DoubleTap taps twice quickly, the universal like gesture.
func (s *Session) DoubleTap(ctx context.Context, x, y int) error {
	body := w3cActions([]pointerAction{
		{Type: "pointerMove", Duration: 0, X: x, Y: y},
		{Type: "pointerDown", Button: &buttonPrimary},
		{Type: "pointerUp", Button: &buttonPrimary},
		{Type: "pause", Duration: 40},
		{Type: "pointerDown", Button: &buttonPrimary},
		{Type: "pointerUp", Button: &buttonPrimary},
	})
	if _, err := s.do(ctx, s.gesture, http.MethodPost, s.sp("/actions"), body); err != nil {
		if isTimeout(err) {
			s.logger.Warn("wda: double tap timed out, gesture likely executed")
			return nil
		}
		return fmt.Errorf("double tap: %w", err)
	}
	return nil
}

// Swipe drags between two points over the given duration.
func (s *Session) Swipe(ctx context.Context, fromX, fromY, toX, toY int, duration time.Duration) error {
	body := map[string]any{
		"fromX":    fromX,
		"fromY":    fromY,
		"toX":      toX,
		"toY":      toY,
		"duration": duration.Seconds(),
	}
	if _, err := s.do(ctx, s.gesture, http.MethodPost, s.sp("/wda/dragfromtoforduration"), body); err != nil {
		if isTimeout(err) {
			s.logger.Warn("wda: swipe timed out, gesture likely executed")
			return nil
		}
		return fmt.Errorf("swipe: %w", err)
	}
	return nil
}

// SwipeUp scrolls to the next video.
func (s *Session) SwipeUp(ctx context.Context, duration time.Duration) error {
	size, _ := s.ScreenSize(ctx)
	cx := size.Width / 2
	return s.Swipe(ctx, cx, size.Height*3/4, cx, size.Height/4, duration)
}

// SwipeDown scrolls back up.
func (s *Session) SwipeDown(ctx context.Context, duration time.Duration) error {
	size, _ := s.ScreenSize(ctx)
	cx := size.Width / 2
	return s.Swipe(ctx, cx, size.Height/4, cx, size.Height*3/4, duration)
}

// AlertText returns the text of a visible system alert, or "" when no
// alert is showing.
func (s *Session) AlertText(ctx context.Context) string {
	resp, err := s.do(ctx, s.gesture, http.MethodGet, s.sp("/alert/text"), nil)
	if err != nil {
		return ""
	}
	var text string
	if err := json.Unmarshal(resp.Value, &text); err != nil {
		// WDA reports "no alert" as an error object in value.
		return ""
	}
	return text
}

// AcceptAlert taps the alert's default button.
func (s *Session) AcceptAlert(ctx context.Context) bool {
	_, err := s.do(ctx, s.gesture, http.MethodPost, s.sp("/alert/accept"), nil)
	return err == nil
}

// DismissAlert taps the alert's cancel button.
func (s *Session) DismissAlert(ctx context.Context) bool {
	_, err := s.do(ctx, s.gesture, http.MethodPost, s.sp("/alert/dismiss"), nil)
	return err == nil
}

// Source returns the current UI tree as XML.
func (s *Session) Source(ctx context.Context) (string, error) {
	resp, err := s.do(ctx, s.heavy, http.MethodGet, s.sp("/source"), nil)
	if err != nil {
		return "", fmt.Errorf("page source: %w", err)
	}
	var src string
	if err := json.Unmarshal(resp.Value, &src); err != nil {
		return "", fmt.Errorf("decode page source: %w", err)
	}
	return src, nil
}

// PressButton presses a hardware button: home, volumeUp, volumeDown.
func (s *Session) PressButton(ctx context.Context, name string) error {
	if _, err := s.do(ctx, s.heavy, http.MethodPost, s.sp("/wda/pressButton"),
		map[string]string{"name": name}); err != nil {
		return fmt.Errorf("press %s: %w", name, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
