// Package captcha solves the slide, image, and FunCaptcha challenges the
// platforms present during signup and login, via the CapSolver API.
package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sovi-systems/devicecore/internal/events"
)

const defaultBaseURL = "https://api.capsolver.com"

// SlideSolution is where the slider should end up.
type SlideSolution struct {
	ObjectX int `json:"objectX"`
	ObjectY int `json:"objectY"`
}

// Solver talks to CapSolver. A zero API key disables it: every solve
// returns an error immediately.
type Solver struct {
	apiKey  string
	baseURL string
	client  *http.Client
	emitter *events.Emitter
	logger  *slog.Logger

	pollInterval time.Duration
}

// Option configures a Solver.
type Option func(*Solver)

// WithBaseURL points the solver at an arbitrary endpoint. Used by tests.
func WithBaseURL(u string) Option {
	return func(s *Solver) { s.baseURL = u }
}

// WithPollInterval overrides the result poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Solver) { s.pollInterval = d }
}

func NewSolver(apiKey string, emitter *events.Emitter, logger *slog.Logger, opts ...Option) *Solver {
	s := &Solver{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		emitter:      emitter,
		logger:       logger,
		pollInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether an API key is configured.
func (s *Solver) Enabled() bool { return s.apiKey != "" }

type apiResponse struct {
	ErrorID          int             `json:"errorId"`
	ErrorDescription string          `json:"errorDescription"`
	TaskID           string          `json:"taskId"`
	Status           string          `json:"status"`
	Solution         json.RawMessage `json:"solution"`
}

func (s *Solver) post(ctx context.Context, path string, payload map[string]any) (*apiResponse, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal capsolver request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capsolver %s: %w", path, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode capsolver response: %w", err)
	}
	return &out, nil
}

func (s *Solver) createTask(ctx context.Context, taskType string, params map[string]any) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("capsolver api key not configured")
	}
	task := map[string]any{"type": taskType}
	for k, v := range params {
		task[k] = v
	}
	resp, err := s.post(ctx, "/createTask", map[string]any{
		"clientKey": s.apiKey,
		"task":      task,
	})
	if err != nil {
		return "", err
	}
	if resp.ErrorID != 0 {
		return "", fmt.Errorf("capsolver: %s", resp.ErrorDescription)
	}
	return resp.TaskID, nil
}

func (s *Solver) result(ctx context.Context, taskID string, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := s.post(ctx, "/getTaskResult", map[string]any{
			"clientKey": s.apiKey,
			"taskId":    taskID,
		})
		if err != nil {
			s.logger.Warn("captcha: poll error", "error", err)
		} else {
			switch resp.Status {
			case "ready":
				return resp.Solution, nil
			case "failed":
				return nil, fmt.Errorf("capsolver task failed: %s", resp.ErrorDescription)
			}
		}

		t := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("capsolver task %s timed out", taskID)
}

func (s *Solver) emitFailure(ctx context.Context, platform, kind string, deviceID, accountID uuid.UUID) {
	s.emitter.Emit(ctx, events.Event{
		Category: events.CategoryAuth, Severity: events.SeverityWarning,
		EventType: events.TypeCaptchaFailed, DeviceID: deviceID, AccountID: accountID,
		Message: fmt.Sprintf("%s captcha solve failed for %s", kind, platform),
		Context: map[string]any{"platform": platform, "solver": "capsolver", "type": kind},
	})
}

// SolveSlide solves a slide puzzle from a screenshot.
func (s *Solver) SolveSlide(ctx context.Context, screenshotPNG []byte, platform string, deviceID, accountID uuid.UUID) (*SlideSolution, error) {
	taskID, err := s.createTask(ctx, "AntiSliderTaskByImage", map[string]any{
		"image": base64.StdEncoding.EncodeToString(screenshotPNG),
	})
	if err != nil {
		s.emitFailure(ctx, platform, "slide", deviceID, accountID)
		return nil, err
	}

	raw, err := s.result(ctx, taskID, time.Minute)
	if err != nil {
		s.emitFailure(ctx, platform, "slide", deviceID, accountID)
		return nil, err
	}
	var sol SlideSolution
	if err := json.Unmarshal(raw, &sol); err != nil {
		return nil, fmt.Errorf("decode slide solution: %w", err)
	}
	s.logger.Info("captcha: slide solved", "platform", platform)
	return &sol, nil
}

// SolveImage solves an image recognition challenge and returns the text
// answer.
func (s *Solver) SolveImage(ctx context.Context, screenshotPNG []byte, question, platform string, deviceID, accountID uuid.UUID) (string, error) {
	taskID, err := s.createTask(ctx, "ImageToTextTask", map[string]any{
		"body":     base64.StdEncoding.EncodeToString(screenshotPNG),
		"question": question,
	})
	if err != nil {
		s.emitFailure(ctx, platform, "image", deviceID, accountID)
		return "", err
	}

	raw, err := s.result(ctx, taskID, time.Minute)
	if err != nil {
		s.emitFailure(ctx, platform, "image", deviceID, accountID)
		return "", err
	}
	var sol struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &sol); err != nil {
		return "", fmt.Errorf("decode image solution: %w", err)
	}
	return sol.Text, nil
}

// SolveFunCaptcha solves an Arkose Labs challenge and returns its token.
func (s *Solver) SolveFunCaptcha(ctx context.Context, publicKey, pageURL, platform string, deviceID, accountID uuid.UUID) (string, error) {
	taskID, err := s.createTask(ctx, "FunCaptchaTaskProxyLess", map[string]any{
		"websitePublicKey": publicKey,
		"websiteURL":       pageURL,
	})
	if err != nil {
		return "", err
	}

	raw, err := s.result(ctx, taskID, 2*time.Minute)
	if err != nil {
		s.emitFailure(ctx, platform, "funcaptcha", deviceID, accountID)
		return "", err
	}
	var sol struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &sol); err != nil {
		return "", fmt.Errorf("decode funcaptcha solution: %w", err)
	}
	return sol.Token, nil
}
