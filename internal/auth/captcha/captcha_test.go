package captcha

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovi-systems/devicecore/internal/events"
	"github.com/sovi-systems/devicecore/internal/store"
)

type nullSink struct{ n atomic.Int64 }

func (s *nullSink) InsertEvent(context.Context, store.NewEvent) (int64, error) {
	return s.n.Add(1), nil
}

func testSolver(t *testing.T, handler http.Handler) (*Solver, *nullSink) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sink := &nullSink{}
	logger := slog.New(slog.DiscardHandler)
	s := NewSolver("test-key", events.NewEmitter(sink, logger), logger,
		WithBaseURL(srv.URL), WithPollInterval(time.Millisecond))
	return s, sink
}

func TestSolveSlidePollsUntilReady(t *testing.T) {
	var polls atomic.Int64
	s, _ := testSolver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			_ = json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "taskId": "task-1"})
		case "/getTaskResult":
			if polls.Add(1) < 3 {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":   "ready",
				"solution": map[string]int{"objectX": 210, "objectY": 88},
			})
		}
	}))

	sol, err := s.SolveSlide(context.Background(), []byte("png"), "tiktok", uuid.New(), uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 210, sol.ObjectX)
	assert.Equal(t, 88, sol.ObjectY)
	assert.GreaterOrEqual(t, polls.Load(), int64(3))
}

func TestSolveSlideTaskFailureEmitsEvent(t *testing.T) {
	s, sink := testSolver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			_ = json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "taskId": "task-2"})
		case "/getTaskResult":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "failed", "errorDescription": "unsolvable",
			})
		}
	}))

	_, err := s.SolveSlide(context.Background(), []byte("png"), "tiktok", uuid.New(), uuid.Nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsolvable")
	assert.Equal(t, int64(1), sink.n.Load())
}

func TestSolverDisabledWithoutKey(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	s := NewSolver("", events.NewEmitter(&nullSink{}, logger), logger)
	assert.False(t, s.Enabled())

	_, err := s.SolveSlide(context.Background(), []byte("png"), "tiktok", uuid.Nil, uuid.Nil)
	require.Error(t, err)
}

func TestSolveFunCaptchaToken(t *testing.T) {
	s, _ := testSolver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			var body struct {
				Task map[string]any `json:"task"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "FunCaptchaTaskProxyLess", body.Task["type"])
			_ = json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "taskId": "task-3"})
		case "/getTaskResult":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":   "ready",
				"solution": map[string]string{"token": "arkose-token"},
			})
		}
	}))

	token, err := s.SolveFunCaptcha(context.Background(), "pk", "https://example.com", "tiktok", uuid.Nil, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, "arkose-token", token)
}
