package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shakedshoshan/SkillUp-sub001/internal/agent"
	"github.com/shakedshoshan/SkillUp-sub001/internal/conversation"
	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
	"github.com/shakedshoshan/SkillUp-sub001/internal/generation"
	"github.com/shakedshoshan/SkillUp-sub001/internal/identity"
	"github.com/shakedshoshan/SkillUp-sub001/internal/realtime"
	"github.com/shakedshoshan/SkillUp-sub001/internal/store"
)

// provider answers by system prompt so every agent component can share it.
type provider struct {
	mu      sync.Mutex
	failAll bool
}

func (p *provider) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAll = fail
}

func (p *provider) Complete(_ context.Context, messages []agent.Message) (string, error) {
	p.mu.Lock()
	fail := p.failAll
	p.mu.Unlock()
	if fail {
		return "", goerr.Wrap(agent.ErrProviderUnavailable, "provider down")
	}

	system := messages[0].Content
	switch {
	case strings.Contains(system, "You classify messages"):
		return `{"intent":"get_course_ideas","topics":["Digital Marketing"]}`, nil
	case strings.Contains(system, "You suggest online courses"):
		return `{"ideas":[{"title":"Digital Marketing 101","description":"Foundations"}]}`, nil
	case strings.HasPrefix(system, "You design online courses"):
		return `{"title":"Cooking Basics","description":"Start cooking","lessons":[{"title":"Knives"},{"title":"Heat"}]}`, nil
	case strings.HasPrefix(system, "You write one lesson"):
		return "Lesson body", nil
	default:
		return "Happy to help with that.", nil
	}
}

type fixture struct {
	server   http.Handler
	provider *provider
	store    *conversation.Store
	repo     *store.SQLiteStore
	health   *HealthHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "courses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	p := &provider{}
	sessions := conversation.NewStore(conversation.StoreConfig{TTL: time.Hour, HistoryLimit: 20})
	chat := conversation.NewChatService(sessions, agent.NewIntentAnalyzer(p, nil), agent.NewIdeaGenerator(p, nil), p, nil)

	hub := realtime.NewHub(realtime.HubConfig{})
	coord := generation.NewCoordinator(hub, generation.NewCourseWorkflow(p, repo, nil), generation.CoordinatorConfig{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	health := NewHealthHandler(repo, sessions, coord, hub)
	router := NewRouter(RouterConfig{
		Sessions: NewSessionHandler(sessions, chat),
		Generations: NewGenerationHandler(coord, repo,
			realtime.NewSSETransport(hub, 64, time.Minute, nil),
			realtime.NewWebSocketTransport(hub, 64, []string{"*"}, nil)),
		Health:         health,
		AllowedOrigins: []string{"*"},
		IsDev:          true,
	})
	return &fixture{server: router, provider: p, store: sessions, repo: repo, health: health}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "bar", decode[map[string]string](t, w)["foo"])
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		goerr.Wrap(domain.ErrValidation, "x"):         http.StatusBadRequest,
		goerr.Wrap(domain.ErrNotFound, "x"):           http.StatusNotFound,
		goerr.Wrap(agent.ErrProviderUnavailable, "x"): http.StatusServiceUnavailable,
		goerr.Wrap(agent.ErrProviderError, "x"):       http.StatusBadGateway,
		goerr.Wrap(realtime.ErrChannelClosed, "x"):    http.StatusConflict,
		goerr.New("boom"):                             http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
}

func TestSessionLifecycleRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s-1", "user_id": "u-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "s-1", rec.Header().Get(identity.SessionHeaderName))
	created := decode[domain.ConversationSession](t, rec)
	assert.Equal(t, domain.StageDiscovery, created.Context.ConversationStage)

	rec = f.do(t, http.MethodPatch, "/api/sessions/s-1/context", map[string]any{
		"conversation_stage": "planning",
		"identified_topics":  []string{"python"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/sessions/s-1/context", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ctx := decode[domain.ConversationContext](t, rec)
	assert.Equal(t, domain.StagePlanning, ctx.ConversationStage)
	assert.Equal(t, []string{"python"}, ctx.IdentifiedTopics)

	rec = f.do(t, http.MethodGet, "/api/users/u-1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]domain.SessionSummary](t, rec)
	require.Len(t, list["sessions"], 1)
	assert.Equal(t, "s-1", list["sessions"][0].SessionID)

	rec = f.do(t, http.MethodGet, "/api/sessions/s-1/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapshot := decode[domain.ConversationSession](t, rec)

	rec = f.do(t, http.MethodDelete, "/api/sessions/s-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/sessions/s-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions/s-1/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions/import", snapshot)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodGet, "/api/sessions/s-1/context", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ctx, decode[domain.ConversationContext](t, rec))

	rec = f.do(t, http.MethodPost, "/api/sessions/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["removed"])
}

func TestSessionRouteValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions", map[string]any{"context": map[string]any{"conversation_stage": "bogus"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions", map[string]any{"unknown_field": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions/nope/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.do(t, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s-2"})
	rec = f.do(t, http.MethodGet, "/api/sessions/s-2/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionDefaultsToIdentity(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set(identity.SessionHeaderName, "tab-7")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session := decode[domain.ConversationSession](t, rec)
	assert.Equal(t, "tab-7", session.SessionID)
	assert.True(t, strings.HasPrefix(session.UserID, "anon_"))
}

func TestChatRoute(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions/chat-1/chat", map[string]any{"message": "I want to create a course about digital marketing"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[conversation.ChatResult](t, rec)
	assert.Equal(t, domain.IntentGetCourseIdeas, result.Intent)
	assert.Equal(t, domain.StageIdeation, result.Stage)
	assert.Contains(t, result.Topics, "digital marketing")
	require.Len(t, result.Suggestions, 1)

	rec = f.do(t, http.MethodGet, "/api/sessions/chat-1/history?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[map[string][]domain.Turn](t, rec)["history"]
	require.Len(t, history, 1)
	assert.Equal(t, domain.RoleAssistant, history[0].Role)

	f.provider.setFail(true)
	rec = f.do(t, http.MethodPost, "/api/sessions/chat-1/chat", map[string]any{"message": "more ideas please"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	stats, err := f.store.Stats("chat-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MessageCount)

	rec = f.do(t, http.MethodPost, "/api/sessions/chat-1/chat", map[string]any{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerationRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/generations", map[string]any{"topic": "cooking", "lesson_count": 2})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := decode[map[string]string](t, rec)["job_id"]
	require.NotEmpty(t, jobID)

	var status generation.Status
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/generations/"+jobID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		status = decode[generation.Status](t, rec)
		return status.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, domain.JobSucceeded, status.Status, status.Error)

	courseID, _ := status.Result["courseId"].(string)
	require.NotEmpty(t, courseID)
	rec = f.do(t, http.MethodGet, "/api/courses/"+courseID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	course := decode[domain.Course](t, rec)
	assert.Equal(t, "Cooking Basics", course.Title)
	assert.Len(t, course.Lessons, 2)

	rec = f.do(t, http.MethodGet, "/api/courses", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]domain.Course](t, rec)["courses"], 1)

	rec = f.do(t, http.MethodGet, "/api/generations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]string](t, rec)["jobs"])

	// The channel has ended, so the stream replays everything and returns.
	rec = f.do(t, http.MethodGet, "/api/generations/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: success")
	assert.Contains(t, rec.Body.String(), courseID)
}

func TestGenerationRouteErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/generations", map[string]any{"topic": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/generations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/generations/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/courses/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.NotContains(t, body, "last_sweep")

	f.do(t, http.MethodPost, "/api/generations", map[string]any{"topic": "cooking"})
	f.health.RecordSweep("conversation_sessions", 2)
	rec = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), body["channels"])
	sweep, ok := body["last_sweep"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"conversation_sessions": float64(2)}, sweep["evicted"])

	rec = f.do(t, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
