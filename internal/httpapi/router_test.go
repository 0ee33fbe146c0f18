package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/config"
	"github.com/suPer8Hu/character-chat/internal/httpapi/middleware"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type stubProvider struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (p *stubProvider) StartChat(ctx context.Context, history []ai.Message, cfg ai.GenerationConfig) (ai.ChatSession, error) {
	return p, nil
}

func (p *stubProvider) SendMessage(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply, p.err
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingPublisher) PublishJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, jobID)
	return nil
}

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	prov   *stubProvider
	pub    *recordingPublisher
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(chat.Models()...))

	repo := chat.NewRepo(db)
	ctx := context.Background()
	require.NoError(t, repo.UpsertUser(ctx, &chat.User{ID: "u1", Name: "Ann", Email: "ann@example.com"}))
	require.NoError(t, repo.CreateCharacter(ctx, &chat.Character{
		Name: "gojo", DisplayName: "Satoru Gojo", AvatarURL: "/gojo.png",
		Description: "The strongest", BasePrompt: "You are Gojo.",
	}))

	prov := &stubProvider{reply: "Yo."}
	reg := ai.NewRegistry()
	reg.Register("stub", func(ctx context.Context, model string) (ai.Provider, error) { return prov, nil })
	svc := chat.NewService(repo, chat.NewRelay(reg, chat.RelayConfig{DefaultProvider: "stub"}), 20)

	pub := &recordingPublisher{}
	return &testServer{router: NewRouter(svc, pub, cfg), db: db, prov: prov, pub: pub}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestChatTurn_FirstContactAndHistory(t *testing.T) {
	s := newTestServer(t, config.Config{})

	code, body := s.do(t, http.MethodPost, "/api/chat", map[string]string{
		"userId": "u1", "prompt": "Hi", "characterKey": "gojo",
	}, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "Yo.", body["assistantText"])
	convID, _ := body["conversationId"].(string)
	require.NotEmpty(t, convID)

	code, body = s.do(t, http.MethodGet, "/api/conversations/"+convID, nil, nil)
	require.Equal(t, http.StatusOK, code, body)
	history := body["history"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].(map[string]any)["role"])
	assert.Equal(t, "Hi", history[0].(map[string]any)["text"])
	assert.Equal(t, "model", history[1].(map[string]any)["role"])

	character := body["character"].(map[string]any)
	assert.Equal(t, "Satoru Gojo", character["displayName"])
	assert.NotContains(t, character, "basePrompt")

	// same pair resolves to the same conversation without re-seeding
	code, body = s.do(t, http.MethodGet, "/api/history?userId=u1&characterKey=gojo", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, convID, body["conversationId"])
	assert.Len(t, body["history"], 2)
}

func TestChatTurn_ErrorStatuses(t *testing.T) {
	s := newTestServer(t, config.Config{})

	cases := []struct {
		name string
		body any
		code int
	}{
		{"missing prompt", map[string]string{"userId": "u1", "characterKey": "gojo"}, http.StatusBadRequest},
		{"unknown user", map[string]string{"userId": "nobody", "prompt": "Hi", "characterKey": "gojo"}, http.StatusForbidden},
		{"unknown character", map[string]string{"userId": "u1", "prompt": "Hi", "characterKey": "sukuna"}, http.StatusNotFound},
		{"unknown conversation", map[string]string{"userId": "u1", "prompt": "Hi", "conversationId": "01HZZZZZZZZZZZZZZZZZZZZZZZ"}, http.StatusNotFound},
		{"bad json", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := s.do(t, http.MethodPost, "/api/chat", tc.body, nil)
			assert.Equal(t, tc.code, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestChatTurn_RelayFailure(t *testing.T) {
	s := newTestServer(t, config.Config{})
	s.prov.err = errors.New("connection refused to 10.0.0.7")

	code, body := s.do(t, http.MethodPost, "/api/chat", map[string]string{
		"userId": "u1", "prompt": "Hi", "characterKey": "gojo",
	}, nil)
	require.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "failed to get a reply from the model", body["error"])

	code, body = s.do(t, http.MethodGet, "/api/history?userId=u1&characterKey=gojo", nil, nil)
	require.Equal(t, http.StatusOK, code)
	history := body["history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "Hi", history[0].(map[string]any)["text"])

	s.prov.err = nil
	code, body = s.do(t, http.MethodPost, "/api/chat/retry", map[string]string{
		"userId": "u1", "conversationId": body["conversationId"].(string),
	}, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "Yo.", body["assistantText"])
}

func TestResetConversation(t *testing.T) {
	s := newTestServer(t, config.Config{})

	_, body := s.do(t, http.MethodPost, "/api/chat", map[string]string{
		"userId": "u1", "prompt": "Hi", "characterKey": "gojo",
	}, nil)
	convID := body["conversationId"].(string)

	code, _ := s.do(t, http.MethodDelete, "/api/conversations/"+convID, nil, nil)
	require.Equal(t, http.StatusNoContent, code)

	code, body = s.do(t, http.MethodGet, "/api/conversations/"+convID, nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["history"])

	var n int64
	require.NoError(t, s.db.Model(&chat.Message{}).Where("conversation_id = ?", convID).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	code, _ = s.do(t, http.MethodDelete, "/api/conversations/01HZZZZZZZZZZZZZZZZZZZZZZZ", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestIdentityToken(t *testing.T) {
	const secret = "test-secret"
	s := newTestServer(t, config.Config{JWTSecret: secret})
	turn := map[string]string{"userId": "u1", "prompt": "Hi", "characterKey": "gojo"}

	code, _ := s.do(t, http.MethodPost, "/api/chat", turn, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, http.MethodPost, "/api/chat", turn, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusForbidden, code)

	other, err := middleware.IssueToken(secret, "u2", time.Hour)
	require.NoError(t, err)
	code, body := s.do(t, http.MethodPost, "/api/chat", turn, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "userId does not match session", body["error"])

	tok, err := middleware.IssueToken(secret, "u1", time.Hour)
	require.NoError(t, err)
	code, body = s.do(t, http.MethodPost, "/api/chat", map[string]string{"prompt": "Hi", "characterKey": "gojo"},
		map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, code, body)

	expired, err := middleware.IssueToken(secret, "u1", -time.Minute)
	require.NoError(t, err)
	code, _ = s.do(t, http.MethodPost, "/api/chat", turn, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusForbidden, code)

	// the catalog stays public
	code, _ = s.do(t, http.MethodGet, "/api/characters", nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCharacterCatalog(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)
	s := newTestServer(t, config.Config{AdminTokenHash: string(hash)})

	luffy := map[string]any{
		"name": "luffy", "displayName": "Monkey D. Luffy", "avatarUrl": "/luffy.png",
		"description": "Pirate", "prompt": "You are Luffy.", "tags": []string{"one piece"},
	}

	code, _ := s.do(t, http.MethodPost, "/api/characters", luffy, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(t, http.MethodPost, "/api/characters", luffy, map[string]string{middleware.AdminTokenHeader: "wrong"})
	assert.Equal(t, http.StatusForbidden, code)

	admin := map[string]string{middleware.AdminTokenHeader: "letmein"}
	code, body := s.do(t, http.MethodPost, "/api/characters", map[string]string{"name": "zoro"}, admin)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "basePrompt")

	code, body = s.do(t, http.MethodPost, "/api/characters", luffy, admin)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "luffy", body["name"])

	code, _ = s.do(t, http.MethodPost, "/api/characters", luffy, admin)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, http.MethodGet, "/api/characters", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["characters"], 2)

	code, body = s.do(t, http.MethodGet, "/api/characters/luffy", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"one piece"}, body["tags"])

	code, _ = s.do(t, http.MethodGet, "/api/characters/nami", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAsyncTurn_Idempotent(t *testing.T) {
	s := newTestServer(t, config.Config{})
	turn := map[string]string{"userId": "u1", "prompt": "Later", "characterKey": "gojo"}
	key := map[string]string{"Idempotency-Key": "abc"}

	code, first := s.do(t, http.MethodPost, "/api/chat/async", turn, key)
	require.Equal(t, http.StatusAccepted, code, first)
	code, second := s.do(t, http.MethodPost, "/api/chat/async", turn, key)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, first["jobId"], second["jobId"])
	assert.Equal(t, []string{first["jobId"].(string)}, s.pub.ids)

	code, body := s.do(t, http.MethodGet, "/api/chat/jobs/"+first["jobId"].(string)+"?userId=u1", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "queued", body["job"].(map[string]any)["status"])
}

func TestUsersAndFallbackRoutes(t *testing.T) {
	s := newTestServer(t, config.Config{})

	code, body := s.do(t, http.MethodPost, "/api/users", map[string]string{
		"id": "u9", "name": "Nine", "email": "nine@example.com", "image": "https://img/9.png",
	}, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "https://img/9.png", body["image"])

	code, _ = s.do(t, http.MethodPost, "/api/users", map[string]string{"id": "u10"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	_, _ = s.do(t, http.MethodPost, "/api/chat", map[string]string{"userId": "u9", "prompt": "Hi", "characterKey": "gojo"}, nil)
	code, body = s.do(t, http.MethodGet, "/api/users/u9/conversations?order=asc&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["conversations"], 1)

	code, _ = s.do(t, http.MethodGet, "/api/users/u9/conversations?order=sideways", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "route not found", body["error"])

	code, _ = s.do(t, http.MethodPut, "/api/chat", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}
