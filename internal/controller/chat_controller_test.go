package controller

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/internal/pkg/serverutils"
	"rag-chat-gateway/internal/service"
	"rag-chat-gateway/pkg/identity"
	"rag-chat-gateway/pkg/quota"
)

type stubProxy struct {
	lastCaller  service.Caller
	lastChatID  string
	lastQueries []string
	upstream    *service.Upstream
	stream      *service.StreamUpstream
}

func (s *stubProxy) ListChats(ctx context.Context, caller service.Caller, limit int) (*service.Upstream, error) {
	s.lastCaller = caller
	return s.upstream, nil
}

func (s *stubProxy) GetMessages(ctx context.Context, caller service.Caller, chatID string) (*service.Upstream, error) {
	s.lastCaller = caller
	s.lastChatID = chatID
	return s.upstream, nil
}

func (s *stubProxy) GenerateTitle(ctx context.Context, caller service.Caller, chatID string, queries []string) (*service.Upstream, error) {
	s.lastCaller = caller
	s.lastChatID = chatID
	s.lastQueries = queries
	return s.upstream, nil
}

func (s *stubProxy) RenameTitle(ctx context.Context, caller service.Caller, chatID, title string) (*service.Upstream, error) {
	s.lastChatID = chatID
	return s.upstream, nil
}

func (s *stubProxy) GetTrace(ctx context.Context, caller service.Caller, chatID, messageID string) (*service.Upstream, error) {
	return s.upstream, nil
}

func (s *stubProxy) StreamChat(ctx context.Context, caller service.Caller, conversationID string, check bool, body []byte) (*service.StreamUpstream, error) {
	s.lastCaller = caller
	return s.stream, nil
}

func (s *stubProxy) Health(ctx context.Context) (*service.Upstream, error) {
	return s.upstream, nil
}

func newTestApp(t *testing.T, proxy service.IProxyService, anonLimit int) (*fiber.App, *identity.JWTProvider) {
	t.Helper()
	provider, err := identity.NewJWTProvider("test-secret", time.Hour)
	require.NoError(t, err)

	tracker := quota.NewTracker(quota.NewMemoryStorage(), anonLimit, 50, logger.NewNopLogger())

	app := fiber.New()
	app.Use(serverutils.ErrorHandlerMiddleware())
	ctrl := NewChatController(proxy, tracker, serverutils.AuthMiddleware(provider), logger.NewNopLogger())
	ctrl.RegisterRoutes(app)
	return app, provider
}

func bearerFor(t *testing.T, provider *identity.JWTProvider, userID string, anonymous bool) string {
	t.Helper()
	if anonymous {
		require.NoError(t, provider.SignInAnonymously(context.Background()))
	} else {
		require.NoError(t, provider.SignIn(context.Background(), userID))
	}
	token, err := provider.IDToken(context.Background())
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRoutesRejectMissingBearer(t *testing.T) {
	app, _ := newTestApp(t, &stubProxy{}, 10)

	for _, route := range []struct{ method, path string }{
		{"GET", "/api/chats"},
		{"GET", "/api/chats/conv_1/messages"},
		{"POST", "/api/title/generate"},
		{"POST", "/api/title/rename"},
		{"GET", "/api/trace"},
		{"POST", "/api/chat"},
	} {
		req := httptest.NewRequest(route.method, route.path, nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, "%s %s", route.method, route.path)

		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "error")
	}
}

func TestListChatsPassesThrough(t *testing.T) {
	proxy := &stubProxy{upstream: &service.Upstream{
		Status:      fiber.StatusOK,
		ContentType: fiber.MIMEApplicationJSON,
		Body:        []byte(`{"chats":[{"id":"conv_1"}]}`),
	}}
	app, provider := newTestApp(t, proxy, 10)

	req := httptest.NewRequest("GET", "/api/chats?limit=20", nil)
	req.Header.Set("Authorization", bearerFor(t, provider, "user-1", false))
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"chats":[{"id":"conv_1"}]}`, string(body))
	assert.Equal(t, "user-1", proxy.lastCaller.UserID)
	assert.False(t, proxy.lastCaller.Anonymous)
}

func TestUpstreamErrorPassesThroughUnchanged(t *testing.T) {
	proxy := &stubProxy{upstream: &service.Upstream{
		Status: fiber.StatusNotImplemented,
		Body:   []byte(`{"error":"Persistence not configured"}`),
	}}
	app, provider := newTestApp(t, proxy, 10)

	req := httptest.NewRequest("GET", "/api/chats", nil)
	req.Header.Set("Authorization", bearerFor(t, provider, "user-1", false))
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusNotImplemented, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"error":"Persistence not configured"}`, string(body))
}

func TestGenerateTitleValidation(t *testing.T) {
	proxy := &stubProxy{upstream: &service.Upstream{Status: fiber.StatusOK, Body: []byte(`{"title":"T"}`)}}
	app, provider := newTestApp(t, proxy, 10)
	auth := bearerFor(t, provider, "user-1", false)

	// Missing fields
	req := httptest.NewRequest("POST", "/api/title/generate", strings.NewReader(`{"chat_id":"conv_1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Valid request forwards
	req = httptest.NewRequest("POST", "/api/title/generate", strings.NewReader(`{"chat_id":"conv_1","queries":["a","b"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "conv_1", proxy.lastChatID)
	assert.Equal(t, []string{"a", "b"}, proxy.lastQueries)
}

func TestTraceRequiresBothParams(t *testing.T) {
	proxy := &stubProxy{upstream: &service.Upstream{Status: fiber.StatusOK, Body: []byte(`{}`)}}
	app, provider := newTestApp(t, proxy, 10)
	auth := bearerFor(t, provider, "user-1", false)

	req := httptest.NewRequest("GET", "/api/trace?chat_id=conv_1", nil)
	req.Header.Set("Authorization", auth)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	req = httptest.NewRequest("GET", "/api/trace?chat_id=conv_1&message_id=m1", nil)
	req.Header.Set("Authorization", auth)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestStreamChatForwardsCorrelationHeaders(t *testing.T) {
	proxy := &stubProxy{stream: &service.StreamUpstream{
		Status:         fiber.StatusOK,
		ConversationID: "conv_assigned",
		MessageID:      "msg_9",
		ContentType:    "text/event-stream",
		Body:           io.NopCloser(strings.NewReader("data: [DONE]\n\n")),
	}}
	app, provider := newTestApp(t, proxy, 10)

	req := httptest.NewRequest("POST", "/api/chat?check=true", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearerFor(t, provider, "user-1", false))
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "conv_assigned", resp.Header.Get("X-Conversation-Id"))
	assert.Equal(t, "msg_9", resp.Header.Get("X-Message-Id"))
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "data: [DONE]\n\n", string(body))
}

func TestStreamChatEnforcesQuota(t *testing.T) {
	proxy := &stubProxy{stream: &service.StreamUpstream{
		Status: fiber.StatusOK,
		Body:   io.NopCloser(strings.NewReader("data: [DONE]\n\n")),
	}}
	app, provider := newTestApp(t, proxy, 1)
	auth := bearerFor(t, provider, "", true)

	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(`{}`))
	req.Header.Set("Authorization", auth)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Second request from the same anonymous user is over the limit of 1.
	proxy.stream = &service.StreamUpstream{Status: fiber.StatusOK, Body: io.NopCloser(strings.NewReader(""))}
	req = httptest.NewRequest("POST", "/api/chat", strings.NewReader(`{}`))
	req.Header.Set("Authorization", auth)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Daily query limit reached")
}
