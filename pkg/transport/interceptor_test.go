package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/pkg/identity"
	"rag-chat-gateway/pkg/session"
)

type stubProvider struct {
	anonymous bool
	token     string
	tokenErr  error
}

func (s *stubProvider) Current() *identity.User {
	return &identity.User{ID: "u-1", Anonymous: s.anonymous}
}
func (s *stubProvider) IsAnonymous() bool { return s.anonymous }
func (s *stubProvider) IDToken(ctx context.Context) (string, error) {
	return s.token, s.tokenErr
}
func (s *stubProvider) SignInAnonymously(ctx context.Context) error     { return nil }
func (s *stubProvider) SignIn(ctx context.Context, userID string) error { return nil }
func (s *stubProvider) SignOut(ctx context.Context) error               { return nil }
func (s *stubProvider) Subscribe(fn func(*identity.User))               {}

func newTestClient(t *testing.T, handler http.HandlerFunc, provider identity.Provider, store *session.Store, check func() bool) (*http.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	i := NewInterceptor(srv.Client().Transport, provider, store, check, logger.NewNopLogger())
	return i.Client(), srv
}

func TestRoundTripInjectsCredentialAndFlags(t *testing.T) {
	store := session.NewStore()
	defer store.Close()

	var seen url.Values
	var auth, anon string
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query()
		auth = r.Header.Get("Authorization")
		anon = r.Header.Get("X-User-Anonymous")
	}, &stubProvider{anonymous: true, token: "tok"}, store, func() bool { return true })

	resp, err := client.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()

	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	if anon != "true" {
		t.Errorf("X-User-Anonymous = %q", anon)
	}
	if seen.Get("check") != "true" {
		t.Errorf("check = %q, want true", seen.Get("check"))
	}
	if seen.Has("conv_id") {
		t.Errorf("conv_id sent without a trusted id: %q", seen.Get("conv_id"))
	}
}

func TestRoundTripForwardsTrustedConversationID(t *testing.T) {
	store := session.NewStore()
	defer store.Close()
	store.AdoptConversationID("conv_live")

	var seen url.Values
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query()
	}, &stubProvider{token: "tok"}, store, nil)

	resp, err := client.Get(srv.URL + "/api/chat")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if seen.Get("conv_id") != "conv_live" {
		t.Errorf("conv_id = %q, want conv_live", seen.Get("conv_id"))
	}
	if seen.Get("check") != "false" {
		t.Errorf("check = %q, want false", seen.Get("check"))
	}
}

func TestRoundTripFailOpenOnTokenError(t *testing.T) {
	store := session.NewStore()
	defer store.Close()

	var auth string
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}, &stubProvider{tokenErr: errors.New("refresh failed")}, store, nil)

	resp, err := client.Get(srv.URL + "/api/chat")
	if err != nil {
		t.Fatalf("request must still go out: %v", err)
	}
	resp.Body.Close()

	if auth != "" {
		t.Errorf("Authorization = %q, want unset", auth)
	}
}

func TestRoundTripTracksUserQuery(t *testing.T) {
	store := session.NewStore()
	defer store.Close()

	var received string
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		received = buf.String()
	}, &stubProvider{token: "tok"}, store, nil)

	body := `{"messages":[{"role":"user","content":"what is RAG?"}]}`
	resp, err := client.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()

	snap := store.Snapshot()
	if len(snap.TrackedQueries) != 1 || snap.TrackedQueries[0] != "what is RAG?" {
		t.Errorf("TrackedQueries = %v", snap.TrackedQueries)
	}
	// Body inspection must not consume the payload.
	if received != body {
		t.Errorf("server received %q, want original body", received)
	}
}

func TestRoundTripCapturesResponseIDs(t *testing.T) {
	store := session.NewStore()
	defer store.Close()

	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderConversationID, "conv_new")
		w.Header().Set(HeaderMessageID, "msg_1")
	}, &stubProvider{token: "tok"}, store, nil)

	resp, err := client.Get(srv.URL + "/api/chat")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if got := store.ConversationID(); got != "conv_new" {
		t.Errorf("ConversationID = %q, want conv_new", got)
	}
	snap := store.Snapshot()
	if len(snap.MessageIDs) != 1 || snap.MessageIDs[0] != "msg_1" {
		t.Errorf("MessageIDs = %v", snap.MessageIDs)
	}
}

func TestRoundTripIgnoresUntrustedResponseID(t *testing.T) {
	store := session.NewStore()
	defer store.Close()

	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderConversationID, "thread_fake")
	}, &stubProvider{token: "tok"}, store, nil)

	resp, err := client.Get(srv.URL + "/api/chat")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if got := store.ConversationID(); got != "" {
		t.Errorf("ConversationID = %q, want empty", got)
	}
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestRoundTripPropagatesTransportError(t *testing.T) {
	store := session.NewStore()
	defer store.Close()

	i := NewInterceptor(failingTransport{}, &stubProvider{token: "tok"}, store, nil, logger.NewNopLogger())
	req, _ := http.NewRequest(http.MethodGet, "http://backend/api/chat", nil)
	if _, err := i.RoundTrip(req); err == nil {
		t.Fatal("transport error must propagate")
	}
}
