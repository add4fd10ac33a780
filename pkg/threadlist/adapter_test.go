package threadlist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/pkg/identity"
	"rag-chat-gateway/pkg/payload"
)

type stubProvider struct {
	user     *identity.User
	token    string
	tokenErr error
}

func (s *stubProvider) Current() *identity.User { return s.user }
func (s *stubProvider) IsAnonymous() bool       { return s.user == nil || s.user.Anonymous }
func (s *stubProvider) IDToken(ctx context.Context) (string, error) {
	return s.token, s.tokenErr
}
func (s *stubProvider) SignInAnonymously(ctx context.Context) error       { return nil }
func (s *stubProvider) SignIn(ctx context.Context, userID string) error   { return nil }
func (s *stubProvider) SignOut(ctx context.Context) error                 { return nil }
func (s *stubProvider) Subscribe(fn func(*identity.User))                 {}

func signedIn() *stubProvider {
	return &stubProvider{user: &identity.User{ID: "u-1"}, token: "tok"}
}

func TestParseChats(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []Entry
	}{
		{
			name: "wrapped chats",
			body: `{"chats":[{"id":"conv_1","title":"Physics"}]}`,
			want: []Entry{{RemoteID: "conv_1", ExternalID: "conv_1", Status: StatusRegular, Title: "Physics"}},
		},
		{
			name: "bare array",
			body: `[{"chat_id":"conv_2"}]`,
			want: []Entry{{RemoteID: "conv_2", ExternalID: "conv_2", Status: StatusRegular, Title: DefaultTitle}},
		},
		{
			name: "data envelope",
			body: `{"data":[{"_id":"conv_3","is_archived":true,"title":"Old"}]}`,
			want: []Entry{{RemoteID: "conv_3", ExternalID: "conv_3", Status: StatusArchived, Title: "Old"}},
		},
		{
			name: "id priority prefers id over chat_id",
			body: `[{"id":"conv_a","chat_id":"conv_b","_id":"conv_c"}]`,
			want: []Entry{{RemoteID: "conv_a", ExternalID: "conv_a", Status: StatusRegular, Title: DefaultTitle}},
		},
		{
			name: "unresolvable record dropped",
			body: `[{"title":"no id"},{"ChatId":"conv_d"}]`,
			want: []Entry{{RemoteID: "conv_d", ExternalID: "conv_d", Status: StatusRegular, Title: DefaultTitle}},
		},
		{
			name: "garbage",
			body: `"nope"`,
			want: []Entry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseChats([]byte(tt.body))
			if len(got) != len(tt.want) {
				t.Fatalf("ParseChats() = %+v, want %+v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("entry[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestListDegradesToEmpty(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
	}{
		{"persistence not configured", http.StatusNotImplemented, `{"error":"Persistence not configured"}`},
		{"server error", http.StatusInternalServerError, `boom`},
		{"not found", http.StatusNotFound, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := NewAdapter(srv.URL, srv.Client(), signedIn(), logger.NewNopLogger())
			if got := a.List(context.Background()); len(got) != 0 {
				t.Errorf("List() = %+v, want empty", got)
			}
		})
	}
}

func TestListSendsAuthHeaders(t *testing.T) {
	var gotAuth, gotAnon string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAnon = r.Header.Get("X-User-Anonymous")
		json.NewEncoder(w).Encode(map[string]interface{}{"chats": []map[string]string{{"id": "conv_1"}}})
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, srv.Client(), signedIn(), logger.NewNopLogger())
	entries := a.List(context.Background())

	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAnon != "false" {
		t.Errorf("X-User-Anonymous = %q", gotAnon)
	}
	if len(entries) != 1 || entries[0].RemoteID != "conv_1" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestListWithoutIdentity(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	// No resolved user: behaves as "no history" without touching the network.
	a := NewAdapter(srv.URL, srv.Client(), &stubProvider{}, logger.NewNopLogger())
	if got := a.List(context.Background()); len(got) != 0 {
		t.Errorf("List() = %+v, want empty", got)
	}
	if called {
		t.Error("no request must be sent without identity")
	}

	// Token failure degrades the same way.
	a = NewAdapter(srv.URL, srv.Client(), &stubProvider{
		user:     &identity.User{ID: "u"},
		tokenErr: errors.New("token refresh failed"),
	}, logger.NewNopLogger())
	if got := a.List(context.Background()); len(got) != 0 {
		t.Errorf("List() = %+v, want empty", got)
	}
}

func TestRenameIsFireAndForget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, srv.Client(), signedIn(), logger.NewNopLogger())
	// Must not panic or propagate anything.
	a.Rename(context.Background(), "conv_1", "New Title")
}

func TestGenerateTitlePayload(t *testing.T) {
	var got struct {
		ChatID  string   `json:"chat_id"`
		Queries []string `json:"queries"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, srv.Client(), signedIn(), logger.NewNopLogger())
	a.GenerateTitle(context.Background(), "conv_9", []payload.Message{
		{Role: "user", Content: json.RawMessage(`"q1"`)},
		{Role: "assistant", Content: json.RawMessage(`"a1"`)},
		{Role: "user", Content: json.RawMessage(`"q2"`)},
		{Role: "user", Content: json.RawMessage(`"q3"`)},
		{Role: "user", Content: json.RawMessage(`"q4"`)},
	})

	if got.ChatID != "conv_9" {
		t.Errorf("chat_id = %q", got.ChatID)
	}
	if len(got.Queries) != 3 || got.Queries[2] != "q3" {
		t.Errorf("queries = %v, want first three user texts", got.Queries)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	a := NewAdapter("http://unused", nil, signedIn(), logger.NewNopLogger())

	if err := a.Archive(context.Background(), "conv_1"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Archive = %v", err)
	}
	if err := a.Unarchive(context.Background(), "conv_1"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Unarchive = %v", err)
	}
	if err := a.Delete(context.Background(), "conv_1"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Delete = %v", err)
	}
	if a.SupportsArchive() || a.SupportsDelete() {
		t.Error("capability flags must report not supported")
	}
}

func TestInitializeMintsNothing(t *testing.T) {
	a := NewAdapter("http://unused", nil, signedIn(), logger.NewNopLogger())
	res := a.Initialize(context.Background(), "local-123")
	if res.RemoteID != "" || res.ExternalID != "" {
		t.Errorf("Initialize() = %+v, want empty ids", res)
	}
}
