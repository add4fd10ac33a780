// Package threadlist translates the backend's chat records into the
// normalized thread-list shape the UI runtime consumes.
package threadlist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/pkg/identity"
	"rag-chat-gateway/pkg/payload"
)

// Status of a thread-list entry.
type Status string

const (
	StatusRegular  Status = "regular"
	StatusArchived Status = "archived"
)

// DefaultTitle is shown for threads the backend has not titled yet.
const DefaultTitle = "New Chat"

// Entry is one normalized thread. Ephemeral: rebuilt on every List call.
type Entry struct {
	RemoteID   string
	ExternalID string
	Status     Status
	Title      string
}

// InitializeResult intentionally carries empty ids: conversation ids are
// minted by the backend on the first real message, never eagerly, so an
// abandoned new thread leaks nothing into the list.
type InitializeResult struct {
	RemoteID   string
	ExternalID string
}

// ErrNotSupported marks operations the backend does not implement yet.
// Surfaced as a capability flag rather than silently ignored.
var ErrNotSupported = errors.New("threadlist: operation not supported by backend")

// idFields is the fixed priority order for resolving a chat record's id.
var idFields = [4]string{"id", "chat_id", "_id", "ChatId"}

// Adapter speaks to the gateway's chat routes on behalf of the thread list.
type Adapter struct {
	baseURL  string
	client   *http.Client
	provider identity.Provider
	log      logger.ILogger
}

func NewAdapter(baseURL string, client *http.Client, provider identity.Provider, log logger.ILogger) *Adapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		provider: provider,
		log:      log,
	}
}

// List fetches and normalizes all threads for the current user. It never
// returns an error: an unreachable or unconfigured backend must look like
// "no history", not an error screen.
func (a *Adapter) List(ctx context.Context) []Entry {
	req, ok := a.newRequest(ctx, http.MethodGet, "/api/chats?limit=50", nil)
	if !ok {
		return []Entry{}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn("threadlist", "list request failed", map[string]interface{}{"error": err.Error()})
		return []Entry{}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		a.log.Warn("threadlist", "list body read failed", map[string]interface{}{"error": err.Error()})
		return []Entry{}
	}

	if resp.StatusCode != http.StatusOK {
		// 501 / "Persistence not configured" means the backend has no chat
		// store; equivalent to an empty history.
		a.log.Warn("threadlist", "list returned non-success, degrading to empty", map[string]interface{}{
			"status": resp.StatusCode,
			"body":   truncate(string(body), 200),
		})
		return []Entry{}
	}

	return ParseChats(body)
}

// ParseChats normalizes the listing payload, accepting {chats:[...]}, a bare
// array, or {data:[...]}. Records with no resolvable id are dropped.
func ParseChats(body []byte) []Entry {
	records := chatRecords(body)

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		id := resolveID(rec)
		if id == "" {
			continue
		}

		status := StatusRegular
		if archived, _ := rec["is_archived"].(bool); archived {
			status = StatusArchived
		}

		title, _ := rec["title"].(string)
		if title == "" {
			title = DefaultTitle
		}

		entries = append(entries, Entry{
			RemoteID:   id,
			ExternalID: id,
			Status:     status,
			Title:      title,
		})
	}
	return entries
}

func chatRecords(body []byte) []map[string]interface{} {
	var wrapped struct {
		Chats []map[string]interface{} `json:"chats"`
		Data  []map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if wrapped.Chats != nil {
			return wrapped.Chats
		}
		if wrapped.Data != nil {
			return wrapped.Data
		}
	}

	var bare []map[string]interface{}
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare
	}
	return nil
}

func resolveID(rec map[string]interface{}) string {
	for _, field := range idFields {
		if id, ok := rec[field].(string); ok && id != "" {
			return id
		}
	}
	return ""
}

// Rename asks the backend to retitle a thread. Fire-and-forget: failure is
// logged and the list simply keeps the old title until the next sync.
func (a *Adapter) Rename(ctx context.Context, remoteID, newTitle string) {
	body, _ := json.Marshal(map[string]string{"chat_id": remoteID, "title": newTitle})
	req, ok := a.newRequest(ctx, http.MethodPost, "/api/title/rename", bytes.NewReader(body))
	if !ok {
		return
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn("threadlist", "rename request failed", map[string]interface{}{
			"error":   err.Error(),
			"chat_id": remoteID,
		})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.log.Warn("threadlist", "rename rejected", map[string]interface{}{
			"status":  resp.StatusCode,
			"chat_id": remoteID,
		})
	}
}

// Archive is not implemented by the backend in this version.
func (a *Adapter) Archive(ctx context.Context, remoteID string) error {
	return ErrNotSupported
}

// Unarchive is not implemented by the backend in this version.
func (a *Adapter) Unarchive(ctx context.Context, remoteID string) error {
	return ErrNotSupported
}

// Delete is not implemented by the backend in this version.
func (a *Adapter) Delete(ctx context.Context, remoteID string) error {
	return ErrNotSupported
}

// SupportsArchive lets the UI hide the archive affordance instead of
// offering a silent no-op.
func (a *Adapter) SupportsArchive() bool { return false }

// SupportsDelete mirrors SupportsArchive for deletion.
func (a *Adapter) SupportsDelete() bool { return false }

// Initialize defers id creation to the first message exchange.
func (a *Adapter) Initialize(ctx context.Context, localThreadID string) InitializeResult {
	return InitializeResult{}
}

// GenerateTitle submits up to three user-authored texts for title
// generation. The generated title is not returned here; it flows back
// through the pending-title path.
func (a *Adapter) GenerateTitle(ctx context.Context, remoteID string, messages []payload.Message) {
	queries := payload.UserTexts(messages, 3)
	body, _ := json.Marshal(map[string]interface{}{"chat_id": remoteID, "queries": queries})

	req, ok := a.newRequest(ctx, http.MethodPost, "/api/title/generate", bytes.NewReader(body))
	if !ok {
		return
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn("threadlist", "generate-title request failed", map[string]interface{}{
			"error":   err.Error(),
			"chat_id": remoteID,
		})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.log.Warn("threadlist", "generate-title rejected", map[string]interface{}{
			"status":  resp.StatusCode,
			"chat_id": remoteID,
		})
	}
}

// Fetch returns a placeholder entry; only List reflects backend truth.
func (a *Adapter) Fetch(ctx context.Context, threadID string) Entry {
	return Entry{
		RemoteID:   threadID,
		ExternalID: threadID,
		Status:     StatusRegular,
		Title:      DefaultTitle,
	}
}

// newRequest builds an authenticated request. A credential failure degrades
// to "not authenticated" (ok=false) rather than an error.
func (a *Adapter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, bool) {
	user := a.provider.Current()
	if user == nil {
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Anonymous", fmt.Sprintf("%t", user.Anonymous))

	token, err := a.provider.IDToken(ctx)
	if err != nil {
		a.log.Warn("threadlist", "failed to get id token", map[string]interface{}{"error": err.Error()})
		return nil, false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
