package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/pkg/identity"
)

// Record is one backend history record. The backend bundles a user query and
// the assistant answer into a single record.
type Record struct {
	MessageID     string
	Query         string
	Answer        string
	Sources       json.RawMessage
	Hallucination json.RawMessage
	Timestamp     string
}

// MessageEntry is one linearized client-side message produced from a Record.
// Entries form a single parent chain: each entry's parent is the previous
// one, the first entry's parent is empty.
type MessageEntry struct {
	ID            string
	ParentID      string
	Role          string // "user" | "assistant"
	Text          string
	Sources       json.RawMessage
	Hallucination json.RawMessage
	Timestamp     string
}

// SplitRecords turns N backend records into 2N ordered entries, user before
// assistant, chained by parent id.
func SplitRecords(records []Record) []MessageEntry {
	entries := make([]MessageEntry, 0, len(records)*2)
	parent := ""
	for _, rec := range records {
		base := rec.MessageID
		if base == "" {
			base = uuid.NewString()
		}

		user := MessageEntry{
			ID:        base + "_q",
			ParentID:  parent,
			Role:      "user",
			Text:      rec.Query,
			Timestamp: rec.Timestamp,
		}
		assistant := MessageEntry{
			ID:            base + "_a",
			ParentID:      user.ID,
			Role:          "assistant",
			Text:          rec.Answer,
			Sources:       rec.Sources,
			Hallucination: rec.Hallucination,
			Timestamp:     rec.Timestamp,
		}
		entries = append(entries, user, assistant)
		parent = assistant.ID
	}
	return entries
}

var errNoIdentity = errors.New("reconcile: history fetch requires a resolved identity")

// HistoryLoader fetches full message history for a thread through the
// gateway's messages route.
type HistoryLoader struct {
	baseURL  string
	client   *http.Client
	provider identity.Provider
	log      logger.ILogger
}

func NewHistoryLoader(baseURL string, client *http.Client, provider identity.Provider, log logger.ILogger) *HistoryLoader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HistoryLoader{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		provider: provider,
		log:      log,
	}
}

// Fetch returns the thread's records. A backend without persistence
// configured reports empty history with no error; other failures are real
// errors so the caller can leave the thread eligible for a later retry.
func (l *HistoryLoader) Fetch(ctx context.Context, threadID string) ([]Record, error) {
	user := l.provider.Current()
	if user == nil {
		return nil, errNoIdentity
	}

	url := fmt.Sprintf("%s/api/chats/%s/messages", l.baseURL, threadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Anonymous", fmt.Sprintf("%t", user.Anonymous))
	if token, err := l.provider.IDToken(ctx); err == nil {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotImplemented || strings.Contains(string(body), "Persistence not configured") {
			return nil, nil
		}
		return nil, fmt.Errorf("reconcile: history fetch returned %d", resp.StatusCode)
	}

	return ParseRecords(body), nil
}

// backendMessage tolerates the id living under any of three field names,
// checked in priority order.
type backendMessage struct {
	MessageIDPascal string          `json:"MessageId"`
	MessageIDSnake  string          `json:"message_id"`
	MessageIDPlain  string          `json:"id"`
	Query           string          `json:"query"`
	Answer          string          `json:"answer"`
	Sources         json.RawMessage `json:"sources"`
	Hallucination   json.RawMessage `json:"hallucination_check"`
	Timestamp       string          `json:"timestamp"`
}

func (m backendMessage) id() string {
	switch {
	case m.MessageIDPascal != "":
		return m.MessageIDPascal
	case m.MessageIDSnake != "":
		return m.MessageIDSnake
	default:
		return m.MessageIDPlain
	}
}

// ParseRecords decodes a messages payload; a body that doesn't match the
// envelope yields no records rather than an error.
func ParseRecords(body []byte) []Record {
	var env struct {
		Messages []backendMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}

	records := make([]Record, 0, len(env.Messages))
	for _, msg := range env.Messages {
		records = append(records, Record{
			MessageID:     msg.id(),
			Query:         msg.Query,
			Answer:        msg.Answer,
			Sources:       msg.Sources,
			Hallucination: msg.Hallucination,
			Timestamp:     msg.Timestamp,
		})
	}
	return records
}
