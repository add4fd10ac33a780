// Package title generates conversation titles automatically and applies them
// to the thread list. Generation and application are decoupled through the
// session's pending-title slot to avoid a cycle between the trigger and the
// thread-list runtime.
package title

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/pkg/identity"
	"rag-chat-gateway/pkg/session"
)

// Generator requests a title for a conversation from its first queries.
type Generator interface {
	GenerateTitle(ctx context.Context, chatID string, queries []string) (string, error)
}

// Trigger watches the session and fires a single automatic title request
// once enough context has accumulated.
type Trigger struct {
	store     *session.Store
	provider  identity.Provider
	generator Generator
	log       logger.ILogger
}

func NewTrigger(store *session.Store, provider identity.Provider, generator Generator, log logger.ILogger) *Trigger {
	return &Trigger{
		store:     store,
		provider:  provider,
		generator: generator,
		log:       log,
	}
}

// Run consumes the session change feed until ctx is done. The watched inputs
// may fire any number of times; the title request goes out at most once per
// session.
func (t *Trigger) Run(ctx context.Context) error {
	changes, err := t.store.Watch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			t.evaluate(ctx, change.Snapshot)
		}
	}
}

// evaluate fires when every condition holds at once: two or more tracked
// queries, a resolved non-anonymous identity, a trusted conversation id,
// and no title generated yet.
func (t *Trigger) evaluate(ctx context.Context, snap session.Snapshot) {
	if snap.TitleGenerated || len(snap.TrackedQueries) < 2 {
		return
	}
	if !session.IsTrustedID(snap.ConversationID) {
		return
	}
	if t.provider.Current() == nil || t.provider.IsAnonymous() {
		return
	}

	// The latch flips before the request is issued, not on success, so
	// re-evaluations racing the in-flight request cannot fire twice.
	if !t.store.MarkTitleGenerated() {
		return
	}

	chatID := snap.ConversationID
	queries := snap.TrackedQueries
	if len(queries) > 3 {
		queries = queries[:3]
	}

	go func() {
		generated, err := t.generator.GenerateTitle(ctx, chatID, queries)
		if err != nil {
			t.log.Warn("title", "title generation failed", map[string]interface{}{
				"error":   err.Error(),
				"chat_id": chatID,
			})
			return
		}
		if generated != "" {
			t.store.StagePendingTitle(generated)
		}
	}()
}

// Renamer applies a title to a thread-list entry.
type Renamer interface {
	Rename(ctx context.Context, remoteID, newTitle string)
}

// Applier is the decoupled consumer of the pending-title slot.
type Applier struct {
	store   *session.Store
	renamer Renamer
}

func NewApplier(store *session.Store, renamer Renamer) *Applier {
	return &Applier{store: store, renamer: renamer}
}

// Run applies staged titles as they appear, clearing the slot each time.
func (a *Applier) Run(ctx context.Context) error {
	changes, err := a.store.Watch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if change.Field != session.FieldPendingTitle {
				continue
			}
			chatID := change.Snapshot.ConversationID
			// TakePendingTitle clears atomically, so duplicate change
			// deliveries apply nothing twice.
			if pending, ok := a.store.TakePendingTitle(); ok && chatID != "" {
				a.renamer.Rename(ctx, chatID, pending)
			}
		}
	}
}

// HTTPGenerator requests titles through the gateway's title route.
type HTTPGenerator struct {
	baseURL  string
	client   *http.Client
	provider identity.Provider
}

func NewHTTPGenerator(baseURL string, client *http.Client, provider identity.Provider) *HTTPGenerator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGenerator{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		provider: provider,
	}
}

func (g *HTTPGenerator) GenerateTitle(ctx context.Context, chatID string, queries []string) (string, error) {
	user := g.provider.Current()
	if user == nil {
		return "", identity.ErrNoIdentity
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"chat_id": chatID,
		"queries": queries,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/title/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := g.provider.IDToken(ctx)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("title: generate returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Title, nil
}
