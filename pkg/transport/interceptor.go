// Package transport adapts every outbound chat request and inbound response
// between the UI runtime and the gateway, keeping the conversation session
// consistent as a side effect.
package transport

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/pkg/identity"
	"rag-chat-gateway/pkg/payload"
	"rag-chat-gateway/pkg/session"
)

// Response headers carrying the backend-assigned ids.
const (
	HeaderConversationID = "X-Conversation-Id"
	HeaderMessageID      = "X-Message-Id"
)

// Interceptor wraps a base RoundTripper around chat requests. It injects the
// identity credential and anonymous flag, forwards the active conversation
// id when one is trusted, tracks outgoing query text, and captures the ids
// the backend assigns in response headers.
type Interceptor struct {
	base     http.RoundTripper
	provider identity.Provider
	store    *session.Store
	check    func() bool // hallucination-check toggle, read per request
	log      logger.ILogger
}

func NewInterceptor(base http.RoundTripper, provider identity.Provider, store *session.Store, check func() bool, log logger.ILogger) *Interceptor {
	if base == nil {
		base = http.DefaultTransport
	}
	if check == nil {
		check = func() bool { return false }
	}
	return &Interceptor{
		base:     base,
		provider: provider,
		store:    store,
		check:    check,
		log:      log,
	}
}

// Client returns an http.Client using the interceptor as transport.
func (i *Interceptor) Client() *http.Client {
	return &http.Client{Transport: i}
}

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())

	q := out.URL.Query()
	q.Set("check", strconv.FormatBool(i.check()))
	if convID := i.store.ConversationID(); session.IsTrustedID(convID) {
		// The backend continues this conversation. Omitted entirely when no
		// trusted id exists so the backend mints a new one.
		q.Set("conv_id", convID)
	} else {
		q.Del("conv_id")
	}
	out.URL.RawQuery = q.Encode()

	// Credential failure is fail-open: the server enforces auth on its own.
	if token, err := i.provider.IDToken(req.Context()); err == nil {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		i.log.Warn("transport", "proceeding without id token", map[string]interface{}{"error": err.Error()})
	}
	out.Header.Set("X-User-Anonymous", strconv.FormatBool(i.provider.IsAnonymous()))

	if body, ok := i.readBody(out); ok {
		if query, found := payload.LastUserQuery(body); found {
			i.store.TrackQuery(query)
		}
	}

	resp, err := i.base.RoundTrip(out)
	if err != nil {
		// No retries here; transport failures belong to the caller.
		return nil, err
	}

	if convID := resp.Header.Get(HeaderConversationID); convID != "" {
		if i.store.AdoptConversationID(convID) {
			i.log.Debug("transport", "adopted conversation id", map[string]interface{}{"conversation_id": convID})
		}
	}
	if msgID := resp.Header.Get(HeaderMessageID); msgID != "" {
		i.store.AddMessageID(msgID)
	}

	return resp, nil
}

// readBody captures the request payload without consuming it, trying the
// non-destructive GetBody first, then buffering Body and restoring it.
// Any failure means "no query observed"; tracking is advisory.
func (i *Interceptor) readBody(req *http.Request) ([]byte, bool) {
	if req.Body == nil {
		return nil, false
	}

	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, false
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, false
		}
		return data, true
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		req.Body = io.NopCloser(bytes.NewReader(nil))
		return nil, false
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.ContentLength = int64(len(data))
	return data, true
}
