package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rag-chat-gateway/internal/config"
	"rag-chat-gateway/internal/pkg/logger"
)

// Upstream holds a pass-through response from the RAG backend. Body is fully
// buffered for JSON routes; streaming routes use ProxyStream instead.
type Upstream struct {
	Status      int
	ContentType string
	Body        []byte
}

// StreamUpstream is a live SSE response. Closing Body ends the upstream
// request.
type StreamUpstream struct {
	Status         int
	ConversationID string
	MessageID      string
	ContentType    string
	Body           io.ReadCloser
}

// Caller identifies the verified browser user behind a proxy request.
type Caller struct {
	UserID    string
	Anonymous bool
}

// IProxyService forwards authenticated browser requests to the RAG backend,
// swapping the browser bearer token for the service token.
type IProxyService interface {
	ListChats(ctx context.Context, caller Caller, limit int) (*Upstream, error)
	GetMessages(ctx context.Context, caller Caller, chatID string) (*Upstream, error)
	GenerateTitle(ctx context.Context, caller Caller, chatID string, queries []string) (*Upstream, error)
	RenameTitle(ctx context.Context, caller Caller, chatID, title string) (*Upstream, error)
	GetTrace(ctx context.Context, caller Caller, chatID, messageID string) (*Upstream, error)
	StreamChat(ctx context.Context, caller Caller, conversationID string, check bool, body []byte) (*StreamUpstream, error)
	Health(ctx context.Context) (*Upstream, error)
}

type ProxyService struct {
	baseURL      string
	streamPath   string
	serviceToken string
	client       *http.Client
	streamClient *http.Client
	log          logger.ILogger
}

func NewProxyService(cfg *config.Config, log logger.ILogger) IProxyService {
	return &ProxyService{
		baseURL:      strings.TrimRight(cfg.Backend.BaseURL, "/"),
		streamPath:   cfg.Backend.StreamPath,
		serviceToken: cfg.Backend.ServiceToken,
		client:       &http.Client{Timeout: 30 * time.Second},
		// Streams run for the length of a generation; no client timeout,
		// cancellation comes from the request context.
		streamClient: &http.Client{},
		log:          log,
	}
}

func (s *ProxyService) ListChats(ctx context.Context, caller Caller, limit int) (*Upstream, error) {
	endpoint := s.baseURL + "/chats"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	return s.forward(ctx, caller, http.MethodGet, endpoint, nil)
}

func (s *ProxyService) GetMessages(ctx context.Context, caller Caller, chatID string) (*Upstream, error) {
	endpoint := s.baseURL + "/chats/" + url.PathEscape(chatID) + "/messages"
	return s.forward(ctx, caller, http.MethodGet, endpoint, nil)
}

func (s *ProxyService) GenerateTitle(ctx context.Context, caller Caller, chatID string, queries []string) (*Upstream, error) {
	if len(queries) > 3 {
		queries = queries[:3]
	}
	body, err := encodeJSON(map[string]interface{}{"queries": queries})
	if err != nil {
		return nil, err
	}
	endpoint := s.baseURL + "/chats/" + url.PathEscape(chatID) + "/generate-title"
	return s.forward(ctx, caller, http.MethodPost, endpoint, body)
}

func (s *ProxyService) RenameTitle(ctx context.Context, caller Caller, chatID, title string) (*Upstream, error) {
	body, err := encodeJSON(map[string]interface{}{"chat_id": chatID, "title": title})
	if err != nil {
		return nil, err
	}
	return s.forward(ctx, caller, http.MethodPost, s.baseURL+"/title/rename", body)
}

func (s *ProxyService) GetTrace(ctx context.Context, caller Caller, chatID, messageID string) (*Upstream, error) {
	endpoint := s.baseURL + "/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(messageID) + "/trace"
	return s.forward(ctx, caller, http.MethodGet, endpoint, nil)
}

// StreamChat forwards a chat request and hands back the live SSE body. The
// conversation correlation headers are surfaced so the controller can expose
// them to the browser before the first event flushes.
func (s *ProxyService) StreamChat(ctx context.Context, caller Caller, conversationID string, check bool, body []byte) (*StreamUpstream, error) {
	endpoint := s.baseURL + s.streamPath
	params := url.Values{}
	if check {
		params.Set("check", "true")
	}
	if conversationID != "" {
		params.Set("conv_id", conversationID)
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	s.setServiceHeaders(req, caller)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: chat stream request failed: %w", err)
	}

	return &StreamUpstream{
		Status:         resp.StatusCode,
		ConversationID: resp.Header.Get("X-Conversation-Id"),
		MessageID:      resp.Header.Get("X-Message-Id"),
		ContentType:    resp.Header.Get("Content-Type"),
		Body:           resp.Body,
	}, nil
}

func (s *ProxyService) Health(ctx context.Context) (*Upstream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+s.streamPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Service-Token", s.serviceToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: backend health check failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Upstream{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: payload}, nil
}

// forward performs a buffered pass-through call. Upstream errors are not
// remapped; the caller relays the status and body untouched.
func (s *ProxyService) forward(ctx context.Context, caller Caller, method, endpoint string, body []byte) (*Upstream, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	s.setServiceHeaders(req, caller)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Error("proxy", "upstream request failed", map[string]interface{}{
			"endpoint": endpoint,
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("proxy: upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Upstream{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: payload}, nil
}

func encodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (s *ProxyService) setServiceHeaders(req *http.Request, caller Caller) {
	req.Header.Set("X-Service-Token", s.serviceToken)
	req.Header.Set("X-User-Id", caller.UserID)
	req.Header.Set("X-User-Anonymous", strconv.FormatBool(caller.Anonymous))
}
