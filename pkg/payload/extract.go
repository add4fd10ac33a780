// Package payload pulls human-readable query text out of the polymorphic
// message shapes the chat transport carries. The backend and the UI runtime
// disagree on message encoding, so extraction is an ordered list of
// extractors tried until one matches; no shape matching yields "" rather
// than an error.
package payload

import (
	"encoding/json"
	"strings"
)

// Part is one typed segment of a parts-encoded message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Message is a transport-level chat message with either a content field
// (flat string or array of parts) or a parts array.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Parts   []Part          `json:"parts,omitempty"`
}

type envelope struct {
	Messages []Message `json:"messages"`
}

// Text extracts the readable text of a message, trying each known shape in
// priority order: flat string content, array-of-parts content, then a typed
// parts array.
func Text(m Message) string {
	if len(m.Content) > 0 {
		var flat string
		if err := json.Unmarshal(m.Content, &flat); err == nil {
			return flat
		}

		var parts []Part
		if err := json.Unmarshal(m.Content, &parts); err == nil {
			return joinParts(parts, false)
		}
	}

	if len(m.Parts) > 0 {
		return joinParts(m.Parts, true)
	}

	return ""
}

// LastUserQuery finds the most recent user-authored message in a request
// body and returns its text. The bool is false when the body is not a
// message envelope or holds no extractable user text.
func LastUserQuery(body []byte) (string, bool) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false
	}

	for i := len(env.Messages) - 1; i >= 0; i-- {
		if env.Messages[i].Role != "user" {
			continue
		}
		if text := Text(env.Messages[i]); text != "" {
			return text, true
		}
		return "", false
	}
	return "", false
}

// UserTexts collects up to max user-message texts in order, for title
// generation.
func UserTexts(messages []Message, max int) []string {
	texts := make([]string, 0, max)
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		if len(texts) == max {
			break
		}
		texts = append(texts, Text(m))
	}
	return texts
}

func joinParts(parts []Part, typedOnly bool) string {
	var b strings.Builder
	for _, p := range parts {
		if typedOnly && p.Type != "text" {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}
