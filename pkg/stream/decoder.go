// Package stream decodes the backend's token stream: newline-delimited
// `data: {json}` frames terminated by a `data: [DONE]` sentinel.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

type EventType string

const (
	EventStatus        EventType = "status"
	EventContext       EventType = "context"
	EventToken         EventType = "token"
	EventHallucination EventType = "hallucination"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// doneSentinel terminates the stream.
const doneSentinel = "[DONE]"

// Source is one retrieved citation chunk.
type Source struct {
	Text     string         `json:"text"`
	Metadata SourceMetadata `json:"metadata"`
	Score    float64        `json:"score"`
}

type SourceMetadata struct {
	Title    string `json:"title"`
	FilePath string `json:"file_path"`
	ChromaID string `json:"chroma_id"`
}

// Verification is the grounding verdict for a single generated claim.
type Verification struct {
	Claim      string  `json:"claim"`
	IsGrounded bool    `json:"is_grounded"`
	MaxScore   float64 `json:"max_score"`
}

// Event is a single decoded stream frame. Only the fields matching Type are
// populated.
type Event struct {
	Type EventType `json:"type"`

	// status
	Stage          string `json:"stage,omitempty"`
	PapersFound    int    `json:"papers_found,omitempty"`
	ChunksReranked int    `json:"chunks_reranked,omitempty"`

	// context
	Data []Source `json:"data,omitempty"`

	// token
	Content string `json:"content,omitempty"`

	// hallucination
	GroundingRatio    float64        `json:"grounding_ratio,omitempty"`
	NumClaims         int            `json:"num_claims,omitempty"`
	NumGrounded       int            `json:"num_grounded,omitempty"`
	UnsupportedClaims []string       `json:"unsupported_claims,omitempty"`
	Verifications     []Verification `json:"verifications,omitempty"`

	// done
	TraceID         string `json:"trace_id,omitempty"`
	TotalDurationMS int64  `json:"total_duration_ms,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

var knownTypes = map[EventType]bool{
	EventStatus:        true,
	EventContext:       true,
	EventToken:         true,
	EventHallucination: true,
	EventDone:          true,
	EventError:         true,
}

// Decoder reads events off a response body. Malformed frames and unknown
// event types are skipped, never surfaced.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next event, or io.EOF at the sentinel or end of stream.
func (d *Decoder) Next() (*Event, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == doneSentinel {
			return nil, io.EOF
		}

		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if !knownTypes[event.Type] {
			continue
		}
		return &event, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Collect drains the stream into a flat result, for consumers that want the
// assembled answer rather than live tokens.
type Result struct {
	Answer        string
	Sources       []Source
	Hallucination *Event
	TraceID       string
	Err           string
}

func Collect(r io.Reader) (*Result, error) {
	dec := NewDecoder(r)
	var (
		answer strings.Builder
		result Result
	)
	for {
		event, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch event.Type {
		case EventToken:
			answer.WriteString(event.Content)
		case EventContext:
			result.Sources = event.Data
		case EventHallucination:
			result.Hallucination = event
		case EventDone:
			result.TraceID = event.TraceID
		case EventError:
			result.Err = event.Message
		}
	}
	result.Answer = answer.String()
	return &result, nil
}
