package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// TrustedIDPrefix is the backend's conversation id convention. Ids minted
// anywhere else (placeholders, local synthesis) never carry it, which is what
// lets the store refuse them.
const TrustedIDPrefix = "conv_"

// IsTrustedID reports whether id matches the backend id format.
func IsTrustedID(id string) bool {
	return strings.HasPrefix(id, TrustedIDPrefix) && len(id) > len(TrustedIDPrefix)
}

// maxTrackedQueries bounds the query texts kept for title generation.
const maxTrackedQueries = 3

const changeTopic = "conversation.session.changed"

// Snapshot is an atomic view of the conversation session. Readers always get
// a full copy; no half-applied updates are observable.
type Snapshot struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	TrackedQueries []string `json:"tracked_queries"`
	TitleGenerated bool     `json:"title_generated"`
	PendingTitle   string   `json:"pending_title"`
}

// Field names the logical slot a change touched.
type Field string

const (
	FieldConversationID Field = "conversation_id"
	FieldMessageIDs     Field = "message_ids"
	FieldTrackedQueries Field = "tracked_queries"
	FieldTitleGenerated Field = "title_generated"
	FieldPendingTitle   Field = "pending_title"
	FieldReset          Field = "reset"
)

// Change is published on every effective mutation. Watchers receive the field
// that moved plus the snapshot taken at mutation time.
type Change struct {
	Field    Field    `json:"field"`
	Snapshot Snapshot `json:"snapshot"`
}

// Store holds the single per-tab ConversationSession. All mutation goes
// through named operations so the session invariants are enforced at one
// choke point; independent watchers observe it through Watch.
type Store struct {
	mu      sync.Mutex
	snap    Snapshot
	msgSeen map[string]struct{}

	pubSub *gochannel.GoChannel
}

func NewStore() *Store {
	return &Store{
		msgSeen: make(map[string]struct{}),
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NopLogger{},
		),
	}
}

// Watch subscribes to the change feed. Each subscriber gets every change
// published after the subscription; the channel closes when ctx is done or
// the store is closed.
func (s *Store) Watch(ctx context.Context) (<-chan Change, error) {
	messages, err := s.pubSub.Subscribe(ctx, changeTopic)
	if err != nil {
		return nil, err
	}

	out := make(chan Change, 32)
	go func() {
		defer close(out)
		for msg := range messages {
			var change Change
			if err := json.Unmarshal(msg.Payload, &change); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) Close() error {
	return s.pubSub.Close()
}

// Snapshot returns a copy of the current session state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapLocked()
}

// ConversationID returns the trusted conversation id, or "" when none has
// been adopted yet.
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.ConversationID
}

// AdoptConversationID stores a backend-assigned conversation id. Untrusted
// candidates are rejected outright; among trusted ones the last distinct
// value wins, since the backend is authoritative per response. Returns true
// when the stored id actually changed.
func (s *Store) AdoptConversationID(id string) bool {
	if !IsTrustedID(id) {
		return false
	}

	s.mu.Lock()
	if s.snap.ConversationID == id {
		s.mu.Unlock()
		return false
	}
	s.snap.ConversationID = id
	snap := s.snapLocked()
	s.mu.Unlock()

	s.publish(FieldConversationID, snap)
	return true
}

// AddMessageID records a backend-acknowledged message id. Duplicates are
// ignored.
func (s *Store) AddMessageID(id string) bool {
	if id == "" {
		return false
	}

	s.mu.Lock()
	if _, seen := s.msgSeen[id]; seen {
		s.mu.Unlock()
		return false
	}
	s.msgSeen[id] = struct{}{}
	s.snap.MessageIDs = append(s.snap.MessageIDs, id)
	snap := s.snapLocked()
	s.mu.Unlock()

	s.publish(FieldMessageIDs, snap)
	return true
}

// TrackQuery appends a user query text, keeping only the newest
// maxTrackedQueries entries.
func (s *Store) TrackQuery(query string) {
	if query == "" {
		return
	}

	s.mu.Lock()
	s.snap.TrackedQueries = append(s.snap.TrackedQueries, query)
	if overflow := len(s.snap.TrackedQueries) - maxTrackedQueries; overflow > 0 {
		s.snap.TrackedQueries = append([]string(nil), s.snap.TrackedQueries[overflow:]...)
	}
	snap := s.snapLocked()
	s.mu.Unlock()

	s.publish(FieldTrackedQueries, snap)
}

// MarkTitleGenerated latches the title-generated flag. It refuses unless at
// least two queries were tracked, and is not repeatable: the first caller
// wins, which is what makes the title trigger single-fire.
func (s *Store) MarkTitleGenerated() bool {
	s.mu.Lock()
	if s.snap.TitleGenerated || len(s.snap.TrackedQueries) < 2 {
		s.mu.Unlock()
		return false
	}
	s.snap.TitleGenerated = true
	snap := s.snapLocked()
	s.mu.Unlock()

	s.publish(FieldTitleGenerated, snap)
	return true
}

// StagePendingTitle parks a generated title until a consumer applies it to
// the thread list.
func (s *Store) StagePendingTitle(title string) {
	if title == "" {
		return
	}

	s.mu.Lock()
	s.snap.PendingTitle = title
	snap := s.snapLocked()
	s.mu.Unlock()

	s.publish(FieldPendingTitle, snap)
}

// TakePendingTitle returns the staged title and clears the slot.
func (s *Store) TakePendingTitle() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.PendingTitle == "" {
		return "", false
	}
	title := s.snap.PendingTitle
	s.snap.PendingTitle = ""
	return title, true
}

// Reset clears the whole session. Called when the user starts a new
// conversation or the identity changes.
func (s *Store) Reset() {
	s.mu.Lock()
	s.snap = Snapshot{}
	s.msgSeen = make(map[string]struct{})
	snap := s.snapLocked()
	s.mu.Unlock()

	s.publish(FieldReset, snap)
}

func (s *Store) snapLocked() Snapshot {
	snap := s.snap
	snap.MessageIDs = append([]string(nil), s.snap.MessageIDs...)
	snap.TrackedQueries = append([]string(nil), s.snap.TrackedQueries...)
	return snap
}

func (s *Store) publish(field Field, snap Snapshot) {
	payload, err := json.Marshal(Change{Field: field, Snapshot: snap})
	if err != nil {
		return
	}
	// Publishing outside the mutex: a slow watcher must not block mutation.
	_ = s.pubSub.Publish(changeTopic, message.NewMessage(watermill.NewUUID(), payload))
}
