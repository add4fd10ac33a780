// Package reconcile keeps three independently-changing sources of truth
// consistent: the route the user is viewing, the conversation session store,
// and the message history held by the backend. All transitions run on a
// single goroutine so every guard is checked synchronously against current
// state; the race windows of independent watchers cannot occur here.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/pkg/identity"
	"rag-chat-gateway/pkg/session"
)

// ResetOnIdentityChange clears the session whenever the user behind the tab
// changes. A conversation started under one identity must never leak into
// another one's view.
func ResetOnIdentityChange(provider identity.Provider, store *session.Store) {
	var mu sync.Mutex
	var lastID string
	if u := provider.Current(); u != nil {
		lastID = u.ID
	}

	provider.Subscribe(func(u *identity.User) {
		mu.Lock()
		changed := u.ID != lastID
		lastID = u.ID
		mu.Unlock()
		if changed {
			store.Reset()
		}
	})
}

// State of the reconciler's per-tab machine.
type State int32

const (
	// StateUnresolved means no confirmed active conversation.
	StateUnresolved State = iota
	// StateAwaitingThreadList means the route names a conversation but the
	// thread list has not loaded yet.
	StateAwaitingThreadList
	// StateSwitching means the thread list is ready and a switch is underway.
	StateSwitching
	// StateActive means the switch succeeded; backfill in progress or done.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateAwaitingThreadList:
		return "awaiting_thread_list"
	case StateSwitching:
		return "switching"
	case StateActive:
		return "active"
	default:
		return "unresolved"
	}
}

// conversationPathPrefix is the route namespace for conversations.
const conversationPathPrefix = "/c/"

// ConversationPath returns the route for a conversation id.
func ConversationPath(id string) string {
	return conversationPathPrefix + id
}

// ParseConversationPath extracts the conversation id from a route, if any.
func ParseConversationPath(path string) (string, bool) {
	if !strings.HasPrefix(path, conversationPathPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, conversationPathPrefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Router reflects and mutates the address bar.
type Router interface {
	Path() string
	Replace(path string)
}

// ThreadRuntime is the UI runtime surface the reconciler drives.
type ThreadRuntime interface {
	SwitchToThread(id string) error
	SwitchToNewThread()
	MessageCount(threadID string) int
	Append(threadID string, entry MessageEntry)
}

// ThreadListView reports thread-list readiness. Both a poll and a
// subscription are used because the list may become ready through a push or
// already be ready at subscribe time.
type ThreadListView interface {
	Ready() bool
	SubscribeReady(fn func())
}

type backfillResult struct {
	threadID string
	records  []Record
	err      error
}

// Reconciler is the 5-state machine of the conversation sync core.
type Reconciler struct {
	router  Router
	runtime ThreadRuntime
	threads ThreadListView
	store   *session.Store
	history *HistoryLoader
	log     logger.ILogger

	pollEvery time.Duration

	state    atomic.Int32
	targetID string // conversation awaiting switch
	activeID string

	backfilled map[string]struct{} // per-tab, never persisted
	inFlight   map[string]bool

	navCh      chan string
	readyCh    chan struct{}
	backfillCh chan backfillResult
}

func New(router Router, runtime ThreadRuntime, threads ThreadListView, store *session.Store, history *HistoryLoader, log logger.ILogger) *Reconciler {
	return &Reconciler{
		router:     router,
		runtime:    runtime,
		threads:    threads,
		store:      store,
		history:    history,
		log:        log,
		pollEvery:  200 * time.Millisecond,
		backfilled: make(map[string]struct{}),
		inFlight:   make(map[string]bool),
		navCh:      make(chan string, 8),
		readyCh:    make(chan struct{}, 1),
		backfillCh: make(chan backfillResult, 4),
	}
}

// State returns the current machine state. Safe from any goroutine.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Navigate feeds an external route change into the machine.
func (r *Reconciler) Navigate(path string) {
	select {
	case r.navCh <- path:
	default:
		// A flood of identical navigations collapses; the newest wins on
		// the next loop pass anyway.
	}
}

// Run drives the machine until ctx is done. It must be the only writer of
// reconciler state.
func (r *Reconciler) Run(ctx context.Context) error {
	changes, err := r.store.Watch(ctx)
	if err != nil {
		return err
	}

	r.threads.SubscribeReady(func() {
		select {
		case r.readyCh <- struct{}{}:
		default:
		}
	})

	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	// Initial load direction is URL -> store.
	r.handleNavigate(ctx, r.router.Path())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case path := <-r.navCh:
			r.handleNavigate(ctx, path)
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			r.handleStoreChange(ctx, change)
		case <-r.readyCh:
			r.tryPendingSwitch(ctx)
		case <-ticker.C:
			r.tryPendingSwitch(ctx)
		case result := <-r.backfillCh:
			r.handleBackfillResult(result)
		}
	}
}

func (r *Reconciler) handleNavigate(ctx context.Context, path string) {
	id, ok := ParseConversationPath(path)
	if !ok {
		// Root or unknown path: back to a fresh conversation.
		r.targetID = ""
		r.activeID = ""
		r.state.Store(int32(StateUnresolved))
		return
	}

	if id == r.activeID && r.State() == StateActive {
		return
	}

	r.targetID = id
	r.state.Store(int32(StateAwaitingThreadList))
	r.tryPendingSwitch(ctx)
}

// tryPendingSwitch completes an awaited switch once the thread list is ready.
func (r *Reconciler) tryPendingSwitch(ctx context.Context) {
	if r.State() != StateAwaitingThreadList || r.targetID == "" {
		return
	}
	if !r.threads.Ready() {
		return
	}

	r.state.Store(int32(StateSwitching))
	target := r.targetID

	if err := r.runtime.SwitchToThread(target); err != nil {
		// The conversation is gone or inaccessible. Availability wins:
		// degrade to a fresh chat at root, no user-visible error.
		r.log.Warn("reconcile", "thread switch failed, starting fresh", map[string]interface{}{
			"thread_id": target,
			"error":     err.Error(),
		})
		r.targetID = ""
		r.activeID = ""
		r.state.Store(int32(StateUnresolved))
		r.router.Replace("/")
		r.runtime.SwitchToNewThread()
		return
	}

	r.targetID = ""
	r.activeID = target
	r.state.Store(int32(StateActive))
	// An untrusted id (a runtime-local thread) is refused by the store: the
	// thread is viewable but the session id stays empty until the backend
	// assigns a real one on the first message round-trip.
	r.store.AdoptConversationID(target)
	r.maybeBackfill(ctx, target)
}

func (r *Reconciler) handleStoreChange(ctx context.Context, change session.Change) {
	switch change.Field {
	case session.FieldConversationID:
		id := change.Snapshot.ConversationID
		if id == "" {
			return
		}
		// Store -> URL: the address bar follows the session once an id is
		// adopted (first message round-trip, or a completed switch).
		if r.router.Path() != ConversationPath(id) {
			r.router.Replace(ConversationPath(id))
		}
		if r.activeID != id {
			r.activeID = id
			r.state.Store(int32(StateActive))
			r.maybeBackfill(ctx, id)
		}
	case session.FieldReset:
		// "New chat": the session went blank while the URL may still name
		// the old conversation.
		if _, ok := ParseConversationPath(r.router.Path()); ok {
			r.router.Replace("/")
		}
		r.targetID = ""
		r.activeID = ""
		r.state.Store(int32(StateUnresolved))
	}
}

// maybeBackfill fetches history for a thread at most once per tab lifetime.
// The guards run synchronously on the loop goroutine, so overlapping
// triggers cannot slip past before the first fetch marks itself in flight.
func (r *Reconciler) maybeBackfill(ctx context.Context, threadID string) {
	if _, done := r.backfilled[threadID]; done {
		return
	}
	if r.inFlight[threadID] {
		return
	}
	if r.runtime.MessageCount(threadID) > 0 {
		r.backfilled[threadID] = struct{}{}
		return
	}

	r.inFlight[threadID] = true
	go func() {
		records, err := r.history.Fetch(ctx, threadID)
		select {
		case r.backfillCh <- backfillResult{threadID: threadID, records: records, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (r *Reconciler) handleBackfillResult(result backfillResult) {
	delete(r.inFlight, result.threadID)

	if result.err != nil {
		// Not marked backfilled: a later visit may retry.
		r.log.Warn("reconcile", "history backfill failed", map[string]interface{}{
			"thread_id": result.threadID,
			"error":     result.err.Error(),
		})
		return
	}

	// Stale-response guard: a superseded navigation means this response no
	// longer belongs to the visible thread.
	if result.threadID != r.activeID {
		r.log.Debug("reconcile", "discarding stale backfill response", map[string]interface{}{
			"thread_id": result.threadID,
			"active_id": r.activeID,
		})
		return
	}

	for _, entry := range SplitRecords(result.records) {
		r.runtime.Append(result.threadID, entry)
	}
	r.backfilled[result.threadID] = struct{}{}
}
