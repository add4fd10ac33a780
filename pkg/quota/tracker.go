package quota

import (
	"context"
	"fmt"
	"time"

	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/pkg/identity"
)

// Tracker gates new queries against a per-user daily limit. The limit differs
// by identity class: anonymous users get the lower one. Hitting the limit is
// not an error; it fires the upgrade-prompt callback and leaves enforcement
// to the caller.
type Tracker struct {
	storage   Storage
	anonLimit int
	authLimit int
	onLimit   func(user *identity.User)
	log       logger.ILogger
}

func NewTracker(storage Storage, anonLimit, authLimit int, log logger.ILogger) *Tracker {
	return &Tracker{
		storage:   storage,
		anonLimit: anonLimit,
		authLimit: authLimit,
		log:       log,
	}
}

// OnLimitReached registers the identity-upgrade nudge shown when an increment
// lands on or past the limit.
func (t *Tracker) OnLimitReached(fn func(user *identity.User)) {
	t.onLimit = fn
}

// Key builds the storage key for a user's count on the given day.
func Key(userID string, day time.Time) string {
	return fmt.Sprintf("queries_%s_%s", userID, day.UTC().Format("2006-01-02"))
}

// DailyLimit returns the limit applicable to the user's identity class.
func (t *Tracker) DailyLimit(user *identity.User) int {
	if user == nil || user.Anonymous {
		return t.anonLimit
	}
	return t.authLimit
}

// CanQuery reports whether the user is still under today's limit.
func (t *Tracker) CanQuery(ctx context.Context, user *identity.User) bool {
	if user == nil {
		return false
	}
	return t.count(ctx, user.ID) < t.DailyLimit(user)
}

// Remaining returns how many queries the user has left today, never negative.
func (t *Tracker) Remaining(ctx context.Context, user *identity.User) int {
	if user == nil {
		return 0
	}
	remaining := t.DailyLimit(user) - t.count(ctx, user.ID)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IncrementQueryCount records one query for today. Storage failures are
// logged, never surfaced; counting is advisory.
func (t *Tracker) IncrementQueryCount(ctx context.Context, user *identity.User) {
	if user == nil {
		return
	}

	key := Key(user.ID, time.Now())
	newCount := t.count(ctx, user.ID) + 1
	if err := t.storage.Set(ctx, key, newCount); err != nil {
		t.log.Warn("quota", "failed to persist query count", map[string]interface{}{
			"error": err.Error(),
			"key":   key,
		})
	}

	if newCount >= t.DailyLimit(user) && t.onLimit != nil {
		t.onLimit(user)
	}
}

func (t *Tracker) count(ctx context.Context, userID string) int {
	key := Key(userID, time.Now())
	count, found, err := t.storage.Get(ctx, key)
	if err != nil {
		t.log.Warn("quota", "failed to read query count", map[string]interface{}{
			"error": err.Error(),
			"key":   key,
		})
		return 0
	}
	if !found {
		return 0
	}
	return count
}
