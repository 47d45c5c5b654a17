package typing

import (
	"context"
	"time"

	"github.com/c-pro/geche"

	"vestnik/internal/models"
)

const sweepInterval = time.Second

// Coordinator tracks who is typing in which conversation. One typist
// per conversation, last writer wins. Entries expire on their own after
// the TTL so a peer vanishing mid-type never leaves a stale indicator.
type Coordinator struct {
	entries geche.Geche[string, models.TypingEntry]
	ttl     time.Duration
	now     func() time.Time

	// onChange fires on start (active=true) and on stop, sweep expiry,
	// or expiry observed on read (active=false).
	onChange func(conversationID, userID string, active bool)
}

// New builds a Coordinator whose expiry sweep lives until ctx is
// cancelled. The cache TTL is double the indicator TTL so the sweep,
// which owns the deactivation notice, wins the race against the cache
// janitor.
func New(ctx context.Context, ttl time.Duration, onChange func(conversationID, userID string, active bool)) *Coordinator {
	c := &Coordinator{
		entries:  geche.NewMapTTLCache[string, models.TypingEntry](ctx, 2*ttl, sweepInterval),
		ttl:      ttl,
		now:      time.Now,
		onChange: onChange,
	}
	go c.sweepLoop(ctx)
	return c
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep expires overdue entries and notifies; subscribers never depend
// on a Typist read to see an indicator go away.
func (c *Coordinator) sweep() {
	for id, entry := range c.entries.Snapshot() {
		if c.now().After(entry.ExpiresAt) {
			_ = c.entries.Del(id)
			if c.onChange != nil {
				c.onChange(id, entry.UserID, false)
			}
		}
	}
}

// Start inserts or refreshes the typing entry for a conversation.
func (c *Coordinator) Start(conversationID, userID string) {
	c.entries.Set(conversationID, models.TypingEntry{
		ConversationID: conversationID,
		UserID:         userID,
		ExpiresAt:      c.now().Add(c.ttl),
	})
	if c.onChange != nil {
		c.onChange(conversationID, userID, true)
	}
}

// Stop removes the entry immediately, but only if userID is the tracked
// typist; a stale stop from an overwritten typist is a no-op.
func (c *Coordinator) Stop(conversationID, userID string) {
	entry, err := c.entries.Get(conversationID)
	if err != nil || entry.UserID != userID {
		return
	}
	_ = c.entries.Del(conversationID)
	if c.onChange != nil {
		c.onChange(conversationID, userID, false)
	}
}

// Typist returns the active typist of a conversation, if any. Expiry is
// double-checked lazily in case the janitor has not swept yet.
func (c *Coordinator) Typist(conversationID string) (string, bool) {
	entry, err := c.entries.Get(conversationID)
	if err != nil {
		return "", false
	}
	if c.now().After(entry.ExpiresAt) {
		_ = c.entries.Del(conversationID)
		if c.onChange != nil {
			c.onChange(conversationID, entry.UserID, false)
		}
		return "", false
	}
	return entry.UserID, true
}
