// Package cache keeps recent messages per conversation in memory, bounded
// by count per conversation, total count, and age.
package cache

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatbridge/internal/clock"
	"chatbridge/internal/domain"
)

// Config bounds the cache. Zero values disable the corresponding bound.
type Config struct {
	MaxPerConversation  int
	MaxTotal            int
	MaxAge              time.Duration
	CacheFetchedHistory bool
	Clock               clock.Clock
	Logger              *slog.Logger
}

// Cache is safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	convs  map[string]*conversation
	total  int
	clock  clock.Clock
	logger *slog.Logger
}

type conversation struct {
	id           string
	messages     []domain.Message // insertion order, oldest first
	lastActivity time.Time
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		cfg:    cfg,
		convs:  make(map[string]*conversation),
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// Put appends msg to the conversation, replacing an existing message with
// the same id in place. It returns the messages evicted to honour the
// per-conversation and global bounds.
func (c *Cache) Put(conversationID string, msg domain.Message) []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(conversationID, msg)
}

// PutFetched stores messages obtained through history backfill. It is a
// no-op when fetched history caching is disabled.
func (c *Cache) PutFetched(conversationID string, msgs ...domain.Message) []domain.Message {
	if !c.cfg.CacheFetchedHistory {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []domain.Message
	for _, m := range msgs {
		evicted = append(evicted, c.put(conversationID, m)...)
	}
	return evicted
}

func (c *Cache) put(conversationID string, msg domain.Message) []domain.Message {
	msg.ConversationID = conversationID

	conv := c.convs[conversationID]
	if conv == nil {
		conv = &conversation{id: conversationID}
		c.convs[conversationID] = conv
	}
	conv.lastActivity = c.clock.Now()

	for i := range conv.messages {
		if msg.ID != "" && conv.messages[i].ID == msg.ID {
			conv.messages[i] = msg
			return nil
		}
	}
	conv.messages = append(conv.messages, msg)
	c.total++

	var evicted []domain.Message
	if limit := c.cfg.MaxPerConversation; limit > 0 && len(conv.messages) > limit {
		n := len(conv.messages) - limit
		evicted = append(evicted, conv.messages[:n]...)
		conv.messages = append(conv.messages[:0:0], conv.messages[n:]...)
		c.total -= n
	}

	if limit := c.cfg.MaxTotal; limit > 0 {
		for c.total > limit {
			victim := c.leastRecentlyUpdated()
			if victim == nil {
				break
			}
			evicted = append(evicted, victim.messages[0])
			victim.messages = victim.messages[1:]
			c.total--
			if len(victim.messages) == 0 {
				delete(c.convs, victim.id)
			}
		}
	}

	if len(evicted) > 0 {
		c.logger.Debug("cache evicted messages", "conversation_id", conversationID, "count", len(evicted))
	}
	return evicted
}

func (c *Cache) leastRecentlyUpdated() *conversation {
	var victim *conversation
	for _, conv := range c.convs {
		if len(conv.messages) == 0 {
			continue
		}
		if victim == nil || conv.lastActivity.Before(victim.lastActivity) ||
			(conv.lastActivity.Equal(victim.lastActivity) && conv.id < victim.id) {
			victim = conv
		}
	}
	return victim
}

// GetRecent returns up to n most recent messages, oldest first. n <= 0
// returns the whole conversation.
func (c *Cache) GetRecent(conversationID string, n int) []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.convs[conversationID]
	if conv == nil {
		return nil
	}
	msgs := conv.messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Get returns a single cached message.
func (c *Cache) Get(conversationID, messageID string) (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.convs[conversationID]
	if conv == nil {
		return domain.Message{}, false
	}
	for _, m := range conv.messages {
		if m.ID == messageID {
			return m, true
		}
	}
	return domain.Message{}, false
}

// Delete removes a message and returns it.
func (c *Cache) Delete(conversationID, messageID string) (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.convs[conversationID]
	if conv == nil {
		return domain.Message{}, false
	}
	for i, m := range conv.messages {
		if m.ID != messageID {
			continue
		}
		conv.messages = append(conv.messages[:i], conv.messages[i+1:]...)
		c.total--
		if len(conv.messages) == 0 {
			delete(c.convs, conversationID)
		}
		return m, true
	}
	return domain.Message{}, false
}

// EvictExpired removes every message older than MaxAge and drops
// conversations left empty. It returns the removed messages.
func (c *Cache) EvictExpired() []domain.Message {
	if c.cfg.MaxAge <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-c.cfg.MaxAge)
	var evicted []domain.Message
	for id, conv := range c.convs {
		kept := conv.messages[:0]
		for _, m := range conv.messages {
			if m.Timestamp.Before(cutoff) {
				evicted = append(evicted, m)
				continue
			}
			kept = append(kept, m)
		}
		conv.messages = kept
		if len(conv.messages) == 0 {
			delete(c.convs, id)
		}
	}
	c.total -= len(evicted)

	if len(evicted) > 0 {
		c.logger.Info("cache expired messages", "count", len(evicted), "remaining", c.total)
	}
	return evicted
}

// Len returns the number of cached messages across all conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// ConversationLen returns the number of cached messages in one conversation.
func (c *Cache) ConversationLen(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv := c.convs[conversationID]; conv != nil {
		return len(conv.messages)
	}
	return 0
}

// Conversations returns the cached conversation ids, sorted.
func (c *Cache) Conversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.convs))
	for id := range c.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
