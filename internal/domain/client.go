package domain

import (
	"context"
	"io"
	"time"
)

// PlatformClient is the capability set every platform integration
// (Telegram, Slack, Zulip, Discord, webhooks, shell, text files) exposes
// to the bridge core.
type PlatformClient interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Ping is the health check run by the connection supervisor.
	Ping(ctx context.Context) error
	Send(ctx context.Context, out OutboundMessage) (DeliveryResult, error)
	// Edit, Delete, AddReaction and RemoveReaction act on a message the
	// platform already holds. Platforms without the capability return
	// ErrUnsupported.
	Edit(ctx context.Context, conversationID, messageID, content string) error
	Delete(ctx context.Context, conversationID, messageID string) error
	AddReaction(ctx context.Context, conversationID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error
	FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (HistoryPage, error)
	// Subscribe registers the inbound handler. It must be called before Connect.
	Subscribe(handler func(InboundEvent))
}

// OutboundMessage is the content handed to a platform for delivery.
// ThreadID is the platform's reply or thread anchor: a Slack thread_ts,
// a Telegram or Discord message to reply to, or a Zulip topic.
type OutboundMessage struct {
	ConversationID string
	Text           string
	ThreadID       string
}

// DeliveryResult is what the platform returned for a send. Long messages
// may be split and produce several platform message ids.
type DeliveryResult struct {
	MessageIDs []string
	SentAt     time.Time
}

// HistoryPage is one page of platform history, ordered oldest first.
type HistoryPage struct {
	Messages   []InboundMessage
	NextCursor string
	HasMore    bool
}

// InboundKind classifies platform events.
type InboundKind string

const (
	InboundMessageKind         InboundKind = "message"
	InboundEditedKind          InboundKind = "edited"
	InboundDeletedKind         InboundKind = "deleted"
	InboundReactionAddedKind   InboundKind = "reaction_added"
	InboundReactionRemovedKind InboundKind = "reaction_removed"
	InboundPinnedKind          InboundKind = "pinned"
	InboundUnpinnedKind        InboundKind = "unpinned"
)

// InboundEvent is a raw-but-typed event produced by a platform client.
// For reaction and pin events Message identifies the target message by
// ID and ConversationID, SenderID is the acting user and Emoji names the
// reaction.
type InboundEvent struct {
	Kind    InboundKind
	Message InboundMessage
	Emoji   string
}

// InboundMessage is a platform message before it is normalized and stored.
type InboundMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	ThreadID       string
	Text           string
	Timestamp      time.Time
	Attachments    []InboundAttachment
}

// InboundAttachment carries either the attachment bytes or a way to open
// them. Open is preferred for large files so they can be streamed to disk.
type InboundAttachment struct {
	ID          string // platform attachment id, used for dedupe
	Filename    string
	ContentType string
	Size        int64 // -1 when unknown
	Data        []byte
	Open        func(ctx context.Context) (io.ReadCloser, error)
}
