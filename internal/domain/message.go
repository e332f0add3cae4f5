package domain

import "time"

// DeliveryStatus tracks an outbound message through the platform client.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// Origin records how a message entered the bridge.
type Origin string

const (
	OriginLive     Origin = "live"     // pushed by the platform as it happened
	OriginHistory  Origin = "history"  // pulled during history backfill
	OriginOutbound Origin = "outbound" // sent by a control channel consumer
)

// Message is the platform-agnostic message model shared by every adapter.
type Message struct {
	ID             string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	SenderName     string         `json:"sender_name,omitempty"`
	ThreadID       string         `json:"thread_id,omitempty"`
	Body           string         `json:"text"`
	Timestamp      time.Time      `json:"timestamp"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Status         DeliveryStatus `json:"status"`
	Origin         Origin         `json:"origin"`
}

// WithStatus returns a copy of m carrying the new delivery status.
// A message already marked sent cannot change status.
func (m Message) WithStatus(s DeliveryStatus) (Message, error) {
	if m.Status == StatusSent && s != StatusSent {
		return m, ErrImmutable
	}
	m.Status = s
	return m, nil
}

// AttachmentIDs lists the ids of the message's attachments.
func (m Message) AttachmentIDs() []string {
	if len(m.Attachments) == 0 {
		return nil
	}
	ids := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		ids = append(ids, a.ID)
	}
	return ids
}

// Attachment describes a file stored by the attachment store.
type Attachment struct {
	ID          string    `json:"attachment_id"`
	MessageID   string    `json:"message_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
}

// SendRequest is an outbound send issued through the control channel.
type SendRequest struct {
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	ThreadID       string `json:"thread_id,omitempty"`
}

// EditRequest replaces the text of a message the platform already holds.
type EditRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
}

// ReactionRequest adds or removes one emoji reaction on a message.
type ReactionRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Emoji          string `json:"emoji"`
}

// SendResult reports what happened to a SendRequest. Queued is true when
// the request is waiting in the outbound queue; the final outcome is then
// published as a message_sent or message_failed event.
type SendResult struct {
	Message    Message  `json:"message"`
	MessageIDs []string `json:"message_ids,omitempty"`
	Queued     bool     `json:"queued"`
}

// HistoryResult is the outcome of a paginated history backfill.
type HistoryResult struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	NextCursor     string    `json:"next_cursor,omitempty"`
	Truncated      bool      `json:"truncated"`
}
