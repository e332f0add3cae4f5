package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chatbridge/internal/bus"
	"chatbridge/internal/domain"
)

// Command types accepted from consumers.
const (
	CmdSendMessage    = "send_message"
	CmdFetchHistory   = "fetch_history"
	CmdCancelRequest  = "cancel_request"
	CmdEditMessage    = "edit_message"
	CmdDeleteMessage  = "delete_message"
	CmdAddReaction    = "add_reaction"
	CmdRemoveReaction = "remove_reaction"
)

// Response types sent back to the consumer that issued a command.
const (
	TypeRequestQueued  = "request_queued"
	TypeRequestSuccess = "request_success"
	TypeRequestFailed  = "request_failed"
)

// Envelope is the JSON frame exchanged over the control channel.
// Timestamp is unix milliseconds.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	RequestID      string          `json:"request_id,omitempty"`
}

// outEnvelope always carries conversation_id, empty for adapter-wide
// frames such as connection_state.
type outEnvelope struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Payload        any    `json:"payload,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	RequestID      string `json:"request_id,omitempty"`
}

type sendPayload struct {
	Text     string `json:"text"`
	ThreadID string `json:"thread_id,omitempty"`
}

type historyPayload struct {
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor,omitempty"`
}

type editPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type deletePayload struct {
	MessageID string `json:"message_id"`
}

type reactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type actionResult struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji,omitempty"`
}

type cancelPayload struct {
	RequestID string `json:"request_id"`
}

// FailedPayload is the payload of request_failed.
type FailedPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type cancelledPayload struct {
	Cancelled string `json:"cancelled"`
}

type reply struct {
	typ            string
	conversationID string
	requestID      string
	payload        any
}

// pendingRequest tracks a send issued by this consumer until its final
// outcome is known. An outcome published before Send returned is held in
// early and replayed once the request_queued reply went out.
type pendingRequest struct {
	conversationID string
	queued         bool
	early          *reply
}

func failure(err error) FailedPayload {
	return FailedPayload{Error: err.Error(), Code: errorCode(err)}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrRateLimitTimeout):
		return "rate_limit_timeout"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, domain.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, domain.ErrUnsupported):
		return "unsupported"
	default:
		return "internal"
	}
}

func (s *Server) dispatch(c *client, env Envelope) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	if env.Type != CmdCancelRequest {
		c.track(env.RequestID, cancel)
		defer c.untrack(env.RequestID)
	}

	s.logger.Debug("control command", "type", env.Type, "request_id", env.RequestID, "client_id", c.id)

	var replies []reply
	switch env.Type {
	case CmdSendMessage:
		replies = s.handleSend(ctx, c, env)
	case CmdFetchHistory:
		replies = s.handleHistory(ctx, env)
	case CmdCancelRequest:
		replies = s.handleCancel(c, env)
	case CmdEditMessage:
		replies = s.handleEdit(ctx, env)
	case CmdDeleteMessage:
		replies = s.handleDelete(ctx, env)
	case CmdAddReaction, CmdRemoveReaction:
		replies = s.handleReaction(ctx, env, env.Type == CmdAddReaction)
	default:
		err := fmt.Errorf("%w: unknown command %q", domain.ErrInvalidRequest, env.Type)
		replies = []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}

	for _, r := range replies {
		c.trySend(s.encodeReply(r))
	}
}

func (s *Server) handleSend(ctx context.Context, c *client, env Envelope) []reply {
	var p sendPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}

	c.expect(env.RequestID, env.ConversationID)
	res, err := s.session.Send(ctx, domain.SendRequest{
		RequestID:      env.RequestID,
		ConversationID: env.ConversationID,
		Text:           p.Text,
		ThreadID:       p.ThreadID,
	})
	if err != nil {
		c.forget(env.RequestID)
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}
	if !res.Queued {
		c.forget(env.RequestID)
		return []reply{{TypeRequestSuccess, env.ConversationID, env.RequestID, res}}
	}

	out := []reply{{TypeRequestQueued, env.ConversationID, env.RequestID, res}}
	if early := c.markQueued(env.RequestID); early != nil {
		out = append(out, *early)
	}
	return out
}

func (s *Server) handleHistory(ctx context.Context, env Envelope) []reply {
	var p historyPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}
	if env.ConversationID == "" {
		err := fmt.Errorf("%w: conversation_id is required", domain.ErrInvalidRequest)
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}

	res, err := s.session.FetchHistory(ctx, env.ConversationID, p.Limit, p.Cursor)
	if err != nil {
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}
	return []reply{{TypeRequestSuccess, env.ConversationID, env.RequestID, res}}
}

func (s *Server) handleEdit(ctx context.Context, env Envelope) []reply {
	var p editPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}
	msg, err := s.session.Edit(ctx, domain.EditRequest{ConversationID: env.ConversationID, MessageID: p.MessageID, Text: p.Text})
	if err != nil {
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}
	return []reply{{TypeRequestSuccess, env.ConversationID, env.RequestID, msg}}
}

func (s *Server) handleDelete(ctx context.Context, env Envelope) []reply {
	var p deletePayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}
	if err := s.session.Delete(ctx, env.ConversationID, p.MessageID); err != nil {
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}
	return []reply{{TypeRequestSuccess, env.ConversationID, env.RequestID, actionResult{MessageID: p.MessageID}}}
}

func (s *Server) handleReaction(ctx context.Context, env Envelope, add bool) []reply {
	var p reactionPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}
	req := domain.ReactionRequest{ConversationID: env.ConversationID, MessageID: p.MessageID, Emoji: p.Emoji}
	if err := s.session.React(ctx, req, add); err != nil {
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}
	return []reply{{TypeRequestSuccess, env.ConversationID, env.RequestID, actionResult{MessageID: p.MessageID, Emoji: p.Emoji}}}
}

func (s *Server) handleCancel(c *client, env Envelope) []reply {
	var p cancelPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}
	if p.RequestID == "" {
		err := fmt.Errorf("%w: request_id is required", domain.ErrInvalidRequest)
		return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
	}

	// queued sends are withdrawn by the session; anything still running
	// for this consumer has its context cancelled
	if s.session.Cancel(p.RequestID) || c.cancelInflight(p.RequestID) {
		return []reply{{TypeRequestSuccess, env.ConversationID, env.RequestID, cancelledPayload{Cancelled: p.RequestID}}}
	}
	err := fmt.Errorf("%w: no pending request %s", domain.ErrInvalidRequest, p.RequestID)
	return []reply{{TypeRequestFailed, env.ConversationID, env.RequestID, failure(err)}}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: payload: %w", domain.ErrInvalidRequest, err)
	}
	return nil
}

func (c *client) track(requestID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.inflight[requestID] = cancel
	c.mu.Unlock()
}

func (c *client) untrack(requestID string) {
	c.mu.Lock()
	delete(c.inflight, requestID)
	c.mu.Unlock()
}

func (c *client) cancelInflight(requestID string) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[requestID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *client) expect(requestID, conversationID string) {
	c.mu.Lock()
	c.pending[requestID] = &pendingRequest{conversationID: conversationID}
	c.mu.Unlock()
}

func (c *client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *client) markQueued(requestID string) *reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	if p.early != nil {
		delete(c.pending, requestID)
		return p.early
	}
	p.queued = true
	return nil
}

// resolve maps a message_sent or message_failed event to the final reply
// for a queued send this consumer issued. It returns nil when the event is
// not for one of its requests or Send has not returned yet.
func (c *client) resolve(e bus.Event) *reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[e.RequestID]
	if !ok {
		return nil
	}

	r := &reply{typ: TypeRequestSuccess, conversationID: p.conversationID, requestID: e.RequestID, payload: e.Payload}
	if e.Type == bus.EventMessageFailed {
		r.typ = TypeRequestFailed
	}
	if !p.queued {
		p.early = r
		return nil
	}
	delete(c.pending, e.RequestID)
	return r
}
