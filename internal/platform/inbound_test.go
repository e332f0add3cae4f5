package platform

import (
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack/slackevents"

	"chatbridge/internal/domain"
)

type recorder struct {
	events []domain.InboundEvent
}

func (r *recorder) handle(ev domain.InboundEvent) { r.events = append(r.events, ev) }

func (r *recorder) only(t *testing.T) domain.InboundEvent {
	t.Helper()
	if len(r.events) != 1 {
		t.Fatalf("expected exactly one event, got %d: %+v", len(r.events), r.events)
	}
	ev := r.events[0]
	r.events = nil
	return ev
}

func TestTelegram_HandleUpdate(t *testing.T) {
	tg := NewTelegram(Config{HTTPClient: http.DefaultClient, Logger: testLogger()})
	rec := &recorder{}
	tg.Subscribe(rec.handle)

	chat := &tgbotapi.Chat{ID: -1001}
	from := &tgbotapi.User{ID: 5, FirstName: "Alice", LastName: "Smith"}

	tg.handleUpdate(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 10, Chat: chat, From: from, Date: 1700000000, Caption: "look",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", FileUniqueID: "u-small", FileSize: 100},
			{FileID: "big", FileUniqueID: "u-big", FileSize: 2048},
		},
		ReplyToMessage: &tgbotapi.Message{MessageID: 7},
	}})
	ev := rec.only(t)
	m := ev.Message
	if ev.Kind != domain.InboundMessageKind || m.ID != "10" || m.ConversationID != "-1001" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if m.Text != "look" || m.SenderID != "5" || m.SenderName != "Alice Smith" || m.ThreadID != "7" {
		t.Fatalf("unexpected message fields %+v", m)
	}
	if !m.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %v", m.Timestamp)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].ID != "u-big" || m.Attachments[0].Size != 2048 || m.Attachments[0].Open == nil {
		t.Fatalf("expected the largest photo size, got %+v", m.Attachments)
	}

	tg.handleUpdate(tgbotapi.Update{EditedMessage: &tgbotapi.Message{MessageID: 10, Chat: chat, From: from, Text: "look again"}})
	if ev := rec.only(t); ev.Kind != domain.InboundEditedKind || ev.Message.Text != "look again" {
		t.Fatalf("unexpected edit %+v", ev)
	}

	tg.handleUpdate(tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 11, Chat: chat, From: from}})
	if len(rec.events) != 0 {
		t.Fatalf("message without text or media should be skipped, got %+v", rec.events)
	}

	tg.handleUpdate(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 12, Chat: chat, From: from, PinnedMessage: &tgbotapi.Message{MessageID: 10},
	}})
	if ev := rec.only(t); ev.Kind != domain.InboundPinnedKind || ev.Message.ID != "10" || ev.Message.SenderID != "5" {
		t.Fatalf("unexpected pin %+v", ev)
	}
}

func callback(data any) slackevents.EventsAPIEvent {
	return slackevents.EventsAPIEvent{
		Type:       slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{Data: data},
	}
}

func TestSlack_HandleEventsAPI(t *testing.T) {
	s := NewSlack(Config{Logger: testLogger()})
	rec := &recorder{}
	s.Subscribe(rec.handle)

	s.handleEventsAPI(callback(&slackevents.MessageEvent{
		Channel: "C1", User: "U1", Text: "report attached",
		TimeStamp: "1700000000.000200", ThreadTimeStamp: "1700000000.000100",
		Files: []slackevents.File{{ID: "F1", Name: "report.pdf", Mimetype: "application/pdf", Size: 512}},
	}))
	ev := rec.only(t)
	m := ev.Message
	if ev.Kind != domain.InboundMessageKind || m.ID != "1700000000.000200" || m.ThreadID != "1700000000.000100" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].ID != "F1" || m.Attachments[0].Filename != "report.pdf" {
		t.Fatalf("unexpected attachments %+v", m.Attachments)
	}

	s.handleEventsAPI(callback(&slackevents.MessageEvent{
		Channel: "C1", SubType: "message_changed",
		Message: &slackevents.MessageEvent{User: "U1", Text: "fixed", TimeStamp: "1700000000.000200"},
	}))
	if ev := rec.only(t); ev.Kind != domain.InboundEditedKind || ev.Message.Text != "fixed" || ev.Message.ConversationID != "C1" {
		t.Fatalf("unexpected edit %+v", ev)
	}

	s.handleEventsAPI(callback(&slackevents.MessageEvent{
		Channel: "C1", SubType: "message_deleted",
		PreviousMessage: &slackevents.MessageEvent{TimeStamp: "1700000000.000200"},
	}))
	if ev := rec.only(t); ev.Kind != domain.InboundDeletedKind || ev.Message.ID != "1700000000.000200" {
		t.Fatalf("unexpected delete %+v", ev)
	}

	s.handleEventsAPI(callback(&slackevents.MessageEvent{Channel: "C1", SubType: "channel_join", User: "U3"}))
	s.handleEventsAPI(callback(&slackevents.MessageEvent{Channel: "C1", Text: "no user"}))
	if len(rec.events) != 0 {
		t.Fatalf("system and anonymous messages should be skipped, got %+v", rec.events)
	}

	s.handleEventsAPI(callback(&slackevents.ReactionAddedEvent{
		User: "U2", Reaction: "tada",
		Item: slackevents.Item{Type: "message", Channel: "C1", Timestamp: "1700000000.000200"},
	}))
	ev = rec.only(t)
	if ev.Kind != domain.InboundReactionAddedKind || ev.Emoji != "tada" || ev.Message.ID != "1700000000.000200" || ev.Message.SenderID != "U2" {
		t.Fatalf("unexpected reaction %+v", ev)
	}

	s.handleEventsAPI(callback(&slackevents.PinRemovedEvent{
		User: "U2", Channel: "C1",
		Item: slackevents.Item{Type: "message", Message: &slackevents.ItemMessage{Timestamp: "1700000000.000200"}},
	}))
	if ev := rec.only(t); ev.Kind != domain.InboundUnpinnedKind || ev.Message.ID != "1700000000.000200" {
		t.Fatalf("unexpected unpin %+v", ev)
	}
}

func TestDiscord_Handlers(t *testing.T) {
	d := NewDiscord(Config{HTTPClient: http.DefaultClient, Logger: testLogger()})
	rec := &recorder{}
	d.Subscribe(rec.handle)

	sess := &discordgo.Session{State: discordgo.NewState()}
	sess.State.User = &discordgo.User{ID: "bot"}
	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d.onMessageCreate(sess, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m2", ChannelID: "c1", Content: "see attached", Timestamp: sent,
		Author:           &discordgo.User{ID: "u1", Username: "alice"},
		MessageReference: &discordgo.MessageReference{MessageID: "m1"},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", Filename: "plan.png", ContentType: "image/png", Size: 64, URL: "https://cdn.example/plan.png"},
		},
	}})
	ev := rec.only(t)
	m := ev.Message
	if ev.Kind != domain.InboundMessageKind || m.ID != "m2" || m.SenderName != "alice" || m.ThreadID != "m1" || !m.Timestamp.Equal(sent) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].ID != "a1" || m.Attachments[0].Size != 64 {
		t.Fatalf("unexpected attachments %+v", m.Attachments)
	}

	d.onMessageCreate(sess, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m3", ChannelID: "c1", Content: "echo", Author: &discordgo.User{ID: "bot"},
	}})
	if len(rec.events) != 0 {
		t.Fatal("the bot's own messages should be skipped")
	}

	d.onMessageUpdate(sess, &discordgo.MessageUpdate{Message: &discordgo.Message{
		ID: "m2", ChannelID: "c1", Content: "see attached (v2)", Author: &discordgo.User{ID: "u1"},
	}})
	if ev := rec.only(t); ev.Kind != domain.InboundEditedKind || ev.Message.Text != "see attached (v2)" {
		t.Fatalf("unexpected edit %+v", ev)
	}

	d.onMessageDelete(sess, &discordgo.MessageDelete{Message: &discordgo.Message{ID: "m2", ChannelID: "c1"}})
	if ev := rec.only(t); ev.Kind != domain.InboundDeletedKind || ev.Message.ID != "m2" {
		t.Fatalf("unexpected delete %+v", ev)
	}

	d.onReactionAdd(sess, &discordgo.MessageReactionAdd{MessageReaction: &discordgo.MessageReaction{
		UserID: "u1", MessageID: "m2", ChannelID: "c1", Emoji: discordgo.Emoji{Name: "👍"},
	}})
	if ev := rec.only(t); ev.Kind != domain.InboundReactionAddedKind || ev.Emoji != "👍" || ev.Message.SenderID != "u1" {
		t.Fatalf("unexpected reaction %+v", ev)
	}

	d.onReactionRemove(sess, &discordgo.MessageReactionRemove{MessageReaction: &discordgo.MessageReaction{
		UserID: "bot", MessageID: "m2", ChannelID: "c1", Emoji: discordgo.Emoji{Name: "👍"},
	}})
	if len(rec.events) != 0 {
		t.Fatal("the bot's own reactions should be skipped")
	}
}
