package platform

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestSplitMessage_Short(t *testing.T) {
	chunks := splitMessage("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("unexpected chunks %q", chunks)
	}
}

func TestSplitMessage_PrefersNewline(t *testing.T) {
	msg := strings.Repeat("a", 70) + "\n" + strings.Repeat("b", 70)
	chunks := splitMessage(msg, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != strings.Repeat("a", 70)+"\n" || chunks[1] != strings.Repeat("b", 70) {
		t.Fatalf("unexpected split %q", chunks)
	}
}

func TestSplitMessage_NewlineTooEarlyIsIgnored(t *testing.T) {
	msg := "ab\n" + strings.Repeat("c", 200)
	chunks := splitMessage(msg, 100)
	if len(chunks[0]) != 100 {
		t.Fatalf("newline in the first half must not be used, got chunk of %d", len(chunks[0]))
	}
	if strings.Join(chunks, "") != msg {
		t.Fatal("chunks do not reassemble the message")
	}
}

func TestSplitMessage_KeepsRunesWhole(t *testing.T) {
	msg := strings.Repeat("é", 150) // 2 bytes each
	chunks := splitMessage(msg, 101)
	for _, c := range chunks {
		if len(c) > 101 || !utf8.ValidString(c) {
			t.Fatalf("bad chunk len=%d valid=%v", len(c), utf8.ValidString(c))
		}
	}
	if strings.Join(chunks, "") != msg {
		t.Fatal("chunks do not reassemble the message")
	}
}

func TestNew_UnknownType(t *testing.T) {
	if _, err := New(Config{Type: "irc", Logger: testLogger()}); err == nil {
		t.Fatal("expected error for unknown platform")
	}
	for _, typ := range []string{TypeTelegram, TypeSlack, TypeZulip, TypeDiscord, TypeShell, TypeTextFile} {
		c, err := New(Config{Type: typ, Logger: testLogger()})
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if c.Name() != typ {
			t.Errorf("expected name %s, got %s", typ, c.Name())
		}
	}
}

func TestParseWebhookURL(t *testing.T) {
	target, err := parseWebhookURL("https://discord.com/api/webhooks/123456/tok-en_x")
	if err != nil {
		t.Fatal(err)
	}
	if target.id != "123456" || target.token != "tok-en_x" {
		t.Fatalf("unexpected target %+v", target)
	}

	if _, err := parseWebhookURL("https://discord.com/api/channels/1"); err == nil {
		t.Fatal("expected error for non-webhook url")
	}
	if _, err := New(Config{Type: TypeDiscordWebhook, Logger: testLogger()}); err == nil {
		t.Fatal("discord_webhook without webhooks must fail")
	}
}

func TestDiscordWebhook_HistoryUnsupported(t *testing.T) {
	c, err := New(Config{
		Type:     TypeDiscordWebhook,
		Webhooks: map[string]string{"alerts": "https://discord.com/api/webhooks/1/abc"},
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchHistory(t.Context(), "alerts", 10, ""); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := c.Send(t.Context(), domain.OutboundMessage{ConversationID: "alerts", Text: "hi"}); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("send before connect should fail with ErrNotConnected, got %v", err)
	}
	if err := c.AddReaction(t.Context(), "alerts", "1", "👍"); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("webhook reactions should be unsupported, got %v", err)
	}
}

func TestLocalPlatforms_NoEditOrReactions(t *testing.T) {
	for _, typ := range []string{TypeShell, TypeTextFile} {
		c, err := New(Config{Type: typ, BaseDir: t.TempDir(), Logger: testLogger()})
		if err != nil {
			t.Fatal(err)
		}
		ctx := t.Context()
		errs := []error{
			c.Edit(ctx, "general", "general:0", "x"),
			c.Delete(ctx, "general", "general:0"),
			c.AddReaction(ctx, "general", "general:0", "+1"),
			c.RemoveReaction(ctx, "general", "general:0", "+1"),
		}
		for i, err := range errs {
			if !errors.Is(err, domain.ErrUnsupported) {
				t.Errorf("%s op %d: expected ErrUnsupported, got %v", typ, i, err)
			}
		}
	}
}

func TestTelegramError(t *testing.T) {
	flood := telegramError(&tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7}})
	var fw *domain.FloodWaitError
	if !errors.As(flood, &fw) || fw.Wait != 7*time.Second {
		t.Fatalf("expected 7s flood wait, got %v", flood)
	}

	if !domain.IsPermanent(telegramError(&tgbotapi.Error{Code: 401, Message: "Unauthorized"})) {
		t.Fatal("401 should be permanent")
	}

	other := errors.New("connection reset")
	if telegramError(other) != other {
		t.Fatal("non-API errors pass through")
	}
}

func TestPageBackwards(t *testing.T) {
	var all []domain.InboundMessage
	for i := 0; i < 5; i++ {
		all = append(all, domain.InboundMessage{ID: string(rune('a' + i))})
	}

	page, err := pageBackwards(all, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 2 || page.Messages[0].ID != "d" || page.NextCursor != "3" || !page.HasMore {
		t.Fatalf("unexpected first page %+v", page)
	}

	page, _ = pageBackwards(all, 2, page.NextCursor)
	if page.Messages[0].ID != "b" || page.NextCursor != "1" {
		t.Fatalf("unexpected second page %+v", page)
	}

	page, _ = pageBackwards(all, 2, page.NextCursor)
	if len(page.Messages) != 1 || page.Messages[0].ID != "a" || page.HasMore {
		t.Fatalf("unexpected last page %+v", page)
	}

	if _, err := pageBackwards(all, 2, "x"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for bad cursor, got %v", err)
	}
}

func TestSlackTime(t *testing.T) {
	ts := slackTime("1700000000.000100")
	if ts.Unix() != 1700000000 || ts.Nanosecond() != 100000 {
		t.Fatalf("unexpected time %v", ts)
	}
	if !slackTime("garbage").IsZero() {
		t.Fatal("unparseable timestamps are zero")
	}
}
