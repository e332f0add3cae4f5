package platform

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/domain"
)

const textFileExt = ".txt"

// TextFile treats every <conversation>.txt under a directory as a
// conversation. Each line is one message:
//
//	<RFC3339 timestamp>\t<sender>\t<text with \n escaped>
//
// Lines in any other shape are read as text from an unknown sender.
// Appended lines are picked up by polling.
type TextFile struct {
	inbound
	dir       string
	adapterID string
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	files   map[string]*fileCursor
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type fileCursor struct {
	offset int64
	lines  int
}

func NewTextFile(cfg Config) *TextFile {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sender := cfg.AdapterID
	if sender == "" {
		sender = "chatbridge"
	}
	return &TextFile{
		dir:       cfg.BaseDir,
		adapterID: sender,
		interval:  interval,
		logger:    cfg.Logger,
		files:     make(map[string]*fileCursor),
	}
}

func (f *TextFile) Name() string { return TypeTextFile }

func (f *TextFile) Connect(ctx context.Context) error {
	if f.dir == "" {
		return domain.Permanent(errors.New("text_file: base_dir is required"))
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return domain.Permanent(fmt.Errorf("text_file: %w", err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	// existing content is history, not live traffic
	if err := f.scanLocked(false); err != nil {
		return err
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	f.running = true
	go f.pollLoop(pollCtx, f.done)

	f.logger.Info("text_file watching", "dir", f.dir, "conversations", len(f.files), "interval", f.interval)
	return nil
}

func (f *TextFile) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done, f.running = nil, nil, false
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *TextFile) Ping(ctx context.Context) error {
	f.mu.Lock()
	running := f.running
	f.mu.Unlock()
	if !running {
		return domain.ErrNotConnected
	}
	if _, err := os.Stat(f.dir); err != nil {
		return fmt.Errorf("text_file: %w", err)
	}
	return nil
}

// Send appends one line. The file format has no threads, so ThreadID is
// ignored.
func (f *TextFile) Send(ctx context.Context, out domain.OutboundMessage) (domain.DeliveryResult, error) {
	conversationID := out.ConversationID
	path, err := f.path(conversationID)
	if err != nil {
		return domain.DeliveryResult{}, err
	}
	now := time.Now().UTC()
	line := formatLine(now, f.adapterID, out.Text)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return domain.DeliveryResult{}, domain.ErrNotConnected
	}

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("text_file append: %w", err)
	}
	defer fh.Close()
	if _, err := fh.WriteString(line); err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("text_file append: %w", err)
	}

	// lines written by other processes since the last poll are emitted
	// here; our own line is skipped by sender
	cur := f.files[conversationID]
	if cur == nil {
		cur = &fileCursor{}
		f.files[conversationID] = cur
	}
	if err := f.advanceLocked(conversationID, path, cur, true); err != nil {
		return domain.DeliveryResult{}, err
	}
	id := messageID(conversationID, cur.lines-1)
	return domain.DeliveryResult{MessageIDs: []string{id}, SentAt: now}, nil
}

// Edit, Delete and reactions are unsupported: the files are append-only.
func (f *TextFile) Edit(ctx context.Context, conversationID, messageID, content string) error {
	return fmt.Errorf("text_file edit: %w", domain.ErrUnsupported)
}

func (f *TextFile) Delete(ctx context.Context, conversationID, messageID string) error {
	return fmt.Errorf("text_file delete: %w", domain.ErrUnsupported)
}

func (f *TextFile) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return fmt.Errorf("text_file reactions: %w", domain.ErrUnsupported)
}

func (f *TextFile) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return fmt.Errorf("text_file reactions: %w", domain.ErrUnsupported)
}

// FetchHistory pages lines backwards; the cursor is the line index the
// previous page started at.
func (f *TextFile) FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (domain.HistoryPage, error) {
	path, err := f.path(conversationID)
	if err != nil {
		return domain.HistoryPage{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.HistoryPage{}, nil
	}
	if err != nil {
		return domain.HistoryPage{}, fmt.Errorf("text_file history: %w", err)
	}

	var all []domain.InboundMessage
	for i, line := range splitLines(data) {
		all = append(all, parseLine(conversationID, i, line))
	}
	return pageBackwards(all, limit, cursor)
}

func (f *TextFile) path(conversationID string) (string, error) {
	if conversationID == "" || strings.ContainsAny(conversationID, `/\`) || strings.HasPrefix(conversationID, ".") {
		return "", fmt.Errorf("%w: invalid text_file conversation %q", domain.ErrInvalidRequest, conversationID)
	}
	return filepath.Join(f.dir, conversationID+textFileExt), nil
}

func (f *TextFile) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.poll()
		}
	}
}

func (f *TextFile) poll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scanLocked(true); err != nil {
		f.logger.Warn("text_file poll failed", "err", err)
	}
}

// scanLocked advances every conversation file, emitting new lines when
// emit is set.
func (f *TextFile) scanLocked(emit bool) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("text_file scan: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != textFileExt {
			continue
		}
		conv := strings.TrimSuffix(e.Name(), textFileExt)
		cur := f.files[conv]
		if cur == nil {
			cur = &fileCursor{}
			f.files[conv] = cur
		}
		if err := f.advanceLocked(conv, filepath.Join(f.dir, e.Name()), cur, emit); err != nil {
			f.logger.Warn("text_file read failed", "conversation_id", conv, "err", err)
		}
	}
	return nil
}

func (f *TextFile) advanceLocked(conv, path string, cur *fileCursor, emit bool) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return err
	}
	if info.Size() < cur.offset {
		// truncated or replaced
		cur.offset, cur.lines = 0, 0
	}
	if info.Size() == cur.offset {
		return nil
	}
	if _, err := fh.Seek(cur.offset, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(fh)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// partial trailing line stays unread until it is terminated
			return nil
		}
		cur.offset += int64(len(line))
		idx := cur.lines
		cur.lines++
		if !emit {
			continue
		}
		msg := parseLine(conv, idx, strings.TrimRight(string(line), "\r\n"))
		if msg.SenderID == f.adapterID {
			continue
		}
		f.emit(domain.InboundMessageKind, msg)
	}
}

func messageID(conv string, index int) string {
	return conv + ":" + strconv.Itoa(index)
}

func formatLine(ts time.Time, sender, text string) string {
	return ts.Format(time.RFC3339Nano) + "\t" + sender + "\t" + escapeText(text) + "\n"
}

func parseLine(conv string, index int, line string) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:             messageID(conv, index),
		ConversationID: conv,
		SenderID:       "unknown",
		Text:           line,
	}
	parts := strings.SplitN(line, "\t", 3)
	if len(parts) != 3 {
		return msg
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return msg
	}
	msg.Timestamp = ts
	msg.SenderID = parts[1]
	msg.SenderName = parts[1]
	msg.Text = unescapeText(parts[2])
	return msg
}

func splitLines(data []byte) []string {
	var lines []string
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break // unterminated tail is still being written
		}
		lines = append(lines, strings.TrimRight(string(data[:i]), "\r"))
		data = data[i+1:]
	}
	return lines
}

var (
	textEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\t", `\t`)
	textUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\t`, "\t")
)

func escapeText(s string) string   { return textEscaper.Replace(s) }
func unescapeText(s string) string { return textUnescaper.Replace(s) }
