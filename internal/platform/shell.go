package platform

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"chatbridge/internal/domain"
)

const (
	shellConversation = "shell"
	shellTranscript   = 1000
)

// Shell drives a command on a pseudo-terminal. Every output line is an
// inbound message in the single "shell" conversation and sends are typed
// as input lines.
type Shell struct {
	inbound
	command string
	logger  *slog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	tty        *os.File
	exited     chan struct{}
	exitErr    error
	seq        int64
	transcript []domain.InboundMessage
}

func NewShell(cfg Config) *Shell {
	command := cfg.Command
	if command == "" {
		command = "/bin/sh"
	}
	return &Shell{command: command, logger: cfg.Logger}
}

func (s *Shell) Name() string { return TypeShell }

func (s *Shell) Connect(ctx context.Context) error {
	fields := strings.Fields(s.command)
	if len(fields) == 0 {
		return domain.Permanent(errors.New("shell: empty command"))
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Env = append(os.Environ(), "TERM=dumb")

	tty, err := pty.Start(cmd)
	if err != nil {
		return domain.Permanent(fmt.Errorf("start %s: %w", s.command, err))
	}
	pty.Setsize(tty, &pty.Winsize{Rows: 50, Cols: 200})

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd, s.tty, s.exited, s.exitErr = cmd, tty, exited, nil
	s.mu.Unlock()

	go s.readOutput(tty)
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(exited)
	}()

	s.logger.Info("shell started", "command", s.command, "pid", cmd.Process.Pid)
	return nil
}

func (s *Shell) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	cmd, tty, exited := s.cmd, s.tty, s.exited
	s.cmd, s.tty = nil, nil
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	tty.Close()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		cmd.Process.Kill()
		select {
		case <-exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info("shell stopped", "command", s.command)
	return nil
}

func (s *Shell) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return domain.ErrNotConnected
	}
	select {
	case <-s.exited:
		err := s.exitErr
		if err == nil {
			err = errors.New("process exited")
		}
		return fmt.Errorf("%w: %w", domain.ErrNotConnected, err)
	default:
		return nil
	}
}

// Send writes out.Text to the terminal as one input line. Threads do not
// exist on a terminal, so ThreadID is ignored.
func (s *Shell) Send(ctx context.Context, out domain.OutboundMessage) (domain.DeliveryResult, error) {
	if out.ConversationID != shellConversation {
		return domain.DeliveryResult{}, fmt.Errorf("%w: shell conversation is %q", domain.ErrInvalidRequest, shellConversation)
	}
	s.mu.Lock()
	tty := s.tty
	s.seq++
	id := "in-" + strconv.FormatInt(s.seq, 10)
	s.mu.Unlock()
	if tty == nil {
		return domain.DeliveryResult{}, domain.ErrNotConnected
	}

	if _, err := tty.WriteString(strings.TrimRight(out.Text, "\n") + "\n"); err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("%w: %w", domain.ErrNotConnected, err)
	}
	return domain.DeliveryResult{MessageIDs: []string{id}, SentAt: time.Now()}, nil
}

func (s *Shell) Edit(ctx context.Context, conversationID, messageID, content string) error {
	return fmt.Errorf("shell edit: %w", domain.ErrUnsupported)
}

func (s *Shell) Delete(ctx context.Context, conversationID, messageID string) error {
	return fmt.Errorf("shell delete: %w", domain.ErrUnsupported)
}

func (s *Shell) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return fmt.Errorf("shell reactions: %w", domain.ErrUnsupported)
}

func (s *Shell) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return fmt.Errorf("shell reactions: %w", domain.ErrUnsupported)
}

// FetchHistory pages backwards through the retained output transcript.
// The cursor is the transcript index the previous page started at.
func (s *Shell) FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (domain.HistoryPage, error) {
	if conversationID != shellConversation {
		return domain.HistoryPage{}, nil
	}
	s.mu.Lock()
	lines := slices.Clone(s.transcript)
	s.mu.Unlock()
	return pageBackwards(lines, limit, cursor)
}

func (s *Shell) readOutput(tty *os.File) {
	scanner := bufio.NewScanner(tty)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		s.mu.Lock()
		s.seq++
		msg := domain.InboundMessage{
			ID:             "out-" + strconv.FormatInt(s.seq, 10),
			ConversationID: shellConversation,
			SenderID:       s.command,
			SenderName:     s.command,
			Text:           line,
			Timestamp:      time.Now(),
		}
		s.transcript = append(s.transcript, msg)
		if len(s.transcript) > shellTranscript {
			s.transcript = s.transcript[len(s.transcript)-shellTranscript:]
		}
		s.mu.Unlock()
		s.emit(domain.InboundMessageKind, msg)
	}
}

// pageBackwards returns up to limit entries ending before cursor (an index
// into all; empty means the end).
func pageBackwards(all []domain.InboundMessage, limit int, cursor string) (domain.HistoryPage, error) {
	end := len(all)
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return domain.HistoryPage{}, fmt.Errorf("%w: bad cursor %q", domain.ErrInvalidRequest, cursor)
		}
		end = min(n, len(all))
	}
	if limit <= 0 {
		limit = end
	}
	start := max(end-limit, 0)

	page := domain.HistoryPage{Messages: all[start:end]}
	if start > 0 {
		page.NextCursor = strconv.Itoa(start)
		page.HasMore = true
	}
	return page, nil
}
