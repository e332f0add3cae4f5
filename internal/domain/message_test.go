package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMessage_SentIsImmutable(t *testing.T) {
	m := Message{ID: "m1", Status: StatusPending}

	sent, err := m.WithStatus(StatusSent)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusPending {
		t.Fatal("WithStatus must not modify the receiver")
	}

	if _, err := sent.WithStatus(StatusFailed); !errors.Is(err, ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
	if _, err := sent.WithStatus(StatusSent); err != nil {
		t.Fatalf("re-marking sent should be allowed, got %v", err)
	}
}

func TestMessage_AttachmentIDs(t *testing.T) {
	if ids := (Message{}).AttachmentIDs(); ids != nil {
		t.Fatalf("expected nil, got %v", ids)
	}
	m := Message{Attachments: []Attachment{{ID: "a"}, {ID: "b"}}}
	if ids := m.AttachmentIDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestFloodWaitError_Unwraps(t *testing.T) {
	cause := errors.New("429")
	err := fmt.Errorf("send: %w", &FloodWaitError{Wait: 3 * time.Second, Err: cause})

	var fw *FloodWaitError
	if !errors.As(err, &fw) || fw.Wait != 3*time.Second {
		t.Fatalf("expected flood wait of 3s, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("flood wait should unwrap to its cause")
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
	err := fmt.Errorf("connect: %w", Permanent(ErrNotConnected))
	if !IsPermanent(err) {
		t.Fatal("wrapped permanent error not detected")
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Fatal("permanent error should unwrap")
	}
	if IsPermanent(ErrNotConnected) {
		t.Fatal("plain error reported as permanent")
	}
}
