package notification

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestMockEmailSender_RecordsCalls(t *testing.T) {
	m := &MockEmailSender{}
	msg := Email{To: "a@example.com", Subject: "Hi", HTML: "<p>x</p>", ReplyTo: "desk@clinic.test"}
	if err := m.SendEmail(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := m.Calls()
	if len(calls) != 1 || calls[0] != msg {
		t.Errorf("calls = %+v", calls)
	}

	calls[0].To = "changed"
	if m.Calls()[0].To != "a@example.com" {
		t.Error("Calls must return a copy")
	}
}

func TestMockEmailSender_Failure(t *testing.T) {
	m := &MockEmailSender{ShouldFail: true, FailError: "smtp: 550 mailbox unavailable"}
	err := m.SendEmail(context.Background(), Email{To: "a@example.com"})
	if err == nil || err.Error() != "smtp: 550 mailbox unavailable" {
		t.Errorf("err = %v", err)
	}
	if len(m.Calls()) != 1 {
		t.Error("failed calls are still recorded")
	}
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(zerolog.New(&buf))
	if err := s.SendEmail(context.Background(), Email{To: "a@example.com", Subject: "Reminder"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"to":"a@example.com"`) || !strings.Contains(out, `"subject":"Reminder"`) {
		t.Errorf("log output = %s", out)
	}
}

func TestSMTPSender_CanceledContext(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1, From: "clinic@example.com"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendEmail(ctx, Email{To: "a@example.com"}); err == nil {
		t.Error("expected context error")
	}
}

func TestSMTPSender_DialFailure(t *testing.T) {
	// Port 1 on loopback refuses connections.
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1, From: "clinic@example.com"})
	err := s.SendEmail(context.Background(), Email{To: "a@example.com", Subject: "x", HTML: "<p>x</p>"})
	if err == nil || !strings.Contains(err.Error(), "a@example.com") {
		t.Errorf("err = %v", err)
	}
}
