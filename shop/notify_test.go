package shop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/gomail.v2"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []*gomail.Message
	failures int
	err      error
}

func (f *fakeSender) DialAndSend(msgs ...*gomail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.sent = append(f.sent, msgs...)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestNotifier(t *testing.T, sender Sender) *Notifier {
	t.Helper()

	n, err := NewNotifier(NotifierConfig{
		Host: "localhost",
		Port: 25,
		From: "shop@example.com",
	}, WithSender(sender))
	if err != nil {
		t.Fatalf("NewNotifier failed: %v", err)
	}
	return n
}

func TestSendOrderConfirmation(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(t, sender)

	lines := []OrderLine{
		{Product: Product{Name: "Go in Practice", PriceMinor: 3999, Currency: "USD"}, Quantity: 2},
		{Product: Product{Name: "Gopher Mug", PriceMinor: 1250, Currency: "USD"}, Quantity: 1},
	}
	if err := n.SendOrderConfirmation(context.Background(), "alice@example.com", "o1", lines); err != nil {
		t.Fatalf("SendOrderConfirmation failed: %v", err)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", sender.sentCount())
	}

	msg := sender.sent[0]
	if got := msg.GetHeader("To"); len(got) != 1 || got[0] != "alice@example.com" {
		t.Errorf("To = %v", got)
	}
	if got := msg.GetHeader("From"); len(got) != 1 || got[0] != "shop@example.com" {
		t.Errorf("From = %v, want configured sender", got)
	}
	if got := msg.GetHeader("Subject"); len(got) != 1 || !strings.Contains(got[0], "o1") {
		t.Errorf("Subject = %v", got)
	}

	var body strings.Builder
	if _, err := msg.WriteTo(&body); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if !strings.Contains(body.String(), "Total: 92.48 USD") {
		t.Errorf("body missing total:\n%s", body.String())
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	sender := &fakeSender{failures: 2, err: errors.New("connection refused")}
	n := newTestNotifier(t, sender)

	if err := n.SendRegistrationNotice(context.Background(), "alice@example.com", "alice"); err != nil {
		t.Fatalf("SendRegistrationNotice failed after retries: %v", err)
	}
	if sender.sentCount() != 1 {
		t.Errorf("sent = %d, want 1", sender.sentCount())
	}
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	sender := &fakeSender{failures: 10, err: errors.New("connection refused")}
	n := newTestNotifier(t, sender)

	if err := n.SendRegistrationNotice(context.Background(), "alice@example.com", "alice"); err == nil {
		t.Fatal("expected send failure")
	}
	if sender.sentCount() != 0 {
		t.Errorf("sent = %d, want 0", sender.sentCount())
	}
}

func TestOpenBreakerShortCircuits(t *testing.T) {
	sender := &fakeSender{failures: 100, err: errors.New("connection refused")}
	n, err := NewNotifier(NotifierConfig{
		Host:           "localhost",
		Port:           25,
		From:           "shop@example.com",
		MaxRetries:     2,
		BreakerTimeout: time.Hour,
	}, WithSender(sender))
	if err != nil {
		t.Fatalf("NewNotifier failed: %v", err)
	}
	ctx := context.Background()

	// Burn through enough consecutive failures to trip the breaker.
	for i := 0; i < 3; i++ {
		_ = n.SendRegistrationNotice(ctx, "alice@example.com", "alice")
	}

	err = n.SendRegistrationNotice(ctx, "alice@example.com", "alice")
	if !errors.Is(err, ErrNotificationsUnavailable) {
		t.Fatalf("err = %v, want ErrNotificationsUnavailable", err)
	}
}

func TestNotifierConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  NotifierConfig
	}{
		{"missing from", NotifierConfig{Host: "localhost", Port: 25}},
		{"missing host", NotifierConfig{From: "shop@example.com", Port: 25}},
		{"missing port", NotifierConfig{From: "shop@example.com", Host: "localhost"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewNotifier(tc.cfg); err == nil {
				t.Error("expected config rejection")
			}
		})
	}
}

func TestFormatMinor(t *testing.T) {
	cases := []struct {
		amount int64
		want   string
	}{
		{0, "0.00 USD"},
		{5, "0.05 USD"},
		{1250, "12.50 USD"},
		{-1250, "-12.50 USD"},
	}

	for _, tc := range cases {
		if got := formatMinor(tc.amount, "USD"); got != tc.want {
			t.Errorf("formatMinor(%d) = %q, want %q", tc.amount, got, tc.want)
		}
	}
}
