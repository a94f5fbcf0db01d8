package shop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// ErrNotificationsUnavailable is returned when the SMTP breaker is open.
var ErrNotificationsUnavailable = errors.New("shop: notification service unavailable")

// Sender sends a composed message. gomail.Dialer satisfies it; tests
// inject a fake.
type Sender interface {
	DialAndSend(...*gomail.Message) error
}

// NotifierConfig configures the SMTP notification service.
type NotifierConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is the sender address on outgoing mail.
	From string

	// MaxRetries bounds per-message send attempts. Defaults to 3.
	MaxRetries int
	// BreakerTimeout is how long the breaker stays open after tripping.
	// Defaults to 30s.
	BreakerTimeout time.Duration
}

func (c *NotifierConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Validate checks the config for completeness.
func (c *NotifierConfig) Validate() error {
	if c.From == "" {
		return errors.New("from address is required")
	}
	if c.Host == "" {
		return errors.New("smtp host is required")
	}
	if c.Port == 0 {
		return errors.New("smtp port is required")
	}
	return nil
}

// Notifier sends transactional email with bounded retries behind a circuit
// breaker, so a dead SMTP server cannot stall request handling paths.
type Notifier struct {
	cfg     NotifierConfig
	sender  Sender
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithSender replaces the default gomail dialer.
func WithSender(sender Sender) NotifierOption {
	return func(n *Notifier) {
		n.sender = sender
	}
}

// WithNotifierLogger sets the logger.
func WithNotifierLogger(logger *zap.Logger) NotifierOption {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// NewNotifier builds the notification service.
func NewNotifier(cfg NotifierConfig, opts ...NotifierOption) (*Notifier, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notifier config: %w", err)
	}

	n := &Notifier{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.sender == nil {
		n.sender = gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}

	n.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "shop-smtp",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn("smtp breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return n, nil
}

// Send delivers the message with retry and breaker protection.
func (n *Notifier) Send(ctx context.Context, msg *gomail.Message) error {
	if len(msg.GetHeader("From")) == 0 {
		msg.SetHeader("From", n.cfg.From)
	}

	op := func() (struct{}, error) {
		_, err := n.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, n.sender.DialAndSend(msg)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Retrying against an open breaker is pointless.
			return struct{}{}, backoff.Permanent(ErrNotificationsUnavailable)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(n.cfg.MaxRetries)),
	)
	if err != nil {
		n.logger.Error("failed to send notification",
			zap.Strings("to", msg.GetHeader("To")),
			zap.Error(err),
		)
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// OrderLine is one position in an order confirmation.
type OrderLine struct {
	Product  Product
	Quantity int64
}

// SendOrderConfirmation mails an order summary to the customer.
func (n *Notifier) SendOrderConfirmation(ctx context.Context, to, orderID string, lines []OrderLine) error {
	var body bytes.Buffer
	var total int64
	currency := "USD"

	fmt.Fprintf(&body, "Thank you for your order %s.\r\n\r\n", orderID)
	for _, line := range lines {
		sum := line.Product.PriceMinor * line.Quantity
		total += sum
		currency = line.Product.Currency
		fmt.Fprintf(&body, "  %dx %s - %s\r\n", line.Quantity, line.Product.Name, formatMinor(sum, line.Product.Currency))
	}
	fmt.Fprintf(&body, "\r\nTotal: %s\r\n", formatMinor(total, currency))

	msg := gomail.NewMessage()
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "Order confirmation "+orderID)
	msg.SetBody("text/plain", body.String())
	return n.Send(ctx, msg)
}

// SendRegistrationNotice mails a welcome notice to a new account.
func (n *Notifier) SendRegistrationNotice(ctx context.Context, to, identifier string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "Welcome to amlume")
	msg.SetBody("text/plain", fmt.Sprintf(
		"Your account %s has been created.\r\n\r\nYou can add a passkey from your account settings for faster sign-in.\r\n",
		identifier,
	))
	return n.Send(ctx, msg)
}

func formatMinor(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, currency)
}
