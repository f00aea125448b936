// Package notify composes work-from-home notifications for admins.
// The attendance machine triggers at most once per user per day; this
// package turns that trigger into a message and hands it to a Sender.
package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
)

// Message is a composed notification ready for delivery.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// Sender delivers a composed message. Implementations decide the
// channel (chat webhook, email, stdout in development).
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Composer builds home-work notifications and sends them to a fixed
// recipient. It satisfies the attendance machine's Notifier interface.
type Composer struct {
	recipient string
	sender    Sender
	logger    *log.Logger
}

// NewComposer creates a Composer delivering through sender to recipient.
func NewComposer(recipient string, sender Sender, logger *log.Logger) *Composer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Composer{
		recipient: recipient,
		sender:    sender,
		logger:    logger,
	}
}

// NotifyHomeWork composes and sends the work-from-home message for a
// clock-in. Errors propagate to the caller so the trigger flag can be
// released and the send retried on the next clock-in attempt.
func (c *Composer) NotifyHomeWork(ctx context.Context, username string, day schema.Date, at time.Time) error {
	msg := Message{
		Recipient: c.recipient,
		Subject:   fmt.Sprintf("%s is working from home today", username),
		Body: fmt.Sprintf("%s clocked in from home on %s at %s.",
			username, day.String(), at.Format("15:04")),
	}
	if err := c.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify home work for %s: %w", username, err)
	}
	c.logger.Printf("Sent home-work notification for %s (%s)", username, day)
	return nil
}
