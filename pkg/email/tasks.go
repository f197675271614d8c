package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sf7293/task-dispatcher/internal/domain"
)

const (
	BookingConfirmationTask = "send_booking_confirmation_email"
	PaymentConfirmationTask = "send_payment_confirmation_email"

	DefaultFromAddress = "noreply@alxtravelapp.com"
)

// Text is a payload field that accepts both JSON strings and numbers
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected a string or a number: %w", err)
	}
	*t = Text(n.String())
	return nil
}

type BookingConfirmation struct {
	ToEmail   string `json:"to_email" validate:"required,email"`
	BookingID Text   `json:"booking_id" validate:"required"`
}

type PaymentConfirmation struct {
	ToEmail   string `json:"to_email" validate:"required,email"`
	Reference string `json:"reference" validate:"required"`
	Amount    Text   `json:"amount" validate:"required"`
	Status    string `json:"status" validate:"required"`
}

// Tasks holds the confirmation email handlers. Sent emails are appended to the log file when one is set.
type Tasks struct {
	sender   Sender
	from     string
	logPath  string
	now      func() time.Time
	validate *validator.Validate

	logMu sync.Mutex
}

func NewTasks(sender Sender, from, logPath string) *Tasks {
	if from == "" {
		from = DefaultFromAddress
	}

	return &Tasks{
		sender:   sender,
		from:     from,
		logPath:  logPath,
		now:      time.Now,
		validate: validator.New(),
	}
}

func (t *Tasks) SendBookingConfirmation(ctx context.Context, payload []byte) domain.TaskOutcome {
	var req BookingConfirmation
	if err := t.decode(payload, &req); err != nil {
		return domain.Fatal(err)
	}

	msg := Message{
		From:    t.from,
		To:      []string{req.ToEmail},
		Subject: fmt.Sprintf("Booking Confirmation #%s", req.BookingID),
		Body:    fmt.Sprintf("Your booking with ID %s has been confirmed!", req.BookingID),
	}
	if outcome, failed := t.send(ctx, msg); failed {
		return outcome
	}

	t.appendLog(fmt.Sprintf("Email sent to %s for booking %s", req.ToEmail, req.BookingID))
	return domain.Succeeded(fmt.Sprintf("Email sent to %s", req.ToEmail))
}

func (t *Tasks) SendPaymentConfirmation(ctx context.Context, payload []byte) domain.TaskOutcome {
	var req PaymentConfirmation
	if err := t.decode(payload, &req); err != nil {
		return domain.Fatal(err)
	}

	msg := Message{
		From:    t.from,
		To:      []string{req.ToEmail},
		Subject: fmt.Sprintf("Payment %s - %s", req.Status, req.Reference),
		Body:    fmt.Sprintf("Your payment of %s for booking reference %s is %s.", req.Amount, req.Reference, strings.ToLower(req.Status)),
	}
	if outcome, failed := t.send(ctx, msg); failed {
		return outcome
	}

	t.appendLog(fmt.Sprintf("Payment email sent to %s for reference %s", req.ToEmail, req.Reference))
	return domain.Succeeded(fmt.Sprintf("Payment email sent to %s", req.ToEmail))
}

func (t *Tasks) decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := t.validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	return nil
}

func (t *Tasks) send(ctx context.Context, msg Message) (domain.TaskOutcome, bool) {
	for _, to := range msg.To {
		if strings.ContainsAny(to, "\r\n") {
			return domain.Fatal(recipientError(to)), true
		}
	}

	err := t.sender.Send(ctx, msg)
	if err == nil {
		return domain.TaskOutcome{}, false
	}

	if IsPermanent(err) {
		slog.Error("SMTP server rejected the email permanently", "to", msg.To, "subject", msg.Subject, "error", err)
		return domain.Fatal(err), true
	}

	slog.Warn("Error occurred while sending email", "to", msg.To, "subject", msg.Subject, "error", err)
	return domain.Retryable(err), true
}

// appendLog records a sent email. Failures are logged only, the email is already out.
func (t *Tasks) appendLog(line string) {
	if t.logPath == "" {
		return
	}

	t.logMu.Lock()
	defer t.logMu.Unlock()

	f, err := os.OpenFile(t.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("Error occurred while opening email log file", "path", t.logPath, "error", err)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("Error occurred while closing email log file", "path", t.logPath, "error", err)
		}
	}()

	if _, err = fmt.Fprintf(f, "%s - %s\n", t.now().Format("2006-01-02 15:04:05.000000"), line); err != nil {
		slog.Error("Error occurred while writing email log file", "path", t.logPath, "error", err)
	}
}
