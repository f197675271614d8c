package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"
)

type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender delivers messages through an SMTP relay with PLAIN auth when a username is set
type SMTPSender struct {
	addr string
	host string
	auth smtp.Auth
}

func NewSMTPSender(addr, username, password string) *SMTPSender {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	s := &SMTPSender{addr: addr, host: host}
	if username != "" {
		s.auth = smtp.PlainAuth("", username, password, host)
	}

	return s
}

// Send runs the whole SMTP exchange under ctx: the connection deadline follows ctx's deadline
// and cancelling ctx closes the connection.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", s.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err = conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		if err == nil {
			return
		}
		ctxErr := ctx.Err()
		if deadline, ok := ctx.Deadline(); ctxErr == nil && ok && !time.Now().Before(deadline) {
			ctxErr = context.DeadlineExceeded
		}
		if ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
	}()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err = c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if s.auth != nil {
		if err = c.Auth(s.auth); err != nil {
			return err
		}
	}
	if err = c.Mail(msg.From); err != nil {
		return err
	}
	for _, to := range msg.To {
		if err = c.Rcpt(to); err != nil {
			return err
		}
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write(formatMessage(msg)); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}

	return c.Quit()
}

// LogSender only logs messages. It is used when no SMTP host is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	slog.InfoContext(ctx, "Email is sent", "from", msg.From, "to", msg.To, "subject", msg.Subject)
	return nil
}

func formatMessage(msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + msg.From + "\r\n")
	b.WriteString("To: " + strings.Join(msg.To, ", ") + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	return []byte(b.String())
}

// IsPermanent reports whether the SMTP server rejected the message with a 5xx reply
func IsPermanent(err error) bool {
	var protoErr *textproto.Error
	return errors.As(err, &protoErr) && protoErr.Code >= 500 && protoErr.Code < 600
}

func recipientError(to string) error {
	return fmt.Errorf("invalid recipient %q", to)
}
