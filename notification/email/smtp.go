package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
)

// Sender sends a rendered RFC 5322 message.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPError wraps errors from the SMTP server or connection.
type SMTPError struct {
	Err error
}

func (e *SMTPError) Error() string {
	return fmt.Sprintf("smtp: %v", e.Err)
}

func (e *SMTPError) Unwrap() error {
	return e.Err
}

// ErrorClass classifies the error for notification safe errors.
func (e *SMTPError) ErrorClass() string {
	return "SMTPException"
}

// SMTPSender sends mail through an SMTP server.
type SMTPSender struct {
	addr string
	auth smtp.Auth
}

// NewSMTPSender creates a new sender for the server at host and port.
// PLAIN authentication is used if username is not empty.
func NewSMTPSender(host string, port int, username, password string) *SMTPSender {
	s := &SMTPSender{addr: net.JoinHostPort(host, strconv.Itoa(port))}
	if username != "" {
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

// Send sends msg. The context is only checked before connecting.
func (s *SMTPSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := smtp.SendMail(s.addr, s.auth, from, to, msg); err != nil {
		return &SMTPError{Err: err}
	}
	return nil
}
