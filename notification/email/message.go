package email

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strings"
	"text/template"
	"time"
)

// ErrNoRecipient is returned when a message has nowhere to go.
var ErrNoRecipient = errors.New("no email recipient")

// message is a plain text email.
type message struct {
	From    string
	To      []string
	Subject string
	Body    string
	Date    time.Time
}

// bytes renders m with CRLF line endings.
func (m *message) bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.Date.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(m.Body, "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes()
}

// msgTemplate is a parsed subject and body template pair.
type msgTemplate struct {
	subject *template.Template
	body    *template.Template
}

func parseTemplate(name, subject, body string) (*msgTemplate, error) {
	s, err := template.New(name + ".subject").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("parsing subject template: %w", err)
	}
	b, err := template.New(name + ".body").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing body template: %w", err)
	}
	return &msgTemplate{subject: s, body: b}, nil
}

func (t *msgTemplate) render(data interface{}) (subject, body string, err error) {
	var buf bytes.Buffer
	if err = t.subject.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("rendering subject: %w", err)
	}
	subject = strings.TrimSpace(buf.String())
	buf.Reset()
	if err = t.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("rendering body: %w", err)
	}
	return subject, buf.String(), nil
}
