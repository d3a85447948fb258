// Package mail sends dunning notifications over SMTP.
package mail

import (
	"bytes"
	"io"

	"gopkg.in/gomail.v2"
)

// Attachment is a file included with a message.
type Attachment struct {
	Filename string
	Content  []byte
}

// Message is one outbound email.
type Message struct {
	To          []string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Sender delivers messages through an SMTP relay.
type Sender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSender constructs a Sender.
func NewSender(host string, port int, user, password, from string) *Sender {
	return &Sender{
		dialer: gomail.NewDialer(host, port, user, password),
		from:   from,
	}
}

// Send delivers the message. It reports success as a boolean so callers can
// record FAILED audit rows without unwinding the batch.
func (s *Sender) Send(msg Message) (bool, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)
	for _, att := range msg.Attachments {
		content := att.Content
		m.Attach(att.Filename, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := io.Copy(w, bytes.NewReader(content))
			return err
		}))
	}
	if err := s.dialer.DialAndSend(m); err != nil {
		return false, err
	}
	return true, nil
}
