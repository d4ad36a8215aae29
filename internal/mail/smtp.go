package mail

import (
	"context"
	"errors"
	"io"

	"gopkg.in/gomail.v2"

	"github.com/EDRN/biokey/internal/config"
)

// SMTPTransport sends messages through an SMTP relay
type SMTPTransport struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPTransport creates a transport for the relay in cfg
func NewSMTPTransport(cfg config.MailConfig) *SMTPTransport {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.SSL = cfg.SSL
	return &SMTPTransport{dialer: dialer, from: cfg.From}
}

// Send delivers msg. The relay dial is not cancellable, so ctx is only
// checked before dialing.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := t.build(msg)
	if err != nil {
		return err
	}
	return t.dialer.DialAndSend(m)
}

func (t *SMTPTransport) build(msg Message) (*gomail.Message, error) {
	if len(msg.To) == 0 {
		return nil, errors.New("no recipients specified")
	}

	from := msg.From
	if from == "" {
		from = t.from
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if a := msg.Attachment; a != nil {
		data := a.Data
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {a.ContentType},
			}))
		}
		m.Attach(a.Name, settings...)
	}
	return m, nil
}
