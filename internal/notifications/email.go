package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/kjannette/trahn-pipeline/internal/logging"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailSender delivers notifications over SMTP. Without a host it only logs.
type EmailSender struct {
	cfg    EmailConfig
	logger *slog.Logger
	send   func(ctx context.Context, m *mail.Msg) error
}

func NewEmailSender(cfg EmailConfig, logger *slog.Logger) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	e := &EmailSender{
		cfg:    cfg,
		logger: logging.OrDefault(logger).With("component", "email"),
	}
	e.send = e.dialAndSend
	return e
}

func (e *EmailSender) Enabled() bool {
	return e.cfg.Host != ""
}

func (e *EmailSender) Recipients() []string {
	return append([]string(nil), e.cfg.To...)
}

func (e *EmailSender) Notify(ctx context.Context, msg Message) error {
	if !e.Enabled() {
		e.logger.Info("email disabled, not sending", "subject", msg.Subject, "to", e.cfg.To)
		return nil
	}

	m, err := e.buildMsg(msg)
	if err != nil {
		return err
	}
	if err := e.send(ctx, m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	e.logger.Info("email sent", "subject", msg.Subject, "to", e.cfg.To)
	return nil
}

func (e *EmailSender) buildMsg(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(e.cfg.From); err != nil {
		return nil, fmt.Errorf("from %q: %w", e.cfg.From, err)
	}
	if err := m.To(e.cfg.To...); err != nil {
		return nil, fmt.Errorf("to %v: %w", e.cfg.To, err)
	}
	m.Subject(msg.Subject)

	switch {
	case msg.HTML != "":
		m.SetBodyString(mail.TypeTextHTML, msg.HTML)
		if msg.Text != "" {
			m.AddAlternativeString(mail.TypeTextPlain, msg.Text)
		}
	default:
		m.SetBodyString(mail.TypeTextPlain, msg.Text)
	}
	return m, nil
}

func (e *EmailSender) dialAndSend(ctx context.Context, m *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(e.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(30 * time.Second),
	}
	if e.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.Username),
			mail.WithPassword(e.cfg.Password),
		)
	}

	c, err := mail.NewClient(e.cfg.Host, opts...)
	if err != nil {
		return err
	}
	return c.DialAndSendWithContext(ctx, m)
}
