// Package transport opens per-sender SMTP sessions and sends one message to
// one recipient at a time.
package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/domain"
)

// Message is a single-recipient email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

type SMTPConfig struct {
	Host    string
	Port    int
	Timeout time.Duration
	// TLS is "mandatory", "opportunistic" or "none".
	TLS string
}

// SMTP builds one client per job from the job's own credentials.
type SMTP struct {
	cfg SMTPConfig
	log *zap.Logger
}

func NewSMTP(cfg SMTPConfig, log *zap.Logger) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTP{cfg: cfg, log: log}
}

// Open dials the server and authenticates as sender. Bad credentials come
// back as an *Error with Kind AuthFailure.
func (s *SMTP) Open(ctx context.Context, sender domain.Sender) (*Session, error) {
	policy := mail.TLSMandatory
	switch s.cfg.TLS {
	case "opportunistic":
		policy = mail.TLSOpportunistic
	case "none":
		policy = mail.NoTLS
	}
	client, err := mail.NewClient(s.cfg.Host,
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.cfg.Timeout),
		mail.WithTLSPolicy(policy),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(sender.Username),
		mail.WithPassword(sender.Password),
	)
	if err != nil {
		return nil, &Error{Kind: AuthFailure, Op: phaseDial, Err: errors.Wrap(err, "configure client")}
	}
	if err := client.DialWithContext(ctx); err != nil {
		return nil, wrap(phaseDial, err)
	}
	s.log.Debug("smtp session opened", zap.String("host", s.cfg.Host), zap.String("user", sender.Username))
	return &Session{client: client}, nil
}

type Session struct {
	client *mail.Client
}

func (s *Session) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: TransientNetworkFailure, Op: phaseSend, Err: err}
	}
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return &Error{Kind: AuthFailure, Op: phaseSend, Err: errors.Wrap(err, "from")}
	}
	if err := msg.To(m.To); err != nil {
		return &Error{Kind: RecipientRejected, Op: phaseSend, Err: errors.Wrap(err, "to")}
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextPlain, m.Body)
	if err := s.client.Send(msg); err != nil {
		return wrap(phaseSend, err)
	}
	return nil
}

func (s *Session) Close() error {
	return s.client.Close()
}
