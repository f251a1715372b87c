// Package mailer sends transactional email for billing events.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"

	"github.com/mrz1836/postmark"
)

var (
	ErrInvalidConfig = errors.New("mailer: invalid config")
	ErrSendFailed    = errors.New("mailer: send failed")
)

// Config holds email settings. Without Postmark tokens mail is logged instead
// of sent.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"billing@localhost"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@localhost"`
}

// Message is one outbound email.
type Message struct {
	To       string
	Subject  string
	Tag      string
	HTMLBody string
	TextBody string
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

func (m Message) validate() error {
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("%w: bad recipient %q", ErrSendFailed, m.To)
	}
	if m.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrSendFailed)
	}
	if m.HTMLBody == "" && m.TextBody == "" {
		return fmt.Errorf("%w: body is required", ErrSendFailed)
	}
	return nil
}

// New returns a Postmark sender when both tokens are set and a log sender
// otherwise.
func New(cfg Config) (Sender, error) {
	if cfg.PostmarkServerToken == "" && cfg.PostmarkAccountToken == "" {
		log.Printf("[mailer] postmark not configured; emails will be logged")
		return LogSender{}, nil
	}
	return NewPostmarkSender(cfg)
}

// PostmarkSender sends through Postmark's transactional API.
type PostmarkSender struct {
	client *postmark.Client
	cfg    Config
}

// NewPostmarkSender validates cfg and builds a Postmark client.
func NewPostmarkSender(cfg Config) (*PostmarkSender, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	}
	if cfg.PostmarkAccountToken == "" {
		return nil, fmt.Errorf("%w: PostmarkAccountToken is required", ErrInvalidConfig)
	}
	if _, err := mail.ParseAddress(cfg.SenderEmail); err != nil {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	if _, err := mail.ParseAddress(cfg.SupportEmail); err != nil {
		return nil, fmt.Errorf("%w: SupportEmail must be a valid email address", ErrInvalidConfig)
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		cfg:    cfg,
	}, nil
}

// Send delivers msg with replies routed to the support address.
func (s *PostmarkSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:       s.cfg.SenderEmail,
		ReplyTo:    s.cfg.SupportEmail,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTMLBody,
		TextBody:   msg.TextBody,
		TrackOpens: true,
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	log.Printf("[mailer] sent %q to %s (%s)", msg.Subject, msg.To, resp.MessageID)
	return nil
}

// LogSender writes messages to the log. Used in development.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	log.Printf("[mailer] (not sent) to=%s subject=%q tag=%s", msg.To, msg.Subject, msg.Tag)
	return nil
}
