// Package mailpoll polls a mailbox on a cron schedule and relays inbound
// emails as conversation turns. Each subject line maps to its own
// conversation key, so one mailbox hosts many independent threads.
package mailpoll

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/courier/pkg/invoker"
	"github.com/harun/courier/pkg/relay"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Email is one inbound email.
type Email struct {
	ID      string
	From    string
	Subject string
	Body    string
}

// Fetcher retrieves unread emails, marks them handled once handed off,
// and delivers replies. MarkHandled is the idempotency boundary: an
// email marked handled is never fetched again, so it must be called only
// after the turn has been submitted.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Email, error)
	MarkHandled(ctx context.Context, id string) error
	Reply(ctx context.Context, email Email, text string) error
}

// Engine is the subset of the relay engine the poller needs.
type Engine interface {
	Handle(ctx context.Context, msg *relay.Message) (*invoker.Result, error)
}

// Config configures a Poller.
type Config struct {
	// Schedule is a standard five-field cron expression.
	Schedule string

	Fetcher Fetcher
	Engine  Engine
}

// Poller drives the fetch/relay/reply loop.
type Poller struct {
	schedule string
	fetcher  Fetcher
	engine   Engine
	cron     *cron.Cron
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// New creates a Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "* * * * *"
	}

	return &Poller{
		schedule: cfg.Schedule,
		fetcher:  cfg.Fetcher,
		engine:   cfg.Engine,
		logger:   log.With().Str("component", "mailpoll").Logger(),
	}, nil
}

// Start begins polling on the configured schedule.
func (p *Poller) Start() error {
	p.cron = cron.New()
	_, err := p.cron.AddFunc(p.schedule, func() {
		if err := p.PollNow(context.Background()); err != nil {
			p.logger.Error().Err(err).Msg("Mail poll failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", p.schedule, err)
	}

	p.cron.Start()
	p.logger.Info().Str("schedule", p.schedule).Msg("Mail poller started")
	return nil
}

// Stop halts the schedule and waits for in-flight turns to finish.
func (p *Poller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	p.wg.Wait()
	p.logger.Info().Msg("Mail poller stopped")
}

// PollNow performs one fetch cycle immediately. Each email is marked
// handled at handoff, then relayed in its own goroutine so a slow turn
// on one thread does not stall the others.
func (p *Poller) PollNow(ctx context.Context) error {
	emails, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch mail: %w", err)
	}

	for _, email := range emails {
		email := email
		key := ConversationKey(email.Subject)
		logger := p.logger.With().Str("key", key).Str("email_id", email.ID).Logger()

		if err := p.fetcher.MarkHandled(ctx, email.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark email handled, skipping to avoid double delivery")
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()

			text := email.Body
			if email.From != "" {
				text = fmt.Sprintf("Email from %s:\n%s", email.From, email.Body)
			}

			result, err := p.engine.Handle(ctx, &relay.Message{Key: key, Text: text})
			if err != nil {
				logger.Error().Err(err).Msg("Turn failed")
				return
			}

			if err := p.fetcher.Reply(ctx, email, result.Text); err != nil {
				logger.Error().Err(err).Msg("Failed to send reply")
				return
			}

			logger.Info().Bool("is_error", result.IsError).Msg("Email relayed")
		}()
	}

	return nil
}

// ConversationKey derives a stable key from an email subject. Reply
// prefixes are stripped so "Re: Deploy" continues the "Deploy" thread.
func ConversationKey(subject string) string {
	s := strings.TrimSpace(strings.ToLower(subject))
	for {
		trimmed := s
		for _, prefix := range []string{"re:", "fwd:", "fw:"} {
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		}
		if trimmed == s {
			break
		}
		s = trimmed
	}

	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > 60 {
		slug = strings.Trim(slug[:60], "-")
	}
	if slug == "" {
		slug = "no-subject"
	}
	return "mail:" + slug
}
