// Package seed makes sure a channel greets its first visitor with exactly
// one system message.
package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/logging"
	"github.com/Almonaabdo/landLorkLinkAI/internal/messagelog"
	"github.com/Almonaabdo/landLorkLinkAI/internal/metrics"
	"github.com/Almonaabdo/landLorkLinkAI/internal/repository"
)

// DefaultText is the welcome message written into an empty channel.
const DefaultText = "Hello, how can I help you with this maintenance issue?"

// lockName is the claim record used when the store has no conditional create.
const lockName = "seed"

// Outcome describes how a seed attempt ended.
type Outcome string

const (
	AlreadySeeded Outcome = "already_seeded"
	Seeded        Outcome = "seeded"
	Contended     Outcome = "contended"
	Failed        Outcome = "failed"
)

// Result is returned by Seed and Ensure.
type Result struct {
	Outcome Outcome
	// Message is the seed written by this call, if any.
	Message *domain.Message
}

// Config tunes the seed retries.
type Config struct {
	Text           string
	MaxAttempts    int
	InitialBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Text == "" {
		c.Text = DefaultText
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	return c
}

// Policy seeds empty channels. Each Policy has its own claim owner id,
// so a process can re-enter a claim it took on an earlier failed open.
type Policy struct {
	log     *messagelog.Log
	cfg     Config
	owner   string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(log *messagelog.Log, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Policy {
	return &Policy{
		log:     log,
		cfg:     cfg.withDefaults(),
		owner:   uuid.NewString(),
		logger:  logging.OrNop(logger),
		metrics: m,
	}
}

// Inspect reads the full log.
func (p *Policy) Inspect(ctx context.Context, key domain.ChannelKey) ([]domain.Message, error) {
	return p.log.ReadAll(ctx, key)
}

// Ensure seeds the channel only if a fresh read finds it empty.
func (p *Policy) Ensure(ctx context.Context, key domain.ChannelKey) (Result, error) {
	msgs, err := p.Inspect(ctx, key)
	if err != nil {
		return Result{Outcome: Failed}, err
	}
	if len(msgs) > 0 {
		return Result{Outcome: AlreadySeeded}, nil
	}
	return p.Seed(ctx, key)
}

// Seed performs the conditional append, retrying transport failures with
// bounded exponential backoff. Losing a race is not an error.
func (p *Policy) Seed(ctx context.Context, key domain.ChannelKey) (Result, error) {
	var result Result
	attempt := 0

	op := func() error {
		attempt++
		res, err := p.attempt(ctx, key)
		if err == nil {
			result = res
			return nil
		}
		if errors.Is(err, domain.ErrSeedContention) {
			result = Result{Outcome: Contended}
			return nil
		}
		if !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		p.logger.Warn("seed_attempt_failed",
			zap.String("ticket", string(key.Ticket)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.InitialBackoff
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, b); err != nil {
		p.release(key)
		p.metrics.Seed(string(Failed))
		p.logger.Error("seed_failed",
			zap.String("ticket", string(key.Ticket)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return Result{Outcome: Failed}, fmt.Errorf("seed %s: %w", key, err)
	}

	p.metrics.Seed(string(result.Outcome))
	p.logger.Info("seed_done",
		zap.String("ticket", string(key.Ticket)),
		zap.String("outcome", string(result.Outcome)),
	)
	return result, nil
}

func (p *Policy) seedMessage() domain.Message {
	return domain.Message{Text: p.cfg.Text, Sender: domain.SystemSender}
}

func (p *Policy) attempt(ctx context.Context, key domain.ChannelKey) (Result, error) {
	store := p.log.Store()
	if cc, ok := store.(repository.ConditionalCreator); ok {
		msg, created, err := cc.CreateIfEmpty(ctx, key, p.seedMessage())
		if err != nil {
			return Result{}, err
		}
		if !created {
			return Result{}, domain.ErrSeedContention
		}
		return Result{Outcome: Seeded, Message: &msg}, nil
	}
	return p.attemptWithClaim(ctx, key, store)
}

// attemptWithClaim emulates a conditional create: exactly one owner wins
// the seed lock and appends. The winner re-reads first, since an earlier
// attempt whose reply was lost may already have written the seed.
func (p *Policy) attemptWithClaim(ctx context.Context, key domain.ChannelKey, store repository.DocumentStore) (Result, error) {
	won, err := store.Claim(ctx, key, lockName, p.owner)
	if err != nil {
		return Result{}, err
	}
	if !won {
		return Result{}, domain.ErrSeedContention
	}

	msgs, err := p.log.ReadAll(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if len(msgs) > 0 {
		return Result{Outcome: AlreadySeeded}, nil
	}

	msg, err := p.log.Append(ctx, key, p.seedMessage())
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Seeded, Message: &msg}, nil
}

// release frees the seed lock after giving up so another process can
// take over. The next claim re-reads the log before writing.
func (p *Policy) release(key domain.ChannelKey) {
	if _, ok := p.log.Store().(repository.ConditionalCreator); ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.log.Store().Release(ctx, key, lockName, p.owner); err != nil {
		p.logger.Warn("seed_release_failed", zap.String("ticket", string(key.Ticket)), zap.Error(err))
	}
}
