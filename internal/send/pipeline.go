// Package send shows a message optimistically, persists it, and reconciles
// the optimistic entry with the durable one.
package send

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Almonaabdo/landLorkLinkAI/internal/channel"
	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/logging"
	"github.com/Almonaabdo/landLorkLinkAI/internal/messagelog"
	"github.com/Almonaabdo/landLorkLinkAI/internal/metrics"
)

// Status is the delivery status of a sent message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// EventKind names a pipeline event.
type EventKind string

const (
	EventPending    EventKind = "pending"
	EventReconciled EventKind = "reconciled"
	EventFailed     EventKind = "failed"
)

// Event is emitted to the UI layer. Message always carries LocalID; after
// reconciliation it also carries the durable id and timestamp.
type Event struct {
	Kind    EventKind
	LocalID string
	Message domain.Message
	Err     error
}

// Sink receives pipeline events in order.
type Sink func(Event)

// Result is the final state of a Send or Retry.
type Result struct {
	LocalID string
	Status  Status
	Message domain.Message
	Err     error
}

// Draft is a locally composed message. An empty LocalID is generated.
type Draft struct {
	LocalID string
	Sender  string
	Text    string
}

// Authorizer decides whether a sender may post text to a ticket.
type Authorizer interface {
	Authorize(ctx context.Context, ticket domain.TicketID, sender, text string) error
}

// Config bounds the append attempts of a single send and how long a
// failed send is kept for a retry.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	FailedTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.FailedTTL <= 0 {
		c.FailedTTL = 10 * time.Minute
	}
	return c
}

// failedKey scopes a local id to the ticket and sender that chose it.
type failedKey struct {
	ticket  domain.TicketID
	sender  string
	localID string
}

func keyOf(msg domain.Message) failedKey {
	return failedKey{ticket: msg.ChannelID, sender: msg.Sender, localID: msg.LocalID}
}

type failedSend struct {
	msg domain.Message
	at  time.Time
}

// Pipeline sends messages and keeps failed ones for an explicit retry.
type Pipeline struct {
	log     *messagelog.Log
	cfg     Config
	authz   Authorizer
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	failed map[failedKey]failedSend
}

// New creates a pipeline. authz may be nil.
func New(log *messagelog.Log, cfg Config, authz Authorizer, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		log:     log,
		cfg:     cfg.withDefaults(),
		authz:   authz,
		logger:  logging.OrNop(logger),
		metrics: m,
		failed:  make(map[failedKey]failedSend),
	}
}

// Send posts text as senderID. See SendDraft.
func (p *Pipeline) Send(ctx context.Context, h *channel.Handle, senderID, text string, sink Sink) (Result, error) {
	return p.SendDraft(ctx, h, Draft{Sender: senderID, Text: text}, sink)
}

// SendDraft validates the draft, emits Pending, appends it and emits
// Reconciled or Failed. The returned error is set only for synchronous
// rejections, which emit nothing; store failures are reported through
// the Failed event and Result.
func (p *Pipeline) SendDraft(ctx context.Context, h *channel.Handle, d Draft, sink Sink) (Result, error) {
	if d.LocalID == "" {
		d.LocalID = uuid.NewString()
	}
	msg := domain.Message{
		ChannelID: h.Ticket(),
		Text:      d.Text,
		Sender:    d.Sender,
		LocalID:   d.LocalID,
	}
	if err := p.check(ctx, h, msg); err != nil {
		return Result{}, err
	}
	return p.deliver(ctx, h, msg, sink), nil
}

// Retry re-sends a failed message under its original local id. Only the
// sender of the failed message can retry it.
func (p *Pipeline) Retry(ctx context.Context, h *channel.Handle, senderID, localID string, sink Sink) (Result, error) {
	p.mu.Lock()
	p.pruneLocked(time.Now())
	f, ok := p.failed[failedKey{ticket: h.Ticket(), sender: senderID, localID: localID}]
	p.mu.Unlock()
	if !ok {
		return Result{}, domain.ErrNotFound
	}
	msg := f.msg
	if err := p.check(ctx, h, msg); err != nil {
		return Result{}, err
	}
	return p.deliver(ctx, h, msg, sink), nil
}

// Failed lists the failed messages of ticket awaiting a retry, oldest
// failure first.
func (p *Pipeline) Failed(ticket domain.TicketID) []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(time.Now())

	var sends []failedSend
	for k, f := range p.failed {
		if k.ticket == ticket {
			sends = append(sends, f)
		}
	}
	sort.Slice(sends, func(i, j int) bool { return sends[i].at.Before(sends[j].at) })

	out := make([]domain.Message, 0, len(sends))
	for _, f := range sends {
		out = append(out, f.msg)
	}
	return out
}

// Discard drops a failed message its sender gave up on. It reports
// whether there was one.
func (p *Pipeline) Discard(ticket domain.TicketID, senderID, localID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := failedKey{ticket: ticket, sender: senderID, localID: localID}
	_, ok := p.failed[k]
	delete(p.failed, k)
	return ok
}

// pruneLocked drops failed sends older than the configured TTL.
func (p *Pipeline) pruneLocked(now time.Time) {
	for k, f := range p.failed {
		if now.Sub(f.at) > p.cfg.FailedTTL {
			delete(p.failed, k)
		}
	}
}

func (p *Pipeline) check(ctx context.Context, h *channel.Handle, msg domain.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if h.State() == channel.StateDiscarded {
		return domain.ErrChannelDiscarded
	}
	if p.authz != nil {
		if err := p.authz.Authorize(ctx, h.Ticket(), msg.Sender, msg.Text); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) deliver(ctx context.Context, h *channel.Handle, msg domain.Message, sink Sink) Result {
	emit := func(ev Event) {
		if sink != nil {
			sink(ev)
		}
	}
	log := p.logger.With(
		zap.String("ticket", string(h.Ticket())),
		zap.String("local_id", msg.LocalID),
	)

	emit(Event{Kind: EventPending, LocalID: msg.LocalID, Message: msg})

	var saved domain.Message
	attempt := 0
	op := func() error {
		attempt++
		m, err := p.log.Append(ctx, h.Key(), msg)
		if err != nil {
			if !domain.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			log.Warn("append_attempt_failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		saved = m
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.InitialBackoff
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, b); err != nil {
		log.Warn("append_failed", zap.Int("attempt", attempt), zap.Error(err))
		now := time.Now()
		p.mu.Lock()
		p.pruneLocked(now)
		p.failed[keyOf(msg)] = failedSend{msg: msg, at: now}
		p.mu.Unlock()
		p.metrics.AppendFailed()

		emit(Event{Kind: EventFailed, LocalID: msg.LocalID, Message: msg, Err: err})
		return Result{LocalID: msg.LocalID, Status: StatusFailed, Message: msg, Err: err}
	}

	p.mu.Lock()
	delete(p.failed, keyOf(msg))
	p.mu.Unlock()
	h.Remember(saved)
	p.metrics.Appended()
	log.Debug("message_reconciled", zap.String("message_id", saved.ID))

	emit(Event{Kind: EventReconciled, LocalID: msg.LocalID, Message: saved})
	return Result{LocalID: msg.LocalID, Status: StatusDelivered, Message: saved}
}
