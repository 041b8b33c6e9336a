// Package broker delivers an ordered, duplicate-free stream of channel
// messages to each subscriber and resumes it from a cursor after drops.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Almonaabdo/landLorkLinkAI/internal/channel"
	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/logging"
	"github.com/Almonaabdo/landLorkLinkAI/internal/messagelog"
	"github.com/Almonaabdo/landLorkLinkAI/internal/metrics"
)

// EventKind tells message events from connection state changes.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventState   EventKind = "state"
)

// ConnState is the live-stream state shown to the user.
type ConnState string

const (
	StateLive         ConnState = "live"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// Event is one item on a subscription's event channel.
type Event struct {
	Kind    EventKind
	Message domain.Message
	State   ConnState
	Err     error
}

// Config tunes delivery and reconnects.
type Config struct {
	Buffer         int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxFailures is the number of consecutive failed reconnects before
	// the subscription gives up with StateFailed.
	MaxFailures int
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	return c
}

// Broker owns every active subscription in the process.
type Broker struct {
	log     *messagelog.Log
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[string]*Subscription
}

func New(log *messagelog.Log, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Broker {
	return &Broker{
		log:     log,
		cfg:     cfg.withDefaults(),
		logger:  logging.OrNop(logger),
		metrics: m,
		subs:    make(map[string]*Subscription),
	}
}

// Attach starts delivery for subscriberID. Without a resume cursor it
// replays the whole log first; with one it replays strictly after it.
// Attaching an id that is already attached replaces that subscription.
func (b *Broker) Attach(ctx context.Context, h *channel.Handle, subscriberID string, resume *domain.Cursor) (*Subscription, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("attach: empty subscriber id")
	}
	if h.State() == channel.StateDiscarded {
		return nil, domain.ErrChannelDiscarded
	}
	b.Detach(subscriberID)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		id:     subscriberID,
		handle: h,
		events: make(chan Event, b.cfg.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if resume != nil {
		sub.cursor = *resume
	}

	if err := h.Track(subscriberID, func() { b.detach(sub) }); err != nil {
		cancel()
		return nil, err
	}

	b.mu.Lock()
	b.subs[subscriberID] = sub
	b.mu.Unlock()
	b.metrics.SubscriptionAdded()

	b.logger.Debug("subscriber_attached",
		zap.String("ticket", string(h.Ticket())),
		zap.String("subscriber", subscriberID),
		zap.Stringer("cursor", sub.Cursor()),
	)

	go b.run(runCtx, sub)
	return sub, nil
}

// Detach stops delivery to subscriberID. Events still buffered are
// discarded, so Events yields nothing after it returns. Unknown ids are
// ignored.
func (b *Broker) Detach(subscriberID string) {
	b.mu.Lock()
	sub := b.subs[subscriberID]
	b.mu.Unlock()
	if sub != nil {
		b.detach(sub)
	}
}

func (b *Broker) detach(sub *Subscription) {
	sub.cancel()
	<-sub.done
	// events is closed before done, so this ends once the buffer is empty.
	for range sub.events {
	}
	b.release(sub)
}

// release drops the bookkeeping for sub exactly once.
func (b *Broker) release(sub *Subscription) {
	sub.releaseOnce.Do(func() {
		b.mu.Lock()
		if b.subs[sub.id] == sub {
			delete(b.subs, sub.id)
		}
		b.mu.Unlock()
		sub.handle.Untrack(sub.id)
		b.metrics.SubscriptionRemoved()
		b.logger.Debug("subscriber_detached",
			zap.String("ticket", string(sub.handle.Ticket())),
			zap.String("subscriber", sub.id),
		)
	})
}

// Get returns the active subscription for id.
func (b *Broker) Get(subscriberID string) (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[subscriberID]
	return sub, ok
}

// Len returns the number of active subscriptions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.detach(s)
	}
}

func (b *Broker) run(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	defer close(sub.events)

	log := b.logger.With(
		zap.String("ticket", string(sub.handle.Ticket())),
		zap.String("subscriber", sub.id),
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.InitialBackoff
	bo.MaxInterval = b.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	failures := 0
	for {
		established, err := b.stream(ctx, sub, failures > 0)
		if ctx.Err() != nil {
			return
		}
		if established {
			failures = 0
			bo.Reset()
		}
		failures++
		if !errors.Is(err, domain.ErrSubscriptionLost) {
			err = fmt.Errorf("%w: %w", domain.ErrSubscriptionLost, err)
		}

		if failures > b.cfg.MaxFailures {
			log.Error("subscription_failed", zap.Int("attempt", failures), zap.Error(err))
			sub.emit(ctx, Event{Kind: EventState, State: StateFailed, Err: err})
			b.release(sub)
			return
		}

		log.Warn("subscription_lost", zap.Int("attempt", failures), zap.Error(err))
		b.metrics.Reconnected()
		if !sub.emit(ctx, Event{Kind: EventState, State: StateReconnecting, Err: err}) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// stream replays the log after the subscriber cursor, then follows the
// live query until it fails or ctx is cancelled. It reports whether the
// live query was established.
func (b *Broker) stream(ctx context.Context, sub *Subscription, recovering bool) (bool, error) {
	key := sub.handle.Key()

	backlog, err := b.log.ReadAfter(ctx, key, sub.Cursor())
	if err != nil {
		return false, err
	}
	for _, m := range backlog {
		if !b.deliver(ctx, sub, m) {
			return false, nil
		}
	}

	live, err := b.log.Subscribe(ctx, key, sub.Cursor())
	if err != nil {
		return false, err
	}
	defer live.Close()

	if recovering && !sub.emit(ctx, Event{Kind: EventState, State: StateLive}) {
		return true, nil
	}

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case m, ok := <-live.Messages():
			if !ok {
				if err := live.Err(); err != nil {
					return true, err
				}
				return true, domain.ErrSubscriptionLost
			}
			if !b.deliver(ctx, sub, m) {
				return true, nil
			}
		}
	}
}

// deliver pushes m unless it is at or below the subscriber cursor.
func (b *Broker) deliver(ctx context.Context, sub *Subscription, m domain.Message) bool {
	if !sub.Cursor().Less(m.Cursor()) {
		b.metrics.DuplicateDropped()
		return true
	}
	if !sub.emit(ctx, Event{Kind: EventMessage, Message: m}) {
		return false
	}
	sub.advance(m.Cursor())
	sub.handle.Remember(m)
	b.metrics.Delivered()
	return true
}
