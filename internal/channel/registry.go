package channel

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/logging"
	"github.com/Almonaabdo/landLorkLinkAI/internal/metrics"
	"github.com/Almonaabdo/landLorkLinkAI/internal/seed"
)

// Seeder is the part of the seed policy the registry drives.
type Seeder interface {
	Inspect(ctx context.Context, key domain.ChannelKey) ([]domain.Message, error)
	Seed(ctx context.Context, key domain.ChannelKey) (seed.Result, error)
}

// Registry maps ticket ids to live handles.
type Registry struct {
	seeder  Seeder
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	handles map[domain.TicketID]*Handle
}

func NewRegistry(seeder Seeder, logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		seeder:  seeder,
		logger:  logging.OrNop(logger),
		metrics: m,
		handles: make(map[domain.TicketID]*Handle),
	}
}

// Open returns the live handle for ticket, creating it on first use.
// Every successful Open must be paired with a Close.
//
// A failed seed does not fail the open. The handle is left READY but
// unseeded, and the next Open of it re-enters SEEDING to try again. This
// READY to SEEDING step is the only way back from READY.
func (r *Registry) Open(ctx context.Context, ticket domain.TicketID) (*Handle, error) {
	key := domain.KeyFor(ticket)
	if err := key.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	h, ok := r.handles[ticket]
	if !ok {
		h = newHandle(key)
		r.handles[ticket] = h
		r.metrics.ChannelOpened()
	}
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	r.mu.Unlock()

	r.ensureSeeded(ctx, h)
	return h, nil
}

func (r *Registry) ensureSeeded(ctx context.Context, h *Handle) {
	h.seedMu.Lock()
	defer h.seedMu.Unlock()

	if h.Seeded() {
		return
	}
	log := r.logger.With(zap.String("ticket", string(h.Ticket())))

	msgs, err := r.seeder.Inspect(ctx, h.key)
	if err != nil {
		log.Warn("channel_inspect_failed", zap.Error(err))
		h.setState(StateReady)
		return
	}
	if len(msgs) > 0 {
		h.Remember(msgs...)
		h.markSeeded()
		h.setState(StateReady)
		return
	}

	h.setState(StateSeeding)
	res, err := r.seeder.Seed(ctx, h.key)
	if err != nil {
		log.Warn("channel_opened_unseeded", zap.Error(err))
		h.setState(StateReady)
		return
	}
	if res.Message != nil {
		h.Remember(*res.Message)
	}
	h.markSeeded()
	h.setState(StateReady)
}

// Close drops one reference. The last Close discards the handle and
// cancels its subscriptions before returning. Closing a discarded handle
// is a no-op.
func (r *Registry) Close(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	h.mu.Lock()
	if h.state == StateDiscarded || h.refs <= 0 {
		h.mu.Unlock()
		r.mu.Unlock()
		return
	}
	h.refs--
	last := h.refs == 0
	h.mu.Unlock()

	if !last {
		r.mu.Unlock()
		return
	}
	if r.handles[h.key.Ticket] == h {
		delete(r.handles, h.key.Ticket)
	}
	cancels := h.discard()
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	r.metrics.ChannelDiscarded()
	r.logger.Debug("channel_discarded", zap.String("ticket", string(h.Ticket())))
}

// Lookup returns the live handle for ticket without taking a reference.
func (r *Registry) Lookup(ticket domain.TicketID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[ticket]
	return h, ok
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Shutdown discards every handle regardless of outstanding references.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[domain.TicketID]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		for _, cancel := range h.discard() {
			cancel()
		}
		r.metrics.ChannelDiscarded()
	}
}
