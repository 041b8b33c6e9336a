package service

import (
	"context"
	"fmt"

	"github.com/Almonaabdo/landLorkLinkAI/internal/broker"
	"github.com/Almonaabdo/landLorkLinkAI/internal/channel"
	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/send"
)

// Open returns the handle for ticket, seeding the log if it is empty.
func (s *Service) Open(ctx context.Context, ticket domain.TicketID) (*channel.Handle, error) {
	return s.registry.Open(ctx, ticket)
}

// Close releases a handle obtained from Open.
func (s *Service) Close(h *channel.Handle) {
	s.registry.Close(h)
}

func (s *Service) Attach(ctx context.Context, h *channel.Handle, subscriberID string, resume *domain.Cursor) (*broker.Subscription, error) {
	return s.broker.Attach(ctx, h, subscriberID, resume)
}

func (s *Service) Detach(subscriberID string) {
	s.broker.Detach(subscriberID)
}

func (s *Service) Send(ctx context.Context, h *channel.Handle, draft send.Draft, sink send.Sink) (send.Result, error) {
	return s.pipeline.SendDraft(ctx, h, draft, sink)
}

// Retry re-sends the failed message senderID sent under localID.
func (s *Service) Retry(ctx context.Context, h *channel.Handle, senderID, localID string, sink send.Sink) (send.Result, error) {
	return s.pipeline.Retry(ctx, h, senderID, localID, sink)
}

// DiscardFailed drops a failed send of senderID. It returns ErrNotFound
// when there is none.
func (s *Service) DiscardFailed(ticket domain.TicketID, senderID, localID string) error {
	if !s.pipeline.Discard(ticket, senderID, localID) {
		return domain.ErrNotFound
	}
	return nil
}

// FailedSends lists messages of ticket awaiting a user retry.
func (s *Service) FailedSends(ticket domain.TicketID) []domain.Message {
	return s.pipeline.Failed(ticket)
}

// Messages returns the log of ticket after the cursor.
func (s *Service) Messages(ctx context.Context, ticket domain.TicketID, after domain.Cursor) ([]domain.Message, error) {
	msgs, err := s.log.ReadAfter(ctx, domain.KeyFor(ticket), after)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

// Post opens ticket, sends one message and closes it again. It is the
// request/response path used by the REST surface.
func (s *Service) Post(ctx context.Context, ticket domain.TicketID, sender, text string) (send.Result, error) {
	h, err := s.registry.Open(ctx, ticket)
	if err != nil {
		return send.Result{}, err
	}
	defer s.registry.Close(h)
	return s.pipeline.Send(ctx, h, sender, text, nil)
}

// OpenChannels returns the number of live handles.
func (s *Service) OpenChannels() int {
	return s.registry.Len()
}

// Subscribers returns the number of active subscriptions.
func (s *Service) Subscribers() int {
	return s.broker.Len()
}
