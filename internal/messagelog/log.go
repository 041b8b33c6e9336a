// Package messagelog is the append-only, ordered log of one ticket's messages.
package messagelog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/logging"
	"github.com/Almonaabdo/landLorkLinkAI/internal/repository"
)

// Log reads and writes channel logs through a document store.
type Log struct {
	store  repository.DocumentStore
	logger *zap.Logger
}

func New(store repository.DocumentStore, logger *zap.Logger) *Log {
	return &Log{store: store, logger: logging.OrNop(logger)}
}

// Store exposes the underlying document store to the seed policy.
func (l *Log) Store() repository.DocumentStore {
	return l.store
}

// Append persists msg and returns the durable record. Invalid messages
// are rejected before any store call. Append does not retry.
func (l *Log) Append(ctx context.Context, key domain.ChannelKey, msg domain.Message) (domain.Message, error) {
	if err := key.Validate(); err != nil {
		return domain.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return domain.Message{}, err
	}

	saved, err := l.store.Create(ctx, key, domain.Message{Text: msg.Text, Sender: msg.Sender})
	if err != nil {
		return domain.Message{}, fmt.Errorf("append to %s: %w", key, err)
	}
	saved.LocalID = msg.LocalID

	l.logger.Debug("message_appended",
		zap.String("ticket", string(key.Ticket)),
		zap.String("message_id", saved.ID),
		zap.Int64("ts", saved.Timestamp),
	)
	return saved, nil
}

// ReadAll returns every message of the channel in log order.
func (l *Log) ReadAll(ctx context.Context, key domain.ChannelKey) ([]domain.Message, error) {
	return l.ReadAfter(ctx, key, domain.Cursor{})
}

// ReadAfter returns the messages strictly after the cursor.
func (l *Log) ReadAfter(ctx context.Context, key domain.ChannelKey, after domain.Cursor) ([]domain.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	msgs, err := l.store.Query(ctx, key, after)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// Subscribe opens a live stream of messages strictly after the cursor.
// Closing the stream releases the store resources.
func (l *Log) Subscribe(ctx context.Context, key domain.ChannelKey, from domain.Cursor) (repository.LiveStream, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	stream, err := l.store.LiveQuery(ctx, key, from)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	return stream, nil
}
