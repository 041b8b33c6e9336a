package repository

import (
	"context"
	"time"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
)

// ClaimTTL bounds how long a claim survives an owner that never
// released it.
const ClaimTTL = 30 * time.Second

// DocumentStore is the document database behind a channel log.
type DocumentStore interface {
	// Create persists msg under key. The store assigns the id and a
	// timestamp strictly greater than every timestamp already in the log.
	Create(ctx context.Context, key domain.ChannelKey, msg domain.Message) (domain.Message, error)

	// Query returns every message after the cursor in log order.
	Query(ctx context.Context, key domain.ChannelKey, after domain.Cursor) ([]domain.Message, error)

	// LiveQuery streams messages after the cursor until the stream is closed.
	LiveQuery(ctx context.Context, key domain.ChannelKey, after domain.Cursor) (LiveStream, error)

	// Claim inserts a unique (key, name) record. It reports true for the
	// first owner and for repeat claims by that same owner. Claims older
	// than ClaimTTL are taken over.
	Claim(ctx context.Context, key domain.ChannelKey, name, owner string) (bool, error)

	// Release drops a claim if owner still holds it.
	Release(ctx context.Context, key domain.ChannelKey, name, owner string) error

	Close() error
}

// ConditionalCreator is implemented by stores with a native "create only
// if the log is empty" write.
type ConditionalCreator interface {
	CreateIfEmpty(ctx context.Context, key domain.ChannelKey, msg domain.Message) (domain.Message, bool, error)
}

// LiveStream is a cancellable live query.
type LiveStream interface {
	Messages() <-chan domain.Message
	// Err is valid once Messages is closed. It is nil after Close.
	Err() error
	Close()
}
