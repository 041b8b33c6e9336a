package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Almonaabdo/landLorkLinkAI/internal/config"
	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/policy"
	"github.com/Almonaabdo/landLorkLinkAI/internal/send"
	"github.com/Almonaabdo/landLorkLinkAI/tests/helpers"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	cfg := &config.Config{
		SeedText:            "Welcome",
		SeedMaxAttempts:     3,
		SeedInitialBackoff:  time.Millisecond,
		AppendMaxAttempts:   3,
		ReconnectMaxBackoff: 50 * time.Millisecond,
		SubscriberBuffer:    16,
	}
	svc := New(helpers.NewTestSQLiteStore(t), cfg, engine, nil, nil)
	t.Cleanup(svc.Shutdown)
	return svc
}

func TestServiceOpenSeedsAndPostAppends(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	h, err := svc.Open(ctx, "42")
	require.NoError(t, err)
	defer svc.Close(h)

	res, err := svc.Post(ctx, "42", "tenant-1", "AC broken")
	require.NoError(t, err)
	assert.Equal(t, send.StatusDelivered, res.Status)

	msgs, err := svc.Messages(ctx, "42", domain.Cursor{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Welcome", msgs[0].Text)
	assert.Equal(t, "AC broken", msgs[1].Text)

	after, err := svc.Messages(ctx, "42", msgs[0].Cursor())
	require.NoError(t, err)
	assert.Len(t, after, 1)

	// Post borrowed the already open handle and returned it.
	assert.Equal(t, 1, svc.OpenChannels())
	assert.Equal(t, 1, h.Refs())
}

func TestServicePostOnFreshTicketSeedsFirst(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.Post(ctx, "7", "tenant-1", "Leaking sink")
	require.NoError(t, err)

	msgs, err := svc.Messages(ctx, "7", domain.Cursor{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.SystemSender, msgs[0].Sender)
	assert.Zero(t, svc.OpenChannels())
}

func TestServicePostDenied(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Post(context.Background(), "42", domain.SystemSender, "fake")
	assert.ErrorIs(t, err, domain.ErrSendDenied)
}

func TestServiceShutdownEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	h, err := svc.Open(ctx, "42")
	require.NoError(t, err)
	sub, err := svc.Attach(ctx, h, "tenant", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Subscribers())

	svc.Shutdown()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription survived shutdown")
	}
	assert.Zero(t, svc.Subscribers())
	assert.Zero(t, svc.OpenChannels())
}
