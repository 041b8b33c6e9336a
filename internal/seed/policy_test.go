package seed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/messagelog"
	"github.com/Almonaabdo/landLorkLinkAI/internal/repository"
	"github.com/Almonaabdo/landLorkLinkAI/tests/helpers"
)

func newPolicy(store repository.DocumentStore) *Policy {
	return New(messagelog.New(store, nil), Config{InitialBackoff: time.Millisecond}, nil, nil)
}

func systemCount(t *testing.T, store repository.DocumentStore, key domain.ChannelKey) int {
	t.Helper()
	msgs, err := store.Query(context.Background(), key, domain.Cursor{})
	require.NoError(t, err)
	n := 0
	for _, m := range msgs {
		if m.IsSystem() {
			n++
		}
	}
	return n
}

func TestEnsureSeedsEmptyChannel(t *testing.T) {
	for name, wrap := range map[string]func(repository.DocumentStore) repository.DocumentStore{
		"conditional": func(s repository.DocumentStore) repository.DocumentStore { return s },
		"claim":       helpers.ClaimOnly,
	} {
		t.Run(name, func(t *testing.T) {
			store := wrap(helpers.NewTestSQLiteStore(t))
			p := newPolicy(store)
			key := domain.KeyFor("42")

			res, err := p.Ensure(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, Seeded, res.Outcome)
			require.NotNil(t, res.Message)
			assert.Equal(t, DefaultText, res.Message.Text)
			assert.Equal(t, domain.SystemSender, res.Message.Sender)

			res, err = p.Ensure(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, AlreadySeeded, res.Outcome)
			assert.Equal(t, 1, systemCount(t, store, key))
		})
	}
}

func TestEnsureSkipsNonEmptyChannel(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	key := domain.KeyFor("42")
	_, err := store.Create(ctx, key, domain.Message{Text: "already here", Sender: "tenant"})
	require.NoError(t, err)

	res, err := newPolicy(store).Ensure(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, AlreadySeeded, res.Outcome)
	assert.Zero(t, systemCount(t, store, key))
}

func TestConcurrentSeedWritesOnce(t *testing.T) {
	for name, wrap := range map[string]func(repository.DocumentStore) repository.DocumentStore{
		"conditional": func(s repository.DocumentStore) repository.DocumentStore { return s },
		"claim":       helpers.ClaimOnly,
	} {
		t.Run(name, func(t *testing.T) {
			store := wrap(helpers.NewTestSQLiteStore(t))
			key := domain.KeyFor("42")

			// Separate policies model separate client processes.
			var wg sync.WaitGroup
			outcomes := make([]Outcome, 6)
			for i := range outcomes {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := newPolicy(store).Seed(context.Background(), key)
					assert.NoError(t, err)
					outcomes[i] = res.Outcome
				}(i)
			}
			wg.Wait()

			seeded := 0
			for _, o := range outcomes {
				if o == Seeded {
					seeded++
				} else {
					assert.Equal(t, Contended, o)
				}
			}
			assert.Equal(t, 1, seeded)
			assert.Equal(t, 1, systemCount(t, store, key))
		})
	}
}

func TestSeedRetriesTransientFailures(t *testing.T) {
	store := helpers.NewFaultyStore(helpers.NewTestSQLiteStore(t))
	store.FailCreates(2)
	key := domain.KeyFor("42")

	res, err := newPolicy(store).Seed(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, Seeded, res.Outcome)
	assert.Equal(t, 3, store.Creates())
	assert.Equal(t, 1, systemCount(t, store, key))
}

func TestSeedGivesUpAfterMaxAttemptsAndHeals(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewFaultyStore(helpers.NewTestSQLiteStore(t))
	store.FailCreates(3)
	key := domain.KeyFor("42")
	p := newPolicy(store)

	res, err := p.Seed(ctx, key)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 3, store.Creates())
	assert.Zero(t, systemCount(t, store, key))

	// A different process can take over once the lock was released.
	res, err = newPolicy(store).Ensure(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Seeded, res.Outcome)
	assert.Equal(t, 1, systemCount(t, store, key))
}

func TestSeedStopsOnCancelledContext(t *testing.T) {
	store := helpers.NewFaultyStore(helpers.NewTestSQLiteStore(t))
	store.FailCreates(100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newPolicy(store).Seed(ctx, domain.KeyFor("42"))
	assert.Error(t, err)
	assert.Equal(t, Failed, res.Outcome)
}

func TestSeedUsesConfiguredText(t *testing.T) {
	store := helpers.NewTestSQLiteStore(t)
	p := New(messagelog.New(store, nil), Config{Text: "Welcome to ticket chat"}, nil, nil)

	res, err := p.Ensure(context.Background(), domain.KeyFor("9"))
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, "Welcome to ticket chat", res.Message.Text)
}
