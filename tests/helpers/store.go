package helpers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/repository"
)

func NewTestSQLiteStore(t *testing.T, opts ...repository.Option) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:", append([]repository.Option{
		repository.WithPollInterval(20 * time.Millisecond),
	}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// ClaimOnly hides any native conditional create, forcing callers onto
// the claim path.
func ClaimOnly(s repository.DocumentStore) repository.DocumentStore {
	return struct{ repository.DocumentStore }{s}
}

// FaultyStore wraps a DocumentStore and injects transport failures. It
// never offers a conditional create.
type FaultyStore struct {
	repository.DocumentStore

	mu             sync.Mutex
	createFailures int
	queryFailures  int
	liveFailures   int
	ignoreCursor   bool
	streams        map[*faultyStream]struct{}
	creates        int
	liveQueries    int
}

func NewFaultyStore(inner repository.DocumentStore) *FaultyStore {
	return &FaultyStore{DocumentStore: inner, streams: make(map[*faultyStream]struct{})}
}

// FailCreates makes the next n Create calls fail with ErrStoreUnavailable.
func (f *FaultyStore) FailCreates(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createFailures = n
}

// FailQueries makes the next n Query calls fail with ErrStoreUnavailable.
func (f *FaultyStore) FailQueries(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryFailures = n
}

// FailLiveQueries makes the next n LiveQuery calls fail.
func (f *FaultyStore) FailLiveQueries(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveFailures = n
}

// RedeliverFromStart makes live queries ignore their cursor, like a
// transport that replays on reconnect.
func (f *FaultyStore) RedeliverFromStart(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignoreCursor = on
}

// BreakStreams ends every open live stream with ErrSubscriptionLost.
func (f *FaultyStore) BreakStreams() {
	f.mu.Lock()
	streams := make([]*faultyStream, 0, len(f.streams))
	for s := range f.streams {
		streams = append(streams, s)
	}
	f.mu.Unlock()

	for _, s := range streams {
		s.kill()
	}
}

// OpenStreams counts live streams that have not been closed.
func (f *FaultyStore) OpenStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *FaultyStore) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *FaultyStore) LiveQueries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveQueries
}

func (f *FaultyStore) Create(ctx context.Context, key domain.ChannelKey, msg domain.Message) (domain.Message, error) {
	f.mu.Lock()
	f.creates++
	fail := f.createFailures > 0
	if fail {
		f.createFailures--
	}
	f.mu.Unlock()

	if fail {
		return domain.Message{}, domain.ErrStoreUnavailable
	}
	return f.DocumentStore.Create(ctx, key, msg)
}

func (f *FaultyStore) Query(ctx context.Context, key domain.ChannelKey, after domain.Cursor) ([]domain.Message, error) {
	f.mu.Lock()
	fail := f.queryFailures > 0
	if fail {
		f.queryFailures--
	}
	f.mu.Unlock()

	if fail {
		return nil, domain.ErrStoreUnavailable
	}
	return f.DocumentStore.Query(ctx, key, after)
}

func (f *FaultyStore) LiveQuery(ctx context.Context, key domain.ChannelKey, after domain.Cursor) (repository.LiveStream, error) {
	f.mu.Lock()
	f.liveQueries++
	fail := f.liveFailures > 0
	if fail {
		f.liveFailures--
	}
	if f.ignoreCursor {
		after = domain.Cursor{}
	}
	f.mu.Unlock()

	if fail {
		return nil, domain.ErrStoreUnavailable
	}
	inner, err := f.DocumentStore.LiveQuery(ctx, key, after)
	if err != nil {
		return nil, err
	}

	s := &faultyStream{
		inner: inner,
		out:   make(chan domain.Message),
		stop:  make(chan struct{}),
		lost:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	f.mu.Lock()
	f.streams[s] = struct{}{}
	f.mu.Unlock()

	go func() {
		s.run()
		f.mu.Lock()
		delete(f.streams, s)
		f.mu.Unlock()
	}()
	return s, nil
}

type faultyStream struct {
	inner repository.LiveStream
	out   chan domain.Message
	stop  chan struct{}
	lost  chan struct{}
	done  chan struct{}

	stopOnce sync.Once
	lostOnce sync.Once
	mu       sync.Mutex
	err      error
}

func (s *faultyStream) run() {
	defer close(s.done)
	defer close(s.out)
	defer s.inner.Close()

	in := s.inner.Messages()
	for {
		select {
		case <-s.stop:
			return
		case <-s.lost:
			s.setErr(domain.ErrSubscriptionLost)
			return
		case m, ok := <-in:
			if !ok {
				s.setErr(s.inner.Err())
				return
			}
			select {
			case s.out <- m:
			case <-s.stop:
				return
			case <-s.lost:
				s.setErr(domain.ErrSubscriptionLost)
				return
			}
		}
	}
}

func (s *faultyStream) kill() {
	s.lostOnce.Do(func() { close(s.lost) })
}

func (s *faultyStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *faultyStream) Messages() <-chan domain.Message { return s.out }

func (s *faultyStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *faultyStream) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
