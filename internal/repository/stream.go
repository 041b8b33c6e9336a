package repository

import (
	"context"
	"sync"
	"time"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
)

type queryFunc func(ctx context.Context, after domain.Cursor) ([]domain.Message, error)

// streamBase holds the plumbing shared by live stream implementations.
type streamBase struct {
	out    chan domain.Message
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newStreamBase(ctx context.Context) (context.Context, *streamBase) {
	ctx, cancel := context.WithCancel(ctx)
	return ctx, &streamBase{
		out:    make(chan domain.Message),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// push delivers m unless the stream was cancelled.
func (s *streamBase) push(ctx context.Context, m domain.Message) bool {
	select {
	case s.out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *streamBase) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *streamBase) Messages() <-chan domain.Message { return s.out }

func (s *streamBase) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and waits for it to release its resources.
func (s *streamBase) Close() {
	s.cancel()
	<-s.done
}

// pollStream re-runs a cursor query whenever it is woken or the poll
// interval elapses, pushing every new row in order.
type pollStream struct {
	*streamBase
}

func newPollStream(ctx context.Context, after domain.Cursor, interval time.Duration, wake <-chan struct{}, release func(), query queryFunc) *pollStream {
	ctx, base := newStreamBase(ctx)
	s := &pollStream{streamBase: base}
	go s.run(ctx, after, interval, wake, release, query)
	return s
}

func (s *pollStream) run(ctx context.Context, cursor domain.Cursor, interval time.Duration, wake <-chan struct{}, release func(), query queryFunc) {
	defer close(s.done)
	defer close(s.out)
	defer release()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msgs, err := query(ctx, cursor)
		if err != nil {
			if ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}
		for _, m := range msgs {
			if !s.push(ctx, m) {
				return
			}
			cursor = m.Cursor()
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}
