package repository

import (
	"context"
	"sync"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
)

// Notifier wakes live queries when a channel log grows.
type Notifier interface {
	Publish(ctx context.Context, key domain.ChannelKey) error
	// Subscribe returns a coalescing wake-up channel and a release func.
	Subscribe(ctx context.Context, key domain.ChannelKey) (<-chan struct{}, func())
	Close() error
}

// LocalNotifier fans out wake-ups within one process.
type LocalNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[int]chan struct{})}
}

func (n *LocalNotifier) Publish(_ context.Context, key domain.ChannelKey) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[key.Path()] {
		signal(ch)
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context, key domain.ChannelKey) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	path := key.Path()
	if n.subs[path] == nil {
		n.subs[path] = make(map[int]chan struct{})
	}
	id := n.nextID
	n.nextID++
	ch := make(chan struct{}, 1)
	n.subs[path][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[path], id)
			if len(n.subs[path]) == 0 {
				delete(n.subs, path)
			}
		})
	}
}

func (n *LocalNotifier) Close() error { return nil }

// signal does a non-blocking send; a pending wake-up already covers this one.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
