package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
)

const redisChannelPrefix = "ticketchat:"

// RedisNotifier carries wake-ups between processes sharing one store.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier accepts either a redis:// URL or a bare host:port.
func NewRedisNotifier(ctx context.Context, url string) (*RedisNotifier, error) {
	var opts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: url}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisNotifier{client: client}, nil
}

func (n *RedisNotifier) Publish(ctx context.Context, key domain.ChannelKey) error {
	if err := n.client.Publish(ctx, redisChannelPrefix+key.Path(), "1").Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, key domain.ChannelKey) (<-chan struct{}, func()) {
	ps := n.client.Subscribe(ctx, redisChannelPrefix+key.Path())
	out := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		in := ps.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-in:
				if !ok {
					return
				}
				signal(out)
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
