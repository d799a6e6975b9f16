package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// AvailableChannel is the pub/sub channel announcing newly available runs.
const AvailableChannel = "spool.runs.available"

// Notifier wakes claim loops when a run becomes available, so workers do not
// sit on a poll interval. Announcements are advisory; claim loops still poll
// on a slow timer as a safety net.
type Notifier interface {
	Announce(ctx context.Context) error
	Listen(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// RedisNotifier fans announcements out across processes.
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisNotifier(redisURL string, logger *slog.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	return &RedisNotifier{
		client: redis.NewClient(opts),
		logger: logger.With("module", "queue"),
	}, nil
}

func (n *RedisNotifier) Announce(ctx context.Context) error {
	err := n.client.Publish(ctx, AvailableChannel, "1").Err()
	if err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}

	return nil
}

func (n *RedisNotifier) Listen(ctx context.Context) (<-chan struct{}, error) {
	pubsub := n.client.Subscribe(ctx, AvailableChannel)

	// Force the subscription before callers rely on it.
	_, err := pubsub.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", AvailableChannel, err)
	}

	wake := make(chan struct{}, 1)

	go func() {
		defer close(wake)

		for {
			select {
			case <-ctx.Done():
				err := pubsub.Close()
				if err != nil {
					n.logger.Error("failed to close pubsub", "error", err)
				}

				return
			case _, ok := <-pubsub.Channel():
				if !ok {
					return
				}

				select {
				case wake <- struct{}{}:
				default:
					// A wakeup is already pending.
				}
			}
		}
	}()

	return wake, nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// LocalNotifier is the single-process fallback used when no Redis is
// configured, and by tests.
type LocalNotifier struct {
	mu        sync.Mutex
	listeners []chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{}
}

func (n *LocalNotifier) Announce(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, listener := range n.listeners {
		select {
		case listener <- struct{}{}:
		default:
		}
	}

	return nil
}

func (n *LocalNotifier) Listen(ctx context.Context) (<-chan struct{}, error) {
	wake := make(chan struct{}, 1)

	n.mu.Lock()
	n.listeners = append(n.listeners, wake)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()

		n.mu.Lock()
		defer n.mu.Unlock()

		for i, listener := range n.listeners {
			if listener == wake {
				n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)

				break
			}
		}
	}()

	return wake, nil
}

func (n *LocalNotifier) Close() error {
	return nil
}
