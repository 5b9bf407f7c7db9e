package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsefit/coach/internal/logger"
)

const channelPrefix = "coach:events:"

// RedisNotifier fans events out over Redis pub/sub, one channel per user,
// so subscribers on any instance see streams started on another.
type RedisNotifier struct {
	log *logger.Logger
	rdb *redis.Client
}

func NewRedisNotifier(addr string, log *logger.Logger) (*RedisNotifier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisNotifier{
		log: log.With("service", "RedisNotifier"),
		rdb: rdb,
	}, nil
}

func userChannel(userID int64) string {
	return fmt.Sprintf("%s%d", channelPrefix, userID)
}

func (n *RedisNotifier) Publish(ctx context.Context, userID int64, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, userChannel(userID), raw).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, userID int64) (<-chan Event, func(), error) {
	sub := n.rdb.Subscribe(ctx, userChannel(userID))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	events := make(chan Event, subscriberBuffer)
	go func() {
		defer close(events)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
					n.log.Warn("bad redis event payload", "error", err)
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return events, cancel, nil
}

func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}
