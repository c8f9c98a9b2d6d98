package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/example/engprogress/internal/logger"
)

// RedisNotifier publishes per-user change notifications over Redis pub/sub
type RedisNotifier struct {
	rdb    *goredis.Client
	prefix string
	log    *logger.Logger
}

func NewRedisNotifier(ctx context.Context, addr, prefix string, log *logger.Logger) (*RedisNotifier, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if prefix == "" {
		prefix = "progress"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisNotifier{
		rdb:    rdb,
		prefix: prefix,
		log:    logger.OrNop(log).With("component", "remote.redis"),
	}, nil
}

func (n *RedisNotifier) channel(userID string) string {
	return n.prefix + ":" + userID
}

func (n *RedisNotifier) Notify(ctx context.Context, userID string) error {
	return n.rdb.Publish(ctx, n.channel(userID), "changed").Err()
}

func (n *RedisNotifier) Listen(ctx context.Context, userID string, onChange func()) (func(), error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback required")
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := n.rdb.Subscribe(ctx, n.channel(userID))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				onChange()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := sub.Close(); err != nil {
				n.log.Warn("failed to close subscription", "error", err)
			}
			<-done
		})
	}, nil
}

func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}
