package delivery

import (
	"context"

	"fleetalert/internal/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Signal wakes idle pollers when a job is inserted. It is a latency hint
// only; the poll loop is correct when no signal ever arrives.
type Signal interface {
	Notify(ctx context.Context)
	C() <-chan struct{}
}

// LocalSignal coalesces notifications within one process.
type LocalSignal struct {
	ch chan struct{}
}

func NewLocalSignal() *LocalSignal {
	return &LocalSignal{ch: make(chan struct{}, 1)}
}

func (s *LocalSignal) Notify(context.Context) {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *LocalSignal) C() <-chan struct{} {
	return s.ch
}

// RedisSignal fans wake-ups out to every dispatcher process through a
// Redis pub/sub channel.
type RedisSignal struct {
	client  *redis.Client
	channel string
	local   *LocalSignal
}

func NewRedisSignal(client *redis.Client, channel string) *RedisSignal {
	if channel == "" {
		channel = "fleetalert:delivery:wake"
	}
	return &RedisSignal{client: client, channel: channel, local: NewLocalSignal()}
}

func (s *RedisSignal) Notify(ctx context.Context) {
	s.local.Notify(ctx)
	if err := s.client.Publish(ctx, s.channel, "1").Err(); err != nil {
		logger.Debug("publish delivery wake-up failed", zap.String("channel", s.channel), zap.Error(err))
	}
}

func (s *RedisSignal) C() <-chan struct{} {
	return s.local.C()
}

// Run relays remote wake-ups until ctx is cancelled.
func (s *RedisSignal) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			s.local.Notify(ctx)
		}
	}
}
