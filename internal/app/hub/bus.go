package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

// Handler receives every frame published for a session, on any node.
type Handler func(sid domain.SessionID, f core.Frame)

// Bus carries stamped frames between hub nodes.
type Bus interface {
	Publish(ctx context.Context, sid domain.SessionID, f core.Frame) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// LocalBus delivers in-process. It is the bus of a single node deployment.
type LocalBus struct {
	mu sync.RWMutex
	h  Handler
}

func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Publish(_ context.Context, sid domain.SessionID, f core.Frame) error {
	b.mu.RLock()
	h := b.h
	b.mu.RUnlock()
	if h != nil {
		h(sid, f)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	b.h = h
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error { return nil }

const channelPrefix = "classmesh:session:"

func sessionChannel(sid domain.SessionID) string { return channelPrefix + string(sid) }

// RedisBus fans frames out through Redis pub/sub so participants attached to
// different nodes share one session.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisBus(ctx context.Context, opts *redis.Options) (*RedisBus, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", opts.Addr, err)
	}
	log.Info().Str("module", "hub").Str("addr", opts.Addr).Msg("redis bus connected")
	return &RedisBus{client: client}, nil
}

func (b *RedisBus) Publish(ctx context.Context, sid domain.SessionID, f core.Frame) error {
	return b.client.Publish(ctx, sessionChannel(sid), []byte(f)).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	ps := b.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("psubscribe: %w", err)
	}
	b.mu.Lock()
	b.pubsub = ps
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			sid := domain.SessionID(strings.TrimPrefix(msg.Channel, channelPrefix))
			h(sid, core.Frame(msg.Payload))
		}
		log.Info().Str("module", "hub").Msg("redis subscription closed")
	}()
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
	return b.client.Close()
}
