package notify

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lserrors "github.com/lockstep-io/lockstep/errors"
)

const redisBusTimeout = 5 * time.Second

// maxProcessedIDs bounds the dedup window. Wake ids only matter while the
// delivery is in flight across this process's connections, so the oldest
// entries can be evicted once the window is full.
const maxProcessedIDs = 1024

var tracer = otel.Tracer("github.com/lockstep-io/lockstep/notify")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus over Redis pub/sub. One PubSub connection is opened
// per subscribed channel and fanned out to all local subscribers.
type RedisBus struct {
	client *redis.Client

	mu             sync.Mutex
	subs           map[string]*redisSubscription
	processed      map[string]struct{}
	processedOrder []string
	published      atomic.Uint64
	delivered      atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:    client,
		subs:      make(map[string]*redisSubscription),
		processed: make(map[string]struct{}),
	}
}

// Close closes all active subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
	}
	b.subs = make(map[string]*redisSubscription)
	return nil
}

// Publish implements Bus.Publish. Each wake carries a fresh id so a process
// subscribed through several connections delivers it at most once.
func (b *RedisBus) Publish(ctx context.Context, channel string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish",
		trace.WithAttributes(attribute.String("lockstep.channel", channel)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	err := b.client.Publish(cctx, channel, uuid.NewString()).Err()
	cancel()
	if err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return lserrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is confirmed with the
// server before returning, so a wake published after Subscribe returns is
// guaranteed to reach the pub/sub connection.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	backoff := 100 * time.Millisecond
	for {
		b.mu.Lock()
		sub, ok := b.subs[channel]
		if ok {
			sub.chans = append(sub.chans, ch)
			b.mu.Unlock()
			return ch, nil
		}
		b.mu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, channel)
		_, err := ps.Receive(cctx)
		cancel()
		if err == nil {
			b.mu.Lock()
			sub = &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}}
			b.subs[channel] = sub
			b.mu.Unlock()
			go b.dispatch(channel, sub)
			return ch, nil
		}
		_ = ps.Close()
		_ = b.reconnect()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		time.Sleep(backoff + jitter)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// markProcessed records a wake id in the dedup window, reporting false when
// it was already seen. The window is capped at maxProcessedIDs, evicting
// oldest first.
func (b *RedisBus) markProcessed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.processed[id]; ok {
		return false
	}
	b.processed[id] = struct{}{}
	b.processedOrder = append(b.processedOrder, id)
	if len(b.processedOrder) > maxProcessedIDs {
		delete(b.processed, b.processedOrder[0])
		b.processedOrder = b.processedOrder[1:]
	}
	return true
}

func (b *RedisBus) dispatch(channel string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		if !b.markProcessed(msg.Payload) {
			continue
		}
		b.mu.Lock()
		chans := append([]chan struct{}(nil), sub.chans...)
		b.mu.Unlock()

		for _, ch := range chans {
			select {
			case ch <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe. Closing the last local subscriber
// tears down the underlying pub/sub connection.
func (b *RedisBus) Unsubscribe(ctx context.Context, channel string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, channel)
		b.mu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		defer cancel()
		_ = sub.pubsub.Unsubscribe(cctx, channel)
		if err := sub.pubsub.Close(); err != nil {
			if stdErrors.Is(err, redis.ErrClosed) {
				return lserrors.ErrConnectionClosed
			}
			return err
		}
		return nil
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

func (b *RedisBus) reconnect() error {
	if b.client != nil && b.client.Ping(context.Background()).Err() == nil {
		return nil
	}
	opts := b.client.Options()
	b.client = redis.NewClient(opts)
	b.mu.Lock()
	for channel, sub := range b.subs {
		_ = sub.pubsub.Close()
		ps := b.client.Subscribe(context.Background(), channel)
		_, _ = ps.Receive(context.Background())
		sub.pubsub = ps
		go b.dispatch(channel, sub)
	}
	b.mu.Unlock()
	return nil
}
