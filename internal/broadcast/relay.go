package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zulandar/parley/internal/metrics"
	"go.uber.org/zap"
)

// RedisRelay extends a Hub across instances. Local events go to the Hub and
// to Redis; events from other instances are replayed into the Hub.
type RedisRelay struct {
	client  *redis.Client
	hub     *Hub
	prefix  string
	origin  string
	seq     atomic.Uint64
	last    map[string]uint64 // origin -> last Seq seen; owned by Run
	out     chan Event
	ready   chan struct{}
	metrics *metrics.Metrics
	log     *zap.Logger
}

// RelayOpts configures a RedisRelay.
type RelayOpts struct {
	Client  *redis.Client
	Hub     *Hub
	Prefix  string // channel prefix; the room ID is appended
	Buffer  int
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// NewRedisRelay creates a relay with a fresh origin ID.
func NewRedisRelay(opts RelayOpts) (*RedisRelay, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("broadcast: relay: redis client is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("broadcast: relay: hub is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "parley:room:"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  opts.Client,
		hub:     opts.Hub,
		prefix:  opts.Prefix,
		origin:  uuid.NewString(),
		last:    make(map[string]uint64),
		out:     make(chan Event, opts.Buffer),
		ready:   make(chan struct{}),
		metrics: opts.Metrics,
		log:     opts.Logger.Named("relay"),
	}, nil
}

// Origin is this instance's tag on outgoing events.
func (r *RedisRelay) Origin() string { return r.origin }

// Ready is closed once the Redis subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Publish delivers e locally and queues it for other instances. It never
// blocks; a full queue drops the remote copy, which the receivers detect
// from the skipped Seq.
func (r *RedisRelay) Publish(e Event) {
	e.Origin = r.origin
	e.Seq = r.seq.Add(1)
	r.hub.Publish(e)
	select {
	case r.out <- e:
	default:
		r.metrics.RecordBroadcastDrop()
		r.log.Warn("relay queue full, dropping remote copy", zap.String("room", e.RoomID), zap.String("type", string(e.Type)))
	}
}

// Run pumps events in both directions until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("broadcast: relay: subscribe: %w", err)
	}
	close(r.ready)
	r.log.Info("relay subscribed", zap.String("pattern", r.prefix+"*"), zap.String("origin", r.origin))

	in := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-r.out:
			data, err := json.Marshal(e)
			if err != nil {
				r.log.Error("marshal event", zap.Error(err))
				continue
			}
			if err := r.client.Publish(ctx, r.prefix+e.RoomID, data).Err(); err != nil {
				r.log.Warn("publish to redis", zap.String("room", e.RoomID), zap.Error(err))
			}
		case msg, ok := <-in:
			if !ok {
				return fmt.Errorf("broadcast: relay: subscription closed")
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				r.log.Warn("decode relayed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			r.replay(e)
		}
	}
}

// replay publishes a remote event locally. When the origin's sequence
// skipped, every local subscriber is evicted so viewers reload instead of
// showing a transcript with holes.
func (r *RedisRelay) replay(e Event) {
	if e.Origin == r.origin {
		return
	}
	if prev, ok := r.last[e.Origin]; ok && e.Origin != "" && e.Seq != prev+1 {
		n := r.hub.EvictAll()
		r.metrics.RecordBroadcastDrop()
		r.log.Warn("relayed events lost, evicting subscribers",
			zap.String("origin", e.Origin),
			zap.Uint64("expected", prev+1),
			zap.Uint64("got", e.Seq),
			zap.Int("evicted", n))
	}
	r.last[e.Origin] = e.Seq
	r.hub.Publish(e)
}
