package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"erpc/registry"

	"github.com/cockroachdb/errors"
	"github.com/gotomicro/ekit/bean/option"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ registry.Registry = (*Registry)(nil)

// Registry is a cloud style registry on top of redis. Each service owns
//
//	{ns}:instances:{service}  hash address -> instance json
//	{ns}:alive:{service}      zset address scored by lease expiry in unix ms
//	{ns}:events:{service}     pub/sub channel for change notifications
//
// Providers renew their lease with heartbeats. Expired instances are filtered on
// read, and subscribers resync every poll interval so expiry without an explicit
// unregister is still observed.
type Registry struct {
	client       redis.UniversalClient
	namespace    string
	ttl          time.Duration
	pollInterval time.Duration
	logger       *zap.Logger

	mutex      sync.Mutex
	heartbeats map[string]context.CancelFunc
	subs       []context.CancelFunc
	closed     bool
}

type eventMessage struct {
	Type     registry.EventType       `json:"type"`
	Instance registry.ServiceInstance `json:"instance"`
}

func WithNamespace(ns string) option.Option[Registry] {
	return func(r *Registry) {
		r.namespace = ns
	}
}

func WithTTL(ttl time.Duration) option.Option[Registry] {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

func WithPollInterval(interval time.Duration) option.Option[Registry] {
	return func(r *Registry) {
		r.pollInterval = interval
	}
}

func WithLogger(l *zap.Logger) option.Option[Registry] {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry wraps client. The client belongs to the caller.
func NewRegistry(client redis.UniversalClient, opts ...option.Option[Registry]) *Registry {
	r := &Registry{
		client:       client,
		namespace:    "erpc",
		ttl:          15 * time.Second,
		pollInterval: 10 * time.Second,
		logger:       zap.L().Named("erpc.registry.redis"),
		heartbeats:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(ctx context.Context, inst registry.ServiceInstance) error {
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if _, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.instancesKey(inst.Name), inst.Address, val)
		pipe.ZAdd(ctx, r.aliveKey(inst.Name), redis.Z{Score: r.expireAt(), Member: inst.Address})
		return nil
	}); err != nil {
		return errors.Wrapf(err, "redis: register %s/%s", inst.Name, inst.Address)
	}
	r.publish(ctx, registry.EventTypeAdd, inst)

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return errors.New("redis: registry closed")
	}
	key := inst.Name + "/" + inst.Address
	if cancel, ok := r.heartbeats[key]; ok {
		cancel()
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	r.heartbeats[key] = cancel
	go r.heartbeat(hbCtx, inst)
	return nil
}

func (r *Registry) heartbeat(ctx context.Context, inst registry.ServiceInstance) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.client.ZAdd(ctx, r.aliveKey(inst.Name),
				redis.Z{Score: r.expireAt(), Member: inst.Address}).Err()
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat failed",
					zap.String("service", inst.Name), zap.String("address", inst.Address), zap.Error(err))
			}
		}
	}
}

func (r *Registry) Unregister(ctx context.Context, inst registry.ServiceInstance) error {
	r.mutex.Lock()
	key := inst.Name + "/" + inst.Address
	if cancel, ok := r.heartbeats[key]; ok {
		cancel()
		delete(r.heartbeats, key)
	}
	r.mutex.Unlock()

	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.instancesKey(inst.Name), inst.Address)
		pipe.ZRem(ctx, r.aliveKey(inst.Name), inst.Address)
		return nil
	}); err != nil {
		return errors.Wrapf(err, "redis: unregister %s/%s", inst.Name, inst.Address)
	}
	r.publish(ctx, registry.EventTypeDelete, inst)
	return nil
}

func (r *Registry) ListServices(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	addrs, err := r.client.ZRangeByScore(ctx, r.aliveKey(serviceName), &redis.ZRangeBy{
		Min: "(" + now,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis: list %s", serviceName)
	}
	if len(addrs) == 0 {
		return []registry.ServiceInstance{}, nil
	}
	vals, err := r.client.HMGet(ctx, r.instancesKey(serviceName), addrs...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis: list %s", serviceName)
	}
	res := make([]registry.ServiceInstance, 0, len(vals))
	for i, val := range vals {
		str, ok := val.(string)
		if !ok {
			continue
		}
		var si registry.ServiceInstance
		if err = json.Unmarshal([]byte(str), &si); err != nil {
			r.logger.Warn("skip malformed instance",
				zap.String("service", serviceName), zap.String("address", addrs[i]), zap.Error(err))
			continue
		}
		res = append(res, si)
	}
	return res, nil
}

// Subscribe pushes pub/sub notifications and an EventTypeUnknown resync tick every
// poll interval.
func (r *Registry) Subscribe(serviceName string) (<-chan registry.Event, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		cancel()
		return nil, errors.New("redis: registry closed")
	}
	r.subs = append(r.subs, cancel)
	r.mutex.Unlock()

	pubsub := r.client.Subscribe(ctx, r.eventsKey(serviceName))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, errors.Wrapf(err, "redis: subscribe %s", serviceName)
	}
	msgCh := pubsub.Channel()
	res := make(chan registry.Event)
	go func() {
		defer close(res)
		defer func() {
			_ = pubsub.Close()
		}()
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			var ev registry.Event
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var em eventMessage
				if err := json.Unmarshal([]byte(msg.Payload), &em); err != nil {
					r.logger.Warn("skip malformed event", zap.String("service", serviceName), zap.Error(err))
				}
				ev = registry.Event{Type: em.Type, Instance: em.Instance}
			case <-ticker.C:
				ev = registry.Event{Type: registry.EventTypeUnknown}
			}
			select {
			case res <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return res, nil
}

func (r *Registry) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.closed = true
	for key, cancel := range r.heartbeats {
		cancel()
		delete(r.heartbeats, key)
	}
	for _, cancel := range r.subs {
		cancel()
	}
	r.subs = nil
	return nil
}

func (r *Registry) publish(ctx context.Context, typ registry.EventType, inst registry.ServiceInstance) {
	payload, err := json.Marshal(eventMessage{Type: typ, Instance: inst})
	if err != nil {
		return
	}
	if err = r.client.Publish(ctx, r.eventsKey(inst.Name), payload).Err(); err != nil {
		// subscribers still resync on their next poll
		r.logger.Warn("publish event failed", zap.String("service", inst.Name), zap.Error(err))
	}
}

func (r *Registry) expireAt() float64 {
	return float64(time.Now().Add(r.ttl).UnixMilli())
}

func (r *Registry) instancesKey(service string) string {
	return fmt.Sprintf("%s:instances:%s", r.namespace, service)
}

func (r *Registry) aliveKey(service string) string {
	return fmt.Sprintf("%s:alive:%s", r.namespace, service)
}

func (r *Registry) eventsKey(service string) string {
	return fmt.Sprintf("%s:events:%s", r.namespace, service)
}
