package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"erpc/registry"

	"github.com/cockroachdb/errors"
	"github.com/gotomicro/ekit/bean/option"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

var _ registry.Registry = (*Registry)(nil)

var typesMap = map[mvccpb.Event_EventType]registry.EventType{
	mvccpb.PUT:    registry.EventTypeAdd,
	mvccpb.DELETE: registry.EventTypeDelete,
}

// Registry keeps instances under {namespace}/{service}/{address}, bound to the
// lease of one session so they vanish when the process dies.
type Registry struct {
	client      *clientv3.Client
	namespace   string
	ttl         int
	logger      *zap.Logger
	sessOnce    sync.Once
	sess        *concurrency.Session
	sessErr     error
	mutex       sync.Mutex
	watchID     uint64
	watchCancel map[uint64]context.CancelFunc
}

func WithNamespace(ns string) option.Option[Registry] {
	return func(r *Registry) {
		r.namespace = strings.TrimSuffix(ns, "/")
	}
}

// WithTTL sets the session lease ttl in seconds.
func WithTTL(ttl int) option.Option[Registry] {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

func WithLogger(l *zap.Logger) option.Option[Registry] {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry wraps c. The client belongs to the caller and is not closed by Close.
func NewRegistry(c *clientv3.Client, opts ...option.Option[Registry]) *Registry {
	r := &Registry{
		client:      c,
		namespace:   "/erpc",
		ttl:         60,
		logger:      zap.L().Named("erpc.registry.etcd"),
		watchCancel: make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// session is created on first Register, a pure consumer never grants a lease.
func (r *Registry) session() (*concurrency.Session, error) {
	r.sessOnce.Do(func() {
		r.sess, r.sessErr = concurrency.NewSession(r.client, concurrency.WithTTL(r.ttl))
	})
	return r.sess, r.sessErr
}

func (r *Registry) Register(ctx context.Context, inst registry.ServiceInstance) error {
	sess, err := r.session()
	if err != nil {
		return errors.Wrap(err, "etcd: create session")
	}
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, r.instanceKey(inst), string(val), clientv3.WithLease(sess.Lease()))
	return err
}

func (r *Registry) Unregister(ctx context.Context, inst registry.ServiceInstance) error {
	_, err := r.client.Delete(ctx, r.instanceKey(inst))
	return err
}

func (r *Registry) ListServices(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.serviceKey(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	res := make([]registry.ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var si registry.ServiceInstance
		if err = json.Unmarshal(kv.Value, &si); err != nil {
			r.logger.Warn("skip malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		res = append(res, si)
	}
	return res, nil
}

func (r *Registry) Subscribe(serviceName string) (<-chan registry.Event, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = clientv3.WithRequireLeader(ctx)
	r.mutex.Lock()
	r.watchID++
	id := r.watchID
	r.watchCancel[id] = cancel
	r.mutex.Unlock()

	watchCh := r.client.Watch(ctx, r.serviceKey(serviceName), clientv3.WithPrefix())
	res := make(chan registry.Event)
	go func() {
		defer close(res)
		defer r.forget(id)
		for {
			select {
			case resp, ok := <-watchCh:
				if !ok || resp.Canceled {
					return
				}
				if err := resp.Err(); err != nil {
					// compaction or lost leader, the consumer re-resolves
					r.logger.Warn("watch failed", zap.String("service", serviceName), zap.Error(err))
					return
				}
				for _, event := range resp.Events {
					ev := registry.Event{Type: typesMap[event.Type]}
					if event.Type == mvccpb.PUT {
						if err := json.Unmarshal(event.Kv.Value, &ev.Instance); err != nil {
							ev.Type = registry.EventTypeUnknown
						}
					} else {
						ev.Instance = registry.ServiceInstance{
							Name:    serviceName,
							Address: strings.TrimPrefix(string(event.Kv.Key), r.serviceKey(serviceName)),
						}
					}
					select {
					case res <- ev:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return res, nil
}

func (r *Registry) Close() error {
	r.mutex.Lock()
	for id, cancel := range r.watchCancel {
		cancel()
		delete(r.watchCancel, id)
	}
	r.mutex.Unlock()
	if r.sess != nil {
		return r.sess.Close()
	}
	return nil
}

// forget drops the cancel func of a finished watch.
func (r *Registry) forget(id uint64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if cancel, ok := r.watchCancel[id]; ok {
		cancel()
		delete(r.watchCancel, id)
	}
}

func (r *Registry) instanceKey(ins registry.ServiceInstance) string {
	return fmt.Sprintf("%s/%s/%s", r.namespace, ins.Name, ins.Address)
}

// serviceKey ends with a slash so that "user" never matches "user-admin".
func (r *Registry) serviceKey(serviceName string) string {
	return fmt.Sprintf("%s/%s/", r.namespace, serviceName)
}
