package directory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"erpc/internal/errs"
	"erpc/registry"

	"github.com/cockroachdb/errors"
	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Directory caches the endpoint set of every subscribed service and keeps it
// current through one watch per service. Readers never block: snapshots are
// replaced atomically and never mutated.
//
// While the backend is unreachable the last known set keeps being served. With
// a positive StaleAfter the set is emptied once no resolve has succeeded for that
// long, so calls fail fast instead of hitting providers that may be gone.
type Directory struct {
	backend        registry.Registry
	logger         *zap.Logger
	backoff        Backoff
	staleAfter     time.Duration
	resolveTimeout time.Duration

	entries sync.Map
	group   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	// guards wg.Add against Close
	mutex  sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

type entry struct {
	service string
	set     atomic.Pointer[EndpointSet]
	// unix nano of the first failure since the backend was last reachable, 0 while healthy
	failingSince atomic.Int64
}

// Handle is the live view of one subscribed service.
type Handle struct {
	e *entry
}

func (h *Handle) Service() string {
	return h.e.service
}

func (h *Handle) Current() *EndpointSet {
	return h.e.set.Load()
}

func WithBackoff(b Backoff) option.Option[Directory] {
	return func(d *Directory) {
		d.backoff = b
	}
}

// WithStaleAfter switches from serving stale sets forever to emptying them after
// the backend has been silent for the given duration. Zero keeps serving.
func WithStaleAfter(dur time.Duration) option.Option[Directory] {
	return func(d *Directory) {
		d.staleAfter = dur
	}
}

func WithResolveTimeout(timeout time.Duration) option.Option[Directory] {
	return func(d *Directory) {
		d.resolveTimeout = timeout
	}
}

func WithLogger(l *zap.Logger) option.Option[Directory] {
	return func(d *Directory) {
		d.logger = l
	}
}

// New takes ownership of backend, it is closed by Close.
func New(backend registry.Registry, opts ...option.Option[Directory]) *Directory {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Directory{
		backend:        backend,
		logger:         zap.L().Named("erpc.directory"),
		backoff:        DefaultBackoff(),
		resolveTimeout: 3 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe starts tracking service and returns its handle. The first call
// resolves synchronously. If that resolve fails the handle starts with an empty
// set and the watch keeps retrying in the background.
func (d *Directory) Subscribe(ctx context.Context, service string) (*Handle, error) {
	if d.closed.Load() {
		return nil, errs.ErrClientClosed
	}
	if e, ok := d.entries.Load(service); ok {
		return &Handle{e: e.(*entry)}, nil
	}
	val, err, _ := d.group.Do(service, func() (any, error) {
		if e, ok := d.entries.Load(service); ok {
			return e, nil
		}
		e := &entry{service: service}
		if rerr := d.resolve(ctx, e); rerr != nil {
			d.logger.Warn("initial resolve failed, serving empty set",
				zap.String("service", service), zap.Error(rerr))
			e.set.Store(NewEndpointSet(service, 1, nil))
		}
		d.mutex.Lock()
		defer d.mutex.Unlock()
		if d.closed.Load() {
			return nil, errs.ErrClientClosed
		}
		d.entries.Store(service, e)
		d.wg.Add(1)
		go d.watch(e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return &Handle{e: val.(*entry)}, nil
}

// Current returns the last known set of service, an empty version 0 set when
// the service was never subscribed.
// Watching reports whether service has been subscribed.
func (d *Directory) Watching(service string) bool {
	_, ok := d.entries.Load(service)
	return ok
}

func (d *Directory) Current(service string) *EndpointSet {
	if e, ok := d.entries.Load(service); ok {
		if set := e.(*entry).set.Load(); set != nil {
			return set
		}
	}
	return &EndpointSet{Service: service}
}

func (d *Directory) Close() error {
	d.mutex.Lock()
	if !d.closed.CompareAndSwap(false, true) {
		d.mutex.Unlock()
		return nil
	}
	d.mutex.Unlock()
	d.cancel()
	d.wg.Wait()
	return d.backend.Close()
}

func (d *Directory) watch(e *entry) {
	defer d.wg.Done()
	logger := d.logger.With(zap.String("service", e.service))
	attempt := 0
	for {
		events, err := d.backend.Subscribe(e.service)
		if err == nil {
			// catch up on whatever changed while we were not watching
			if err = d.resolve(d.ctx, e); err == nil {
				attempt = 0
			} else {
				d.markFailing(e, logger)
			}
			d.consume(e, events, logger)
			if d.ctx.Err() != nil {
				return
			}
			logger.Warn("watch closed")
		} else {
			logger.Warn("subscribe failed", zap.Error(err))
		}
		d.markFailing(e, logger)

		delay := d.backoff.Next(attempt)
		attempt++
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume re-resolves on every event until the channel closes. Events are only
// hints, the full list is the source of truth.
//
// A watch channel may stay open while the backend is unreachable, so with a
// positive StaleAfter the staleness is also checked on a timer.
func (d *Directory) consume(e *entry, events <-chan registry.Event, logger *zap.Logger) {
	var staleTick <-chan time.Time
	if d.staleAfter > 0 {
		ticker := time.NewTicker(d.staleAfter / 2)
		defer ticker.Stop()
		staleTick = ticker.C
	}
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-staleTick:
			d.checkStale(e, logger)
		case _, ok := <-events:
			if !ok {
				return
			}
			if err := d.resolve(d.ctx, e); err != nil {
				logger.Warn("resolve failed", zap.Error(err))
				d.markFailing(e, logger)
			}
		}
	}
}

func (d *Directory) resolve(ctx context.Context, e *entry) error {
	ctx, cancel := context.WithTimeout(ctx, d.resolveTimeout)
	defer cancel()
	instances, err := d.backend.ListServices(ctx, e.service)
	if err != nil {
		return errors.Wrapf(err, "directory: resolve %s", e.service)
	}
	eps := make([]Endpoint, 0, len(instances))
	for _, inst := range instances {
		ep, perr := ParseEndpoint(inst)
		if perr != nil {
			d.logger.Warn("skip instance", zap.String("service", e.service), zap.Error(perr))
			continue
		}
		eps = append(eps, ep)
	}
	e.failingSince.Store(0)
	d.install(e, eps)
	return nil
}

// install publishes a new snapshot when membership changed. Only the watch
// goroutine of e writes, apart from the initial resolve before it starts.
func (d *Directory) install(e *entry, eps []Endpoint) {
	old := e.set.Load()
	var version uint64
	if old != nil {
		next := NewEndpointSet(e.service, 0, eps)
		if sameMembers(old.Endpoints, next.Endpoints) {
			return
		}
		version = old.Version
	}
	set := NewEndpointSet(e.service, version+1, eps)
	e.set.Store(set)
	d.logger.Debug("endpoint set updated",
		zap.String("service", e.service), zap.Uint64("version", set.Version), zap.Int("size", set.Len()))
}

// markFailing starts the silence clock on the first failure after a healthy
// period and checks it.
func (d *Directory) markFailing(e *entry, logger *zap.Logger) {
	e.failingSince.CompareAndSwap(0, time.Now().UnixNano())
	d.checkStale(e, logger)
}

func (d *Directory) checkStale(e *entry, logger *zap.Logger) {
	if d.staleAfter <= 0 {
		return
	}
	since := e.failingSince.Load()
	if since == 0 {
		return
	}
	silence := time.Since(time.Unix(0, since))
	if silence < d.staleAfter || e.set.Load().Empty() {
		return
	}
	logger.Warn("backend unreachable too long, dropping endpoints", zap.Duration("silence", silence))
	d.install(e, nil)
}
