// Package router resolves logical destination names and fans announcements out to them.
//
// Names are resolved once in the background and cached for the life of the
// process. Each resolved destination gets its own worker so messages to one
// destination are sent in the order they were announced.
package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notify_bot/internal/model"
	"notify_bot/internal/retry"
)

// Destination is a resolved chat channel.
type Destination struct {
	Name  string // logical name as configured, e.g. "Galaxy/announcements"
	ID    string // platform id
	Label string // human readable name for logs
}

// Platform is a chat platform the router announces to.
type Platform interface {
	Resolve(ctx context.Context, name string) (Destination, error)
	Send(ctx context.Context, dst Destination, msg model.Message) error
}

// Config tunes a Router. Zero fields take defaults.
type Config struct {
	SendPolicy    retry.Policy
	ResolveDelay  time.Duration
	RatePerSecond float64
	Burst         int
}

func (c Config) withDefaults() Config {
	if c.SendPolicy.Attempts == 0 {
		c.SendPolicy = retry.DefaultPolicy()
	}
	if c.ResolveDelay <= 0 {
		c.ResolveDelay = 10 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	return c
}

// Router routes announcements to resolved destinations of one platform.
type Router struct {
	platform Platform
	cfg      Config
	limiter  *rate.Limiter
	log      *slog.Logger

	resolveCtx    context.Context
	cancelResolve context.CancelFunc
	sendCtx       context.Context
	cancelSend    context.CancelFunc

	mu       sync.Mutex
	resolved map[string]Destination
	pending  map[string]bool
	queues   map[string]*queue
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Router for the given platform.
func New(platform Platform, cfg Config, log *slog.Logger) *Router {
	cfg = cfg.withDefaults()
	resolveCtx, cancelResolve := context.WithCancel(context.Background())
	sendCtx, cancelSend := context.WithCancel(context.Background())
	return &Router{
		platform:      platform,
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:           log.With("component", "router"),
		resolveCtx:    resolveCtx,
		cancelResolve: cancelResolve,
		sendCtx:       sendCtx,
		cancelSend:    cancelSend,
		resolved:      make(map[string]Destination),
		pending:       make(map[string]bool),
		queues:        make(map[string]*queue),
	}
}

// Resolve starts a background lookup of name unless it is already resolved or pending.
// Failed lookups are retried every ResolveDelay until they succeed or the router closes.
func (r *Router) Resolve(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pending[name] {
		return
	}
	if _, ok := r.resolved[name]; ok {
		return
	}
	r.pending[name] = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		var dst Destination
		err := retry.Forever(r.resolveCtx, r.cfg.ResolveDelay, func(ctx context.Context) error {
			d, err := r.platform.Resolve(ctx, name)
			if err != nil {
				return err
			}
			dst = d
			return nil
		}, func(err error) {
			r.log.Warn("unable to resolve destination", "name", name, "retry_in", r.cfg.ResolveDelay, "error", err)
		})

		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.pending, name)
		if err != nil {
			return
		}
		if dst.Name == "" {
			dst.Name = name
		}
		r.resolved[name] = dst
		r.log.Info("destination resolved", "name", name, "id", dst.ID, "label", dst.Label)
	}()
}

// ResolveAll calls Resolve for every name.
func (r *Router) ResolveAll(names []string) {
	for _, n := range names {
		r.Resolve(n)
	}
}

// Lookup returns the cached destination for name.
func (r *Router) Lookup(name string) (Destination, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.resolved[name]
	return d, ok
}

// Destinations returns all resolved destinations sorted by name.
func (r *Router) Destinations() []Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Destination, 0, len(r.resolved))
	for _, d := range r.resolved {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Announce queues msg for every resolved destination among names.
// Names not resolved yet are skipped.
func (r *Router) Announce(names []string, msg model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.Warn("router closed, announcement dropped", "destinations", len(names))
		return
	}

	for _, name := range names {
		dst, ok := r.resolved[name]
		if !ok {
			r.log.Info("destination not found", "name", name)
			continue
		}
		q, ok := r.queues[name]
		if !ok {
			q = newQueue()
			r.queues[name] = q
			r.wg.Add(1)
			go r.work(dst, q)
		}
		q.push(msg)
	}
}

func (r *Router) work(dst Destination, q *queue) {
	defer r.wg.Done()
	for {
		msg, ok := q.pop()
		if !ok {
			return
		}
		r.send(dst, msg)
	}
}

func (r *Router) send(dst Destination, msg model.Message) {
	log := r.log.With("destination", dst.Name)
	_, _ = retry.Do(r.sendCtx, r.cfg.SendPolicy, func(ctx context.Context) (struct{}, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, r.platform.Send(ctx, dst, msg)
	}, retry.Callbacks[struct{}]{
		OnSuccess: func(struct{}) {
			log.Info("announced")
		},
		OnRetry: func(err error, delay time.Duration) {
			log.Warn("unable to announce", "retry_in", delay, "error", err)
		},
		OnFailure: func(err error) {
			log.Warn("unable to announce, giving up", "error", err)
		},
	})
}

// Close stops pending lookups and waits for queued messages to be sent.
// When ctx expires first, in-flight sends are cancelled.
func (r *Router) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	for _, q := range r.queues {
		q.close()
	}
	r.mu.Unlock()

	r.cancelResolve()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.cancelSend()
		<-done
	}
	r.cancelSend()
}

// queue is an unbounded FIFO of messages for one destination.
type queue struct {
	mu     sync.Mutex
	items  []model.Message
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(msg model.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until a message is available or the queue is closed and drained.
func (q *queue) pop() (model.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		if q.closed {
			q.mu.Unlock()
			return model.Message{}, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}
