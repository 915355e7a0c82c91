// Package actor runs keyed single-writer units of work. Every request sent to
// one key executes on that key's goroutine in arrival order; different keys
// run concurrently and share nothing but the backing datastore.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"go.uber.org/zap"
)

const (
	// DefaultMailboxSize bounds queued requests per actor.
	DefaultMailboxSize = 256
)

var (
	// ErrStopped is returned for requests sent to a stopped actor.
	ErrStopped = errors.New("actor: stopped")
	// ErrPanic wraps a recovered panic from a request handler.
	ErrPanic = errors.New("actor: handler panic")
)

// Func is one serialized unit of work.
type Func func(ctx context.Context) error

type request struct {
	ctx    context.Context
	fn     Func
	result chan error
}

// System owns every live actor and the shared datastore.
type System struct {
	store       ds.Batching
	logger      *zap.Logger
	mailboxSize int

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewSystem creates an actor system over store.
func NewSystem(store ds.Batching, logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{
		store:       store,
		logger:      logger,
		mailboxSize: DefaultMailboxSize,
		actors:      make(map[string]*Actor),
	}
}

// Get returns the actor for key, starting it on first use.
func (s *System) Get(key string) (*Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStopped
	}
	if a, ok := s.actors[key]; ok {
		return a, nil
	}

	a := &Actor{
		key:     key,
		storage: &Storage{ds: namespace.Wrap(s.store, ds.NewKey(key))},
		logger:  s.logger.With(zap.String("actor", key)),
		mailbox: make(chan request, s.mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.actors[key] = a
	go a.run()
	return a, nil
}

// Len returns the number of live actors.
func (s *System) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// Remove stops the actor for key. Its persisted state is kept.
func (s *System) Remove(key string) {
	s.mu.Lock()
	a, ok := s.actors[key]
	delete(s.actors, key)
	s.mu.Unlock()

	if ok {
		a.stop()
	}
}

// Close stops every actor and waits for in-flight requests to finish.
func (s *System) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	actors := s.actors
	s.actors = make(map[string]*Actor)
	s.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}

// Actor serializes requests for one key.
type Actor struct {
	key     string
	storage *Storage
	logger  *zap.Logger

	mailbox chan request
	quit    chan struct{}
	done    chan struct{}
	stopOne sync.Once

	alarmMu sync.Mutex
	alarm   *time.Timer
}

// Key returns the actor key.
func (a *Actor) Key() string {
	return a.key
}

// Storage returns the actor's namespaced durable store.
func (a *Actor) Storage() *Storage {
	return a.storage
}

// Do enqueues fn and waits for it to complete. Requests queued before fn
// finish first.
func (a *Actor) Do(ctx context.Context, fn Func) error {
	req := request{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case <-a.quit:
		return ErrStopped
	default:
	}

	select {
	case a.mailbox <- req:
	case <-a.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-a.done:
		// The loop may have finished this request just before exiting.
		select {
		case err := <-req.result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAlarm schedules fn as an ordinary request after d, replacing any
// pending alarm.
func (a *Actor) SetAlarm(d time.Duration, fn Func) {
	a.alarmMu.Lock()
	defer a.alarmMu.Unlock()

	select {
	case <-a.quit:
		return
	default:
	}

	if a.alarm != nil {
		a.alarm.Stop()
	}
	a.alarm = time.AfterFunc(d, func() {
		if err := a.Do(context.Background(), fn); err != nil && !errors.Is(err, ErrStopped) {
			a.logger.Warn("alarm failed", zap.Error(err))
		}
	})
}

// Every runs fn every interval. The next run is scheduled only after the
// current one returns, so runs never overlap and a slow sweep delays the next.
func (a *Actor) Every(interval time.Duration, fn Func) {
	var tick Func
	tick = func(ctx context.Context) error {
		defer a.SetAlarm(interval, tick)
		return fn(ctx)
	}
	a.SetAlarm(interval, tick)
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case req := <-a.mailbox:
			req.result <- a.invoke(req)
		case <-a.quit:
			return
		}
	}
}

func (a *Actor) invoke(req request) (err error) {
	if ctxErr := req.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("handler panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return req.fn(req.ctx)
}

func (a *Actor) stop() {
	a.stopOne.Do(func() {
		a.alarmMu.Lock()
		close(a.quit)
		if a.alarm != nil {
			a.alarm.Stop()
		}
		a.alarmMu.Unlock()
		<-a.done
	})
}
