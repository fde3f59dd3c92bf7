// Package scheduler runs remote operations off the caller's goroutine and
// guarantees at most one in-flight run per (host, kind) pair.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ArthurPierce23/mtadmin/internal/logging"
)

var (
	// ErrInProgress is returned when a run for the same key has not
	// finished yet. The request is dropped, not queued.
	ErrInProgress = errors.New("previous request still in progress")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Key identifies a refresh target.
type Key struct {
	Host string
	Kind string
}

func (k Key) String() string {
	return k.Host + "/" + k.Kind
}

// Completion describes a finished run.
type Completion struct {
	RunID    string
	Key      Key
	Started  time.Time
	Finished time.Time
	Err      error
}

// Duration is how long the run took.
func (c Completion) Duration() time.Duration {
	return c.Finished.Sub(c.Started)
}

// Future is the pending result of a submitted run.
type Future[T any] struct {
	done       chan struct{}
	value      T
	completion Completion
}

// Done is closed when the run finishes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// RunID returns the run's unique id.
func (f *Future[T]) RunID() string {
	return f.completion.RunID
}

// Wait blocks until the run finishes or ctx ends. Giving up does not
// cancel the run.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.completion.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Completion returns the run's metadata. It is only meaningful after Done
// is closed.
func (f *Future[T]) Completion() Completion {
	<-f.done
	return f.completion
}

// Scheduler tracks in-flight runs.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger logging.Logger

	mu      sync.Mutex
	running map[Key]string
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler. Its runs are cancelled by Stop.
func New(logger logging.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logging.OrNop(logger),
		running: make(map[Key]string),
	}
}

// Submit starts fn for key unless a run for key is still in flight, in
// which case it returns ErrInProgress. fn's context ends when ctx does or
// when the scheduler stops.
func Submit[T any](s *Scheduler, ctx context.Context, key Key, fn func(context.Context) (T, error)) (*Future[T], error) {
	runID := uuid.NewString()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if _, busy := s.running[key]; busy {
		s.mu.Unlock()
		return nil, ErrInProgress
	}
	s.running[key] = runID
	s.wg.Add(1)
	s.mu.Unlock()

	return start(s, ctx, key, runID, fn, func() {
		s.mu.Lock()
		if s.running[key] == runID {
			delete(s.running, key)
		}
		s.mu.Unlock()
	}), nil
}

// Go starts fn without a key. It never returns ErrInProgress.
func Go[T any](s *Scheduler, ctx context.Context, fn func(context.Context) (T, error)) (*Future[T], error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	return start(s, ctx, Key{}, uuid.NewString(), fn, func() {}), nil
}

func start[T any](s *Scheduler, ctx context.Context, key Key, runID string, fn func(context.Context) (T, error), release func()) *Future[T] {
	f := &Future[T]{
		done:       make(chan struct{}),
		completion: Completion{RunID: runID, Key: key, Started: time.Now()},
	}
	runCtx, cancel := context.WithCancel(context.WithValue(ctx, runIDKey{}, runID))
	stopLink := context.AfterFunc(s.ctx, cancel)

	go func() {
		defer s.wg.Done()
		defer close(f.done)
		defer release()
		defer cancel()
		defer stopLink()

		f.value, f.completion.Err = call(runCtx, fn)
		f.completion.Finished = time.Now()
		if f.completion.Err != nil && key != (Key{}) {
			s.logger.Debug("run failed", map[string]string{
				"key":    key.String(),
				"run_id": runID,
				"error":  f.completion.Err.Error(),
			})
		}
	}()
	return f
}

type runIDKey struct{}

// RunID returns the id of the run executing with ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// call runs fn and turns a panic into an error so one bad collector does
// not take the process down.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// InFlight reports whether a run for key has not finished.
func (s *Scheduler) InFlight(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.running[key]
	return busy
}

// Every runs fn for key now and then every interval until the returned
// stop function is called or the scheduler stops. Ticks that find the
// previous run still going are skipped. onDone, if set, receives every
// completion.
func (s *Scheduler) Every(key Key, interval time.Duration, fn func(context.Context) error, onDone func(Completion)) (stop func()) {
	ctx, cancel := context.WithCancel(s.ctx)
	tick := func() {
		fut, err := Submit(s, ctx, key, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
		if err != nil {
			if errors.Is(err, ErrInProgress) {
				s.logger.Debug("refresh skipped, previous run in progress", map[string]string{"key": key.String()})
			}
			return
		}
		if onDone != nil {
			go func() {
				c := fut.Completion()
				if ctx.Err() == nil {
					onDone(c)
				}
			}()
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return func() {}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
	return cancel
}

// Stop cancels every run and periodic refresh and waits for them to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
