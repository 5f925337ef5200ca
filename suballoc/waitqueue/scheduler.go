// Package waitqueue batches many fence waiters onto one background goroutine so a caller can
// await GPU completion without blocking an OS thread per waiter.
package waitqueue

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// FenceStatus is the tri-state result of polling a fence.
type FenceStatus int

const (
	FenceStatusNotReady FenceStatus = iota
	FenceStatusSignaled
)

// Backend is the low-level graphics API surface the scheduler needs: polling one fence and
// blocking on a batch of them. WaitForFences is only called from the scheduler's background
// goroutine, but Wait calls FenceStatus from the caller's goroutine, so FenceStatus may run
// concurrently with WaitForFences and with other FenceStatus calls.
type Backend[F any] interface {
	FenceStatus(fence F) (FenceStatus, error)
	// WaitForFences blocks until at least one (waitAll=false) of fences is signalled or timeout
	// elapses. It returns ErrWaitTimedOut on a timeout, nil on at least one signal, and any
	// other error is treated as terminal by the scheduler.
	WaitForFences(fences []F, waitAll bool, timeout time.Duration) error
}

// ErrWaitTimedOut is returned by a Backend.WaitForFences call that timed out with no fence
// signalled. It is not a failure condition; the scheduler simply tries again.
var ErrWaitTimedOut = errors.New("wait for fences timed out")

// ErrSchedulerDisposed is returned by Wait once the scheduler has been disposed.
var ErrSchedulerDisposed = errors.New("wait scheduler has been disposed")

const (
	drainSleep    = time.Millisecond
	batchTimeout  = 5 * time.Millisecond
	queueCapacity = 256
)

type pendingWait[F any] struct {
	fence  F
	future *Future
}

// Future is the result of a Scheduler.Wait call. It is resolved exactly once, either
// immediately (the fence was already signalled) or later from the scheduler's background
// goroutine.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func completedFuture(err error) *Future {
	f := &Future{done: make(chan struct{})}
	f.err = err
	close(f.done)
	return f
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the future resolves and returns its error, if any.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// Done exposes the resolution channel for callers that want to select on it.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Scheduler multiplexes Wait calls from any number of goroutines onto one background goroutine
// and one Backend.WaitForFences call at a time.
type Scheduler[F any] struct {
	backend Backend[F]
	queue   chan pendingWait[F]
	stop    chan struct{}
	wg      sync.WaitGroup

	mu       sync.RWMutex
	fatalErr error
	disposed bool
}

// New creates a Scheduler and starts its background goroutine. Call Dispose to stop it.
func New[F any](backend Backend[F]) *Scheduler[F] {
	s := &Scheduler[F]{
		backend: backend,
		queue:   make(chan pendingWait[F], queueCapacity),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Wait requests a future that resolves once fence is signalled. If fence is already signalled,
// the returned future is already resolved; if polling it fails, Wait returns that error and no
// future.
func (s *Scheduler[F]) Wait(fence F) (*Future, error) {
	s.mu.RLock()
	fatal := s.fatalErr
	disposed := s.disposed
	s.mu.RUnlock()

	if disposed {
		return nil, ErrSchedulerDisposed
	}
	if fatal != nil {
		return nil, fatal
	}

	status, err := s.backend.FenceStatus(fence)
	if err != nil {
		return nil, err
	}
	if status == FenceStatusSignaled {
		return completedFuture(nil), nil
	}

	future := newFuture()
	select {
	case s.queue <- pendingWait[F]{fence: fence, future: future}:
		return future, nil
	default:
		return nil, errors.New("wait scheduler queue is full")
	}
}

// Dispose stops the background goroutine and waits for it to exit. Already-completed futures
// keep their result; futures still pending when Dispose is called are left unresolved, since
// callers are expected to have drained them beforehand.
func (s *Scheduler[F]) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler[F]) setFatal(err error) {
	s.mu.Lock()
	s.fatalErr = err
	s.mu.Unlock()
}

func (s *Scheduler[F]) run() {
	defer s.wg.Done()

	var pending []pendingWait[F]
	for {
		select {
		case <-s.stop:
			return
		default:
		}

	drain:
		for {
			select {
			case req := <-s.queue:
				pending = append(pending, req)
			default:
				break drain
			}
		}

		if len(pending) == 0 {
			select {
			case <-s.stop:
				return
			case <-time.After(drainSleep):
			}
			continue
		}

		fences := make([]F, len(pending))
		for i, p := range pending {
			fences[i] = p.fence
		}

		err := s.backend.WaitForFences(fences, false, batchTimeout)
		switch {
		case errors.Is(err, ErrWaitTimedOut):
			continue
		case err == nil:
			remaining := pending[:0]
			for _, p := range pending {
				status, statusErr := s.backend.FenceStatus(p.fence)
				switch {
				case statusErr != nil:
					p.future.resolve(statusErr)
				case status == FenceStatusSignaled:
					p.future.resolve(nil)
				default:
					remaining = append(remaining, p)
				}
			}
			pending = remaining
		default:
			s.setFatal(err)
			for _, p := range pending {
				p.future.resolve(err)
			}
			pending = nil
		}
	}
}
