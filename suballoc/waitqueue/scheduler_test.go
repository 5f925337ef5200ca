package waitqueue

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu        sync.Mutex
	signalled map[string]bool
	waitCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{signalled: make(map[string]bool)}
}

func (b *fakeBackend) signal(fence string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signalled[fence] = true
}

func (b *fakeBackend) FenceStatus(fence string) (FenceStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signalled[fence] {
		return FenceStatusSignaled, nil
	}
	return FenceStatusNotReady, nil
}

func (b *fakeBackend) WaitForFences(fences []string, waitAll bool, timeout time.Duration) error {
	b.mu.Lock()
	b.waitCalls++
	anySignalled := false
	for _, f := range fences {
		if b.signalled[f] {
			anySignalled = true
			break
		}
	}
	b.mu.Unlock()

	if anySignalled {
		return nil
	}
	time.Sleep(timeout)
	return ErrWaitTimedOut
}

func TestSchedulerSignalsOnlyMatchingFence(t *testing.T) {
	backend := newFakeBackend()
	backend.signal("F5")

	scheduler := New[string](backend)
	defer scheduler.Dispose()

	futures := make(map[string]*Future, 10)
	for i := 1; i <= 10; i++ {
		fence := fenceName(i)
		future, err := scheduler.Wait(fence)
		if err != nil {
			t.Fatalf("Wait(%s) returned error: %v", fence, err)
		}
		futures[fence] = future
	}

	select {
	case <-futures["F5"].Done():
		if err := futures["F5"].Wait(); err != nil {
			t.Fatalf("F5 future resolved with error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("F5 future never resolved")
	}

	for i := 1; i <= 10; i++ {
		fence := fenceName(i)
		if fence == "F5" {
			continue
		}
		select {
		case <-futures[fence].Done():
			t.Fatalf("future for %s resolved but its fence was never signalled", fence)
		default:
		}
	}
}

func TestSchedulerDisposeJoinsPromptly(t *testing.T) {
	backend := newFakeBackend()
	scheduler := New[string](backend)

	if _, err := scheduler.Wait("F1"); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		scheduler.Dispose()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispose did not return within bounded time")
	}
}

func TestSchedulerAlreadySignalledFenceCompletesImmediately(t *testing.T) {
	backend := newFakeBackend()
	backend.signal("F1")

	scheduler := New[string](backend)
	defer scheduler.Dispose()

	future, err := scheduler.Wait("F1")
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	select {
	case <-future.Done():
	default:
		t.Fatal("expected an already-signalled fence to produce an already-resolved future")
	}
}

func TestSchedulerFatalErrorRejectsFutureWaiters(t *testing.T) {
	fatalBackend := &erroringBackend{err: errDriverLost}
	scheduler := New[string](fatalBackend)
	defer scheduler.Dispose()

	future, err := scheduler.Wait("F1")
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	select {
	case <-future.Done():
		if future.Wait() != errDriverLost {
			t.Fatalf("expected future to fail with %v, got %v", errDriverLost, future.Wait())
		}
	case <-time.After(time.Second):
		t.Fatal("future never resolved after fatal backend error")
	}

	if _, err := scheduler.Wait("F2"); err != errDriverLost {
		t.Fatalf("expected subsequent Wait to fail with %v, got %v", errDriverLost, err)
	}
}

var errDriverLost = errors.New("device lost")

type erroringBackend struct {
	err error
}

func (b *erroringBackend) FenceStatus(fence string) (FenceStatus, error) {
	return FenceStatusNotReady, nil
}

func (b *erroringBackend) WaitForFences(fences []string, waitAll bool, timeout time.Duration) error {
	return b.err
}

func fenceName(i int) string {
	digits := "0123456789"
	if i < 10 {
		return "F" + string(digits[i])
	}
	return "F" + string(digits[1]) + string(digits[0]) // F10
}
