package registry

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrHomeClosed is returned when work is posted to a closed home context.
var ErrHomeClosed = errors.New("home context is closed")

// Home serializes every call that touches a native handle onto one goroutine
// locked to its OS thread. Jobs run in the order they were posted.
//
// Post never blocks, so notification callbacks can marshal work here without
// stalling the OS delivery thread. Do and Close must not be called from a job.
type Home struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	doneCh chan struct{}
}

// NewHome starts the home goroutine.
func NewHome() *Home {
	h := &Home{doneCh: make(chan struct{})}
	h.cond = sync.NewCond(&h.mu)
	go h.loop()
	return h
}

func (h *Home) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(h.doneCh)

	for {
		job, ok := h.next()
		if !ok {
			return
		}
		job()
	}
}

// next blocks until a job is queued. After Close the queue is drained before
// the loop exits.
func (h *Home) next() (func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.queue) == 0 && !h.closed {
		h.cond.Wait()
	}
	if len(h.queue) == 0 {
		return nil, false
	}
	job := h.queue[0]
	h.queue[0] = nil
	h.queue = h.queue[1:]
	return job, true
}

// Post enqueues fn and returns false if the context is closed.
func (h *Home) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.queue = append(h.queue, fn)
	h.cond.Signal()
	return true
}

// Do runs fn on the home goroutine and waits for its result.
// If ctx ends first the job may still run later.
func (h *Home) Do(ctx context.Context, fn func() error) error {
	resultCh := make(chan error, 1)
	if !h.Post(func() {
		if fn == nil {
			resultCh <- nil
			return
		}
		resultCh <- fn()
	}) {
		return ErrHomeClosed
	}
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued jobs.
func (h *Home) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Close stops accepting jobs, drains the queue and waits for the goroutine.
func (h *Home) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		h.cond.Broadcast()
	}
	h.mu.Unlock()
	<-h.doneCh
}
