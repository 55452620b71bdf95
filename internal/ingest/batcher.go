package ingest

import (
	"sync"
	"time"
)

// Batcher accumulates rows and hands them to a flush function in groups.
// The pipeline uses it for telemetry events, which arrive one per inbound
// message but are cheapest to insert as a single COPY.
type Batcher[T any] struct {
	mu       sync.Mutex
	items    []T
	maxSize  int
	interval time.Duration
	flushFn  func([]T)
	timer    *time.Timer
	stopped  bool
	wg       sync.WaitGroup
}

// NewBatcher builds a batcher that flushes once maxSize rows are pending or
// interval has passed since the first pending row, whichever happens first.
func NewBatcher[T any](maxSize int, interval time.Duration, flushFn func([]T)) *Batcher[T] {
	return &Batcher[T]{
		maxSize:  maxSize,
		interval: interval,
		flushFn:  flushFn,
	}
}

// Add queues one row. A full batch flushes inline; otherwise the first row
// arms the interval timer.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	b.items = append(b.items, item)

	if len(b.items) >= b.maxSize {
		b.flushLocked()
		return
	}

	// Start timer on first item
	if len(b.items) == 1 {
		b.timer = time.AfterFunc(b.interval, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.stopped && len(b.items) > 0 {
				b.flushLocked()
			}
		})
	}
}

// Flush pushes out whatever is pending without waiting for the threshold.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) > 0 {
		b.flushLocked()
	}
}

// Stop drains pending rows, waits for in-flight flushes, and refuses any
// later Add. Called once on pipeline shutdown.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
	if len(b.items) > 0 {
		b.flushLocked()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Batcher[T]) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.items
	b.items = nil
	// flushFn may call back into Add, so it runs off-lock.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.flushFn(items)
	}()
}
