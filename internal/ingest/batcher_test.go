package ingest

import (
	"sync"
	"testing"
	"time"
)

func TestBatcher(t *testing.T) {
	collect := func() (func([]int), func() [][]int) {
		var mu sync.Mutex
		var batches [][]int
		flush := func(items []int) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, items)
		}
		snapshot := func() [][]int {
			mu.Lock()
			defer mu.Unlock()
			return append([][]int(nil), batches...)
		}
		return flush, snapshot
	}

	t.Run("flushes_on_size_threshold", func(t *testing.T) {
		flush, snapshot := collect()
		b := NewBatcher(3, time.Hour, flush)
		defer b.Stop()

		b.Add(1)
		b.Add(2)
		b.Add(3)
		b.Flush() // no-op, size flush already ran
		b.Stop()

		batches := snapshot()
		if len(batches) != 1 || len(batches[0]) != 3 {
			t.Fatalf("batches = %v, want one batch of three", batches)
		}
	})

	t.Run("flushes_on_interval", func(t *testing.T) {
		flush, snapshot := collect()
		b := NewBatcher(100, 10*time.Millisecond, flush)
		defer b.Stop()

		b.Add(1)
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if len(snapshot()) > 0 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		batches := snapshot()
		if len(batches) != 1 || len(batches[0]) != 1 {
			t.Fatalf("batches = %v, want timer flush of one row", batches)
		}
	})

	t.Run("stop_drains_and_blocks_later_adds", func(t *testing.T) {
		flush, snapshot := collect()
		b := NewBatcher(100, time.Hour, flush)

		b.Add(1)
		b.Add(2)
		b.Stop()
		b.Add(3)

		batches := snapshot()
		if len(batches) != 1 || len(batches[0]) != 2 {
			t.Fatalf("batches = %v, want drained pair and no post-stop rows", batches)
		}
	})
}
