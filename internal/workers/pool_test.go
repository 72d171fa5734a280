// Package workers_test provides tests for the bounded worker pool.
package workers_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/workers"
)

func TestSubmitBeforeStartFails(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test"))
	if err := p.SubmitFunc(func() error { return nil }); !errors.Is(err, workers.ErrPoolStopped) {
		t.Errorf("err = %v, want pool stopped", err)
	}
}

func TestTasksRun(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test"))
	p.Start()
	defer p.Stop()

	var done sync.WaitGroup
	var count atomic.Int64
	for i := 0; i < 50; i++ {
		done.Add(1)
		if err := p.SubmitFunc(func() error {
			defer done.Done()
			count.Add(1)
			return nil
		}); err != nil {
			done.Done()
			t.Fatalf("submit: %v", err)
		}
	}
	done.Wait()
	if count.Load() != 50 {
		t.Errorf("ran %d tasks, want 50", count.Load())
	}
}

func TestMapCoversAllItems(t *testing.T) {
	cfg := workers.DefaultPoolConfig("test")
	cfg.NumWorkers = 2
	cfg.QueueSize = 1
	p := workers.NewPool(zap.NewNop(), cfg)
	p.Start()
	defer p.Stop()

	items := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var mu sync.Mutex
	seen := make(map[string]bool)
	p.Map(items, func(item string) error {
		mu.Lock()
		seen[item] = true
		mu.Unlock()
		return nil
	})

	// A tiny queue forces inline fallback; every item must still run.
	if len(seen) != len(items) {
		t.Errorf("processed %d items, want %d", len(seen), len(items))
	}
}

func TestPanicRecovered(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test"))
	p.Start()
	defer p.Stop()

	var done sync.WaitGroup
	done.Add(1)
	p.SubmitFunc(func() error {
		defer done.Done()
		panic("boom")
	})
	done.Wait()

	// The pool survives and keeps serving.
	ran := make(chan struct{})
	p.SubmitFunc(func() error { close(ran); return nil })
	<-ran
	if p.Stats().PanicRecovered != 1 {
		t.Errorf("panics = %d, want 1", p.Stats().PanicRecovered)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test"))
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}
