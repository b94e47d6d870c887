package inflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateBoundsConcurrency(t *testing.T) {
	g := New(2, nil)

	var cur, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Do(context.Background(), "fake", func(ctx context.Context) error {
				n := atomic.AddInt32(&cur, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&cur, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Fatalf("peak concurrency %d exceeds gate size 2", peak)
	}
	if g.Size() != 2 {
		t.Fatalf("size: got %d", g.Size())
	}
}

func TestGateHonorsContext(t *testing.T) {
	g := New(1, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), "fake", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Do(ctx, "fake", func(ctx context.Context) error { return nil })
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNilGateRunsDirectly(t *testing.T) {
	var g *Gate
	called := false
	if err := g.Do(context.Background(), "x", func(ctx context.Context) error { called = true; return nil }); err != nil || !called {
		t.Fatalf("nil gate: called=%v err=%v", called, err)
	}
}
