package stage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobsRunInOrderWithoutOverlap(t *testing.T) {
	w := NewWorker("test", 16)
	defer w.Close()

	var running atomic.Int32
	var mu sync.Mutex
	var order []int
	futures := make([]*Future[int], 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		futures = append(futures, Submit(context.Background(), w, func(ctx context.Context) (int, error) {
			if running.Add(1) != 1 {
				t.Error("jobs overlapped")
			}
			defer running.Add(-1)
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i * 2, nil
		}))
	}
	for i, f := range futures {
		v, err := f.Wait(context.Background())
		if err != nil || v != i*2 {
			t.Fatalf("future %d = %d, %v", i, v, err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestWaitHonoursDeadlineAndDiscardsLateResult(t *testing.T) {
	w := NewWorker("slow", 4)
	defer w.Close()

	release := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Do(ctx, w, func(context.Context) (string, error) {
		<-release
		return "late", nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	close(release)

	// The worker is free again once the abandoned job returns.
	v, err := Do(context.Background(), w, func(context.Context) (string, error) { return "next", nil })
	if err != nil || v != "next" {
		t.Fatalf("next job = %q, %v", v, err)
	}
}

func TestExpiredJobIsSkipped(t *testing.T) {
	w := NewWorker("skip", 4)
	defer w.Close()

	block := make(chan struct{})
	first := Submit(context.Background(), w, func(context.Context) (int, error) {
		<-block
		return 1, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	second := Submit(ctx, w, func(context.Context) (int, error) {
		ran = true
		return 2, nil
	})
	cancel()
	close(block)
	if _, err := first.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-second.Done()
	if _, err := second.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if ran {
		t.Fatal("cancelled job ran")
	}
	if _, skipped, _ := w.Stats(); skipped != 1 {
		t.Fatalf("skipped = %d", skipped)
	}
}

func TestPanicBecomesError(t *testing.T) {
	w := NewWorker("panicky", 1)
	defer w.Close()
	_, err := Do(context.Background(), w, func(context.Context) (int, error) {
		panic("boom")
	})
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("err = %v", err)
	}
	if v, err := Do(context.Background(), w, func(context.Context) (int, error) { return 3, nil }); err != nil || v != 3 {
		t.Fatal("worker died after panic")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewPool()
	p.Close()
	_, err := Do(context.Background(), p.Synthesize, func(context.Context) (int, error) { return 1, nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestTrySubmitNeverBlocks(t *testing.T) {
	w := NewWorker("partials", 1)
	defer w.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	running := Submit(context.Background(), w, func(context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	<-started
	queued, ok := TrySubmit(context.Background(), w, func(context.Context) (int, error) { return 2, nil })
	if !ok {
		t.Fatal("queue had room but TrySubmit refused")
	}

	done := make(chan bool)
	go func() {
		_, ok := TrySubmit(context.Background(), w, func(context.Context) (int, error) { return 3, nil })
		done <- ok
	}()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("TrySubmit queued onto a full worker")
		}
	case <-time.After(time.Second):
		t.Fatal("TrySubmit blocked on a full queue")
	}
	if _, skipped, _ := w.Stats(); skipped != 1 {
		t.Fatalf("skipped = %d", skipped)
	}

	close(release)
	if v, err := running.Wait(context.Background()); v != 1 || err != nil {
		t.Fatalf("running = %d, %v", v, err)
	}
	if v, err := queued.Wait(context.Background()); v != 2 || err != nil {
		t.Fatalf("queued = %d, %v", v, err)
	}
}

func TestTrySubmitAfterClose(t *testing.T) {
	w := NewWorker("closed", 1)
	w.Close()
	if f, ok := TrySubmit(context.Background(), w, func(context.Context) (int, error) { return 1, nil }); ok || f != nil {
		t.Fatal("TrySubmit accepted work after Close")
	}
}
