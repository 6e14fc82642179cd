package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestFIFOEvictionOrder(t *testing.T) {
	const capacity, n = 3, 5
	c := New(capacity)
	for i := 0; i < n; i++ {
		c.Put(fmt.Sprintf("response %d", i), []byte{byte(i)})
	}
	for i := 0; i < n; i++ {
		got := c.Contains(fmt.Sprintf("response %d", i))
		want := i >= n-capacity
		if got != want {
			t.Errorf("entry %d present = %v, want %v", i, got, want)
		}
	}
	if s := c.Stats(); s.Size != capacity {
		t.Fatalf("Size = %d, want %d", s.Size, capacity)
	}
}

func TestLookupDoesNotRefreshOrder(t *testing.T) {
	c := New(2)
	c.Put("a", []byte{1})
	c.Put("b", []byte{2})
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit")
	}
	c.Put("c", []byte{3})
	if c.Contains("a") {
		t.Fatal("oldest insert must be evicted even after a hit")
	}
	c.Put("b", []byte{9}) // update in place
	c.Put("d", []byte{4})
	if c.Contains("b") || !c.Contains("c") || !c.Contains("d") {
		t.Fatal("update must not move b to the back")
	}
}

func TestNormalizedKeys(t *testing.T) {
	c := New(10)
	c.Put("  Our return window is 30 days. ", []byte{1})
	b, ok := c.Get("our RETURN window   is 30 days.")
	if !ok || b[0] != 1 {
		t.Fatal("normalized lookup missed")
	}
	if _, ok := c.Get("other"); ok {
		t.Fatal("unexpected hit")
	}
	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.HitRate != 0.5 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEmptyAudioNotCached(t *testing.T) {
	c := New(10)
	c.Put("x", nil)
	if c.Contains("x") {
		t.Fatal("empty audio cached")
	}
}

func TestGetOrSynthesize(t *testing.T) {
	c := New(10)
	calls := 0
	synth := func(ctx context.Context, text string) ([]byte, error) {
		calls++
		return []byte(text), nil
	}
	ctx := context.Background()
	if _, hit, _ := c.GetOrSynthesize(ctx, "hello", synth); hit {
		t.Fatal("first call must miss")
	}
	b, hit, err := c.GetOrSynthesize(ctx, "Hello", synth)
	if err != nil || !hit || string(b) != "hello" || calls != 1 {
		t.Fatalf("second call: b=%q hit=%v err=%v calls=%d", b, hit, err, calls)
	}

	boom := errors.New("boom")
	if _, _, err := c.GetOrSynthesize(ctx, "fails", func(context.Context, string) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if c.Contains("fails") {
		t.Fatal("failed synthesis cached")
	}
}

func TestConcurrentAccessKeepsCountersConsistent(t *testing.T) {
	c := New(8)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", (g+i)%16)
				if _, ok := c.Get(key); !ok {
					c.Put(key, []byte{1})
				}
			}
		}(g)
	}
	wg.Wait()
	s := c.Stats()
	if s.Hits+s.Misses != 800 {
		t.Fatalf("hits+misses = %d, want 800", s.Hits+s.Misses)
	}
	if s.Size > 8 {
		t.Fatalf("size %d exceeds capacity", s.Size)
	}
	c.Clear()
	if s := c.Stats(); s.Size != 0 || s.Hits != 0 {
		t.Fatalf("Clear left %+v", s)
	}
}
