package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailsync/store"
)

func TestCheckTmpQuota(t *testing.T) {
	limits := Limits{MaxBytes: 100}
	usage := store.TmpUsage{Count: 3, Bytes: 80}

	t.Run("rejects overflow", func(t *testing.T) {
		err := CheckTmpQuota(usage, limits, 25, false)
		if !errors.Is(err, ErrOverQuota) {
			t.Fatalf("error = %v, want ErrOverQuota", err)
		}
		var oq *OverQuotaError
		if !errors.As(err, &oq) || oq.MaxBytes != 100 || oq.MaxCount != 0 {
			t.Fatalf("error = %#v, want both ceilings", err)
		}
	})

	t.Run("admits within limit", func(t *testing.T) {
		if err := CheckTmpQuota(usage, limits, 20, false); err != nil {
			t.Fatalf("error = %v, want nil", err)
		}
	})

	t.Run("count ceiling", func(t *testing.T) {
		err := CheckTmpQuota(usage, Limits{MaxCount: 3}, 1, false)
		if !errors.Is(err, ErrOverQuota) {
			t.Fatalf("error = %v, want ErrOverQuota", err)
		}
	})

	t.Run("zero is unlimited", func(t *testing.T) {
		if err := CheckTmpQuota(store.TmpUsage{Count: 1 << 20, Bytes: 1 << 40}, Limits{}, 1<<30, false); err != nil {
			t.Fatalf("error = %v", err)
		}
	})

	t.Run("super user bypasses", func(t *testing.T) {
		if err := CheckTmpQuota(usage, limits, 25, true); err != nil {
			t.Fatalf("error = %v", err)
		}
	})

	t.Run("configured bypass", func(t *testing.T) {
		if err := CheckTmpQuota(usage, Limits{MaxBytes: 100, BypassQuota: true}, 25, false); err != nil {
			t.Fatalf("error = %v", err)
		}
	})
}

func TestCheckAccountQuota(t *testing.T) {
	if err := CheckAccountQuota(0, 1<<40, 1); err != nil {
		t.Errorf("unlimited quota rejected: %v", err)
	}
	if err := CheckAccountQuota(100, 60, 40); err != nil {
		t.Errorf("exact fit rejected: %v", err)
	}
	if err := CheckAccountQuota(100, 60, 41); !errors.Is(err, ErrOverQuota) {
		t.Errorf("error = %v, want ErrOverQuota", err)
	}
}

func TestControllerLimit(t *testing.T) {
	c := NewController(2)

	g1, err := c.Acquire("alice", false)
	if err != nil {
		t.Fatal(err)
	}
	g2, err := c.Acquire("alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Acquire("alice", false); !errors.Is(err, ErrTooManyConcurrentUploads) {
		t.Fatalf("third Acquire error = %v, want ErrTooManyConcurrentUploads", err)
	}
	if c.InFlight("alice") != 2 {
		t.Errorf("InFlight = %d, want 2", c.InFlight("alice"))
	}

	// Other principals are independent.
	g3, err := c.Acquire("bob", false)
	if err != nil {
		t.Fatalf("bob blocked by alice: %v", err)
	}
	g3.Release()

	// Super users are never gated.
	for i := 0; i < 5; i++ {
		g, err := c.Acquire("alice", true)
		if err != nil {
			t.Fatalf("super user rejected: %v", err)
		}
		defer g.Release()
	}

	g1.Release()
	g1.Release()
	if c.InFlight("alice") != 1 {
		t.Errorf("InFlight after double release = %d, want 1", c.InFlight("alice"))
	}
	g2.Release()
	if c.InFlight("alice") != 0 {
		t.Errorf("InFlight = %d, want 0", c.InFlight("alice"))
	}
}

func TestGuardReleasedOnEveryPath(t *testing.T) {
	c := NewController(1)

	run := func(ctx context.Context, fail bool) (err error) {
		g, err := c.Acquire("alice", false)
		if err != nil {
			return err
		}
		defer g.Release()
		if fail {
			return errors.New("store unavailable")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}

	t.Run("error", func(t *testing.T) {
		_ = run(context.Background(), true)
		if c.InFlight("alice") != 0 {
			t.Fatal("slot held after error")
		}
	})

	t.Run("cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- run(ctx, false) }()
		for c.InFlight("alice") == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Fatalf("run error = %v", err)
		}
		if c.InFlight("alice") != 0 {
			t.Fatal("slot held after cancel")
		}
		g, err := c.Acquire("alice", false)
		if err != nil {
			t.Fatalf("slot not free after cancel: %v", err)
		}
		g.Release()
	})

	t.Run("panic", func(t *testing.T) {
		func() {
			defer func() { _ = recover() }()
			g, _ := c.Acquire("alice", false)
			defer g.Release()
			panic("boom")
		}()
		if c.InFlight("alice") != 0 {
			t.Fatal("slot held after panic")
		}
	})
}

func TestControllerConcurrent(t *testing.T) {
	const limit = 4
	c := NewController(limit)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		peak     int64
	)
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			g, err := c.Acquire("p", false)
			if err != nil {
				return
			}
			defer g.Release()
			mu.Lock()
			admitted++
			if n := c.InFlight("p"); n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}()
	}
	close(start)
	wg.Wait()
	if peak > limit {
		t.Errorf("peak in flight = %d, want <= %d", peak, limit)
	}
	if admitted == 0 {
		t.Error("nothing admitted")
	}
	if c.InFlight("p") != 0 {
		t.Errorf("InFlight = %d after all done", c.InFlight("p"))
	}
}

func TestDisabledGate(t *testing.T) {
	c := NewController(0)
	for i := 0; i < 10; i++ {
		if _, err := c.Acquire("x", false); err != nil {
			t.Fatalf("disabled gate rejected: %v", err)
		}
	}
}
