package coalesce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_FollowersShareLeaderResult(t *testing.T) {
	g := NewGroup[string, int]()
	var calls int32

	const n = 20
	results := make([]int, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tok := g.Acquire("k")
			if tok.Role() == Leader {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond) // widen the coalescing window
				tok.Publish(Result[int]{Value: 42})
			}
			v, err := tok.Wait(context.Background())
			results[i] = v
			errs[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly 1 leader call, got %d", calls)
	}
	for i, v := range results {
		if errs[i] != nil {
			t.Fatalf("waiter %d: unexpected error %v", i, errs[i])
		}
		if v != 42 {
			t.Fatalf("waiter %d: got %d, want 42", i, v)
		}
	}
}

func TestGroup_SequentialCallsDoNotCoalesce(t *testing.T) {
	g := NewGroup[string, int]()

	tok1 := g.Acquire("k")
	if tok1.Role() != Leader {
		t.Fatalf("first caller should be Leader")
	}
	tok1.Publish(Result[int]{Value: 1})
	v, err := tok1.Wait(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("got (%d, %v), want (1, nil)", v, err)
	}

	tok2 := g.Acquire("k")
	if tok2.Role() != Leader {
		t.Fatalf("second, later caller should become Leader again once the first call was published")
	}
}

func TestGroup_PropagatesLeaderError(t *testing.T) {
	g := NewGroup[string, int]()
	leaderErr := context.DeadlineExceeded

	tok := g.Acquire("k")
	tok.Publish(Result[int]{Err: leaderErr})

	_, err := tok.Wait(context.Background())
	if err != leaderErr {
		t.Fatalf("got %v, want %v", err, leaderErr)
	}
}

func TestGroup_CancelWakesFollowersWithErrCancelled(t *testing.T) {
	g := NewGroup[string, int]()

	leaderTok := g.Acquire("k")
	if leaderTok.Role() != Leader {
		t.Fatalf("first caller should be Leader")
	}
	followerTok := g.Acquire("k")
	if followerTok.Role() != Follower {
		t.Fatalf("second concurrent caller should be Follower")
	}

	leaderTok.Cancel()

	_, err := followerTok.Wait(context.Background())
	if err != ErrCancelled {
		t.Fatalf("got %v, want ErrCancelled", err)
	}

	// A fresh Acquire for the same key starts a brand new call.
	retryTok := g.Acquire("k")
	if retryTok.Role() != Leader {
		t.Fatalf("retry after cancellation should elect a new Leader")
	}
}

func TestGroup_WaitRespectsContextCancellation(t *testing.T) {
	g := NewGroup[string, int]()
	tok := g.Acquire("k") // never published

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := tok.Wait(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}
