package sessions

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreateGetTouchList(t *testing.T) {
	s := NewStore(time.Hour, nil)

	s.Create(&Session{ID: "s1", AccountID: "a1", Host: "h"})
	s.Create(&Session{ID: "s2", AccountID: "a1"})
	s.Create(&Session{ID: "s3", AccountID: "a2"})

	got, ok := s.Get("s1")
	if !ok {
		t.Fatal("s1 not found")
	}
	if got.AccountID != "a1" || got.Host != "h" {
		t.Errorf("got %+v", got)
	}
	if got.ConnectedAt.IsZero() || got.LastActivity.IsZero() {
		t.Error("timestamps not initialized")
	}

	if _, ok := s.Get("missing"); ok {
		t.Error("absent session reported present")
	}

	if n := len(s.List()); n != 3 {
		t.Errorf("list length = %d, want 3", n)
	}
	if n := s.CountForAccount("a1"); n != 2 {
		t.Errorf("count for a1 = %d, want 2", n)
	}

	before, _ := s.Get("s1")
	time.Sleep(5 * time.Millisecond)
	s.Touch("s1")
	after, _ := s.Get("s1")
	if !after.LastActivity.After(before.LastActivity) {
		t.Error("touch did not refresh last activity")
	}

	// Get returns a copy; mutating it must not affect the store.
	after.Host = "mutated"
	fresh, _ := s.Get("s1")
	if fresh.Host != "h" {
		t.Error("Get leaked interior state")
	}
}

func TestRemoveTriggersTeardownOnce(t *testing.T) {
	var calls int32
	var reason atomic.Value
	s := NewStore(time.Hour, func(id, r string) {
		atomic.AddInt32(&calls, 1)
		reason.Store(r)
	})

	s.Create(&Session{ID: "s1"})

	if !s.Remove("s1", "user") {
		t.Error("first remove reported false")
	}
	if s.Remove("s1", "user") {
		t.Error("second remove reported true")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("teardown ran %d times, want 1", got)
	}
	if reason.Load() != "user" {
		t.Errorf("teardown reason = %v", reason.Load())
	}
	if _, ok := s.Get("s1"); ok {
		t.Error("session still present after remove")
	}
}

func TestRemoveConcurrentExactlyOneWins(t *testing.T) {
	var calls int32
	s := NewStore(time.Hour, func(id, r string) {
		atomic.AddInt32(&calls, 1)
	})
	s.Create(&Session{ID: "s1"})

	var wg sync.WaitGroup
	wins := int32(0)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Remove("s1", "user") {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d removers won, want exactly 1", wins)
	}
	if calls != 1 {
		t.Errorf("teardown ran %d times, want 1", calls)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	var torn []string
	var mu sync.Mutex
	s := NewStore(50*time.Millisecond, func(id, r string) {
		mu.Lock()
		torn = append(torn, id+":"+r)
		mu.Unlock()
	})

	s.Create(&Session{ID: "old", LastActivity: time.Now().Add(-time.Minute)})
	s.Create(&Session{ID: "fresh"})

	expired := s.Sweep()
	if len(expired) != 1 || expired[0] != "old" {
		t.Fatalf("expired = %v, want [old]", expired)
	}

	if _, ok := s.Get("old"); ok {
		t.Error("expired session still reachable")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("fresh session swept")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(torn) != 1 || torn[0] != "old:idle" {
		t.Errorf("teardowns = %v, want [old:idle]", torn)
	}
}

func TestSweepKeepsTouchedSessions(t *testing.T) {
	s := NewStore(50*time.Millisecond, func(id, r string) {})
	s.Create(&Session{ID: "s1"})

	time.Sleep(60 * time.Millisecond)
	s.Touch("s1")
	if expired := s.Sweep(); len(expired) != 0 {
		t.Errorf("touched session expired: %v", expired)
	}
}
