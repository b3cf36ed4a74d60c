package cache

import (
	"sync"
	"testing"
)

func TestAddStaysUnderBudget(t *testing.T) {
	tr := New(100, nil)
	tr.Add("a", 40)
	tr.Add("b", 40)
	tr.Add("c", 40)
	if used := tr.Used(); used > 100 {
		t.Fatalf("used %d exceeds budget", used)
	}
	if tr.Len() != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", tr.Len())
	}
}

func TestEvictsLeastRecentlyUsedFirst(t *testing.T) {
	var evicted []string
	tr := New(100, func(key string, size int64) {
		evicted = append(evicted, key)
	})
	tr.Add("a", 40)
	tr.Add("b", 40)
	tr.Add("c", 40)
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected oldest entry a evicted, got %v", evicted)
	}
	if tr.Touch("a") {
		t.Fatalf("evicted key must not be tracked")
	}
	if !tr.Touch("b") || !tr.Touch("c") {
		t.Fatalf("remaining keys must stay tracked")
	}
}

func TestTouchBumpsRecency(t *testing.T) {
	var evicted []string
	tr := New(100, func(key string, size int64) {
		evicted = append(evicted, key)
	})
	tr.Add("a", 40)
	tr.Add("b", 40)
	if !tr.Touch("a") {
		t.Fatalf("touch miss for tracked key")
	}
	tr.Add("c", 40)
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("expected b evicted after a was touched, got %v", evicted)
	}
}

func TestAddUpdatesExistingSize(t *testing.T) {
	tr := New(100, nil)
	tr.Add("a", 40)
	tr.Add("a", 60)
	if tr.Used() != 60 {
		t.Fatalf("expected used 60, got %d", tr.Used())
	}
	if tr.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", tr.Len())
	}
}

func TestRenameTransfersSizeAndRecency(t *testing.T) {
	var evicted []string
	tr := New(100, func(key string, size int64) {
		evicted = append(evicted, key)
	})
	tr.Add("tmp/x", 40)
	tr.Add("other", 40)
	tr.Rename("tmp/x", "aa/bb/final")
	if tr.Touch("tmp/x") {
		t.Fatalf("old key still tracked after rename")
	}
	if !tr.Touch("aa/bb/final") {
		t.Fatalf("new key not tracked after rename")
	}
	if tr.Used() != 80 {
		t.Fatalf("expected used 80, got %d", tr.Used())
	}
	// Rename onto an already-tracked destination replaces it.
	tr.Add("tmp/y", 30)
	tr.Rename("tmp/y", "aa/bb/final")
	if tr.Used() != 70 {
		t.Fatalf("expected used 70 after overwrite, got %d", tr.Used())
	}
	if len(evicted) != 0 {
		t.Fatalf("rename must not trigger evictions, got %v", evicted)
	}
}

func TestRenameMissingSourceIsNoop(t *testing.T) {
	tr := New(100, nil)
	tr.Rename("absent", "dst")
	if tr.Len() != 0 {
		t.Fatalf("rename of missing key must not create entries")
	}
}

func TestRemoveSkipsCallback(t *testing.T) {
	calls := 0
	tr := New(100, func(key string, size int64) { calls++ })
	tr.Add("a", 40)
	tr.Remove("a")
	if calls != 0 {
		t.Fatalf("remove must not invoke the eviction callback")
	}
	if tr.Used() != 0 {
		t.Fatalf("expected used 0, got %d", tr.Used())
	}
}

func TestOversizedEntryEvictsItself(t *testing.T) {
	var evicted []string
	tr := New(100, func(key string, size int64) {
		evicted = append(evicted, key)
	})
	tr.Add("huge", 150)
	if tr.Len() != 0 {
		t.Fatalf("entry above budget must not stay tracked")
	}
	if len(evicted) != 1 || evicted[0] != "huge" {
		t.Fatalf("expected huge evicted, got %v", evicted)
	}
}

func TestCallbackMayReenterTracker(t *testing.T) {
	var tr *Tracker
	tr = New(100, func(key string, size int64) {
		// Callbacks run outside the lock, so re-entry must not deadlock.
		tr.Touch("b")
	})
	tr.Add("a", 60)
	tr.Add("b", 60)
}

func TestStats(t *testing.T) {
	tr := New(100, nil)
	tr.Add("a", 40)
	tr.Add("b", 40)
	tr.Add("c", 40)
	tr.Touch("b")
	tr.Touch("gone")
	s := tr.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Evictions != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.Used != 80 || s.Entries != 2 || s.Budget != 100 {
		t.Fatalf("unexpected accounting %+v", s)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := New(1<<20, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			keys := []string{"a", "b", "c", "d"}
			for j := 0; j < 200; j++ {
				key := keys[(n+j)%len(keys)]
				tr.Add(key, int64(j%128))
				tr.Touch(key)
			}
		}(i)
	}
	wg.Wait()
	if tr.Used() > tr.Budget() {
		t.Fatalf("budget invariant violated: %d > %d", tr.Used(), tr.Budget())
	}
}
