package ids

import (
	"sync"
	"testing"
)

func TestCreateULIDFormat(t *testing.T) {
	id := CreateULID()
	if len(id) != 26 {
		t.Fatalf("expected 26-character ULID, got %q", id)
	}
}

func TestCreateULIDIsUniqueUnderConcurrency(t *testing.T) {
	const n = 1000
	ids := make(chan string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- CreateULID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate ULID generated: %s", id)
		}
		seen[id] = true
	}
}
