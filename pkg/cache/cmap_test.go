package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	cmap := New[int]()
	if cmap.Count() != 0 {
		t.Errorf("Expected count 0, got %d", cmap.Count())
	}
}

func TestSetAndGet(t *testing.T) {
	cmap := New[int]()
	key := "test"
	value := 42

	cmap.Set(key, value)

	got, exists := cmap.Get(key)
	if !exists {
		t.Error("Expected key to exist")
	}

	if got != value {
		t.Errorf("Expected %d, got %d", value, got)
	}

	if !cmap.Has(key) {
		t.Error("Expected Has to report the key")
	}
}

func TestGetOrCreate(t *testing.T) {
	cmap := New[*int]()
	calls := 0

	create := func() *int {
		calls++
		v := calls

		return &v
	}

	first := cmap.GetOrCreate("tenant", create)
	second := cmap.GetOrCreate("tenant", create)

	if first != second {
		t.Error("Expected the same element for the same key")
	}

	if calls != 1 {
		t.Errorf("Expected create to run once, ran %d times", calls)
	}
}

func TestCompute(t *testing.T) {
	cmap := New[int]()

	got, err := cmap.Compute("counter", func(current int, exists bool) (int, error) {
		if exists {
			t.Error("Expected the key to be absent")
		}

		return current + 1, nil
	})
	if err != nil || got != 1 {
		t.Fatalf("Expected 1, got %d (err %v)", got, err)
	}

	errBoom := errors.New("boom")

	_, err = cmap.Compute("counter", func(int, bool) (int, error) { return 100, errBoom })
	if !errors.Is(err, errBoom) {
		t.Errorf("Expected callback error, got %v", err)
	}

	if v, _ := cmap.Get("counter"); v != 1 {
		t.Errorf("Expected failed compute to leave 1, got %d", v)
	}
}

func TestPopAndRemove(t *testing.T) {
	cmap := New[string]()
	cmap.Set("a", "x")
	cmap.Set("b", "y")

	v, ok := cmap.Pop("a")
	if !ok || v != "x" {
		t.Errorf("Expected to pop x, got %q (%v)", v, ok)
	}

	if _, ok = cmap.Pop("a"); ok {
		t.Error("Expected second pop to miss")
	}

	cmap.Remove("b")

	if cmap.Count() != 0 {
		t.Errorf("Expected empty map, got %d", cmap.Count())
	}
}

func TestKeysAndClear(t *testing.T) {
	cmap := New[int]()
	for i := range 10 {
		cmap.Set(fmt.Sprintf("key-%d", i), i)
	}

	keys := cmap.Keys()
	sort.Strings(keys)

	if len(keys) != 10 || keys[0] != "key-0" {
		t.Errorf("Unexpected keys %v", keys)
	}

	cmap.Clear()

	if cmap.Count() != 0 {
		t.Errorf("Expected count 0 after clear, got %d", cmap.Count())
	}
}

func TestConcurrentCompute(t *testing.T) {
	cmap := New[int]()

	var wg sync.WaitGroup

	numGoroutines := 50
	numOperations := 200

	wg.Add(numGoroutines)

	for range numGoroutines {
		go func() {
			defer wg.Done()

			for range numOperations {
				_, _ = cmap.Compute("shared", func(current int, _ bool) (int, error) {
					return current + 1, nil
				})
			}
		}()
	}

	wg.Wait()

	if v, _ := cmap.Get("shared"); v != numGoroutines*numOperations {
		t.Errorf("Expected %d, got %d", numGoroutines*numOperations, v)
	}
}
