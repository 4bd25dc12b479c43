package vars

import (
	"errors"
	"sync"
	"testing"
)

func TestSetGet(t *testing.T) {
	ctx := NewContext(nil)

	ctx.Set("IMAGE_ID", "v1")
	val, err := ctx.Get("IMAGE_ID")
	if err != nil {
		t.Error(err)
	}
	if val != "v1" {
		t.Errorf("expected v1, got %s", val)
	}

	ctx.Set("IMAGE_ID", "v2")
	val, err = ctx.Get("IMAGE_ID")
	if err != nil {
		t.Error(err)
	}
	if val != "v2" {
		t.Errorf("overwrite lost, expected v2, got %s", val)
	}
}

func TestGetNonExistingKey(t *testing.T) {
	ctx := NewContext(nil)

	_, err := ctx.Get("MISSING")
	if !errors.Is(err, ErrNotFound) {
		t.Error("did not return key doesn't exist error")
	}
}

func TestSeed(t *testing.T) {
	ctx := NewContext(map[string]string{"REGION": "us-east-1"})

	val, err := ctx.Get("REGION")
	if err != nil {
		t.Error(err)
	}
	if val != "us-east-1" {
		t.Errorf("expected us-east-1, got %s", val)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	ctx := NewContext(map[string]string{"A": "1"})

	snap := ctx.Snapshot()
	snap["A"] = "mutated"

	val, err := ctx.Get("A")
	if err != nil {
		t.Error(err)
	}
	if val != "1" {
		t.Error("snapshot mutation leaked into the context")
	}
}

func TestEnviron(t *testing.T) {
	ctx := NewContext(map[string]string{"B": "2", "A": "1"})

	env := ctx.Environ()
	if len(env) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(env))
	}
	if env[0] != "A=1" || env[1] != "B=2" {
		t.Errorf("expected stable sorted order, got %v", env)
	}
}

func TestConcurrentWrites(t *testing.T) {
	ctx := NewContext(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx.Set("KEY", "value")
			ctx.Snapshot()
		}()
	}
	wg.Wait()

	if _, err := ctx.Get("KEY"); err != nil {
		t.Error(err)
	}
}
