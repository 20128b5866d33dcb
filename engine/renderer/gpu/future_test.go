package gpu

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFutureResolveOnce(t *testing.T) {
	f := NewFuture()
	if f.Resolved() {
		t.Fatal("new future reported resolved")
	}

	first := errors.New("first")
	if !f.Resolve(first) {
		t.Fatal("first resolve was not reported as completing")
	}
	if f.Resolve(errors.New("second")) {
		t.Fatal("second resolve reported as completing")
	}
	if !errors.Is(f.Err(), first) {
		t.Fatalf("expected first error, got %v", f.Err())
	}
}

func TestFutureWaitContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	f.Resolve(nil)
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestFutureAllAndThen(t *testing.T) {
	a, b := NewFuture(), NewFuture()
	all := All(a, b)

	a.Resolve(nil)
	if all.Resolved() {
		t.Fatal("All resolved before every input")
	}

	failure := errors.New("b failed")
	b.Resolve(failure)

	ran := false
	chained := all.Then(func(err error) error {
		ran = true
		return err
	})
	if err := chained.Wait(context.Background()); !errors.Is(err, failure) {
		t.Fatalf("expected b's error, got %v", err)
	}
	if !ran {
		t.Fatal("Then callback did not run")
	}

	if !All().Resolved() {
		t.Fatal("All of nothing should be resolved")
	}
}
