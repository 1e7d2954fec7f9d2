package watchdog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterRenewsPeriodically(t *testing.T) {
	w := New()
	defer w.Close()

	var calls atomic.Int64
	_, err := w.Register("job-x:lock/a:1", 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if n := calls.Load(); n < 2 {
		t.Fatalf("expected repeated renewals, got %d", n)
	}
	if !w.Registered("job-x:lock/a:1") {
		t.Fatal("registration dropped while renewals succeed")
	}
}

func TestRenewalFailureDropsRegistration(t *testing.T) {
	w := New()
	defer w.Close()

	if _, err := w.Register("k", 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, errors.New("boom")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for w.Registered("k") {
		if time.Now().After(deadline) {
			t.Fatal("registration not dropped after failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHolderLossDropsRegistration(t *testing.T) {
	w := New()
	defer w.Close()

	if _, err := w.Register("k", 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for w.Registered("k") {
		if time.Now().After(deadline) {
			t.Fatal("registration not dropped after holder loss")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelStopsRenewal(t *testing.T) {
	w := New()
	defer w.Close()

	var calls atomic.Int64
	if _, err := w.Register("k", 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	w.Cancel("k")
	if w.Registered("k") {
		t.Fatal("still registered after cancel")
	}

	before := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if after := calls.Load(); after != before {
		t.Fatalf("renewals continued after cancel: %d -> %d", before, after)
	}
}

func TestCloseStopsAll(t *testing.T) {
	w := New()
	for _, key := range []string{"a", "b", "c"} {
		if _, err := w.Register(key, time.Hour, func(ctx context.Context) (bool, error) {
			return true, nil
		}); err != nil {
			t.Fatalf("register %s: %v", key, err)
		}
	}
	w.Close()
	for _, key := range []string{"a", "b", "c"} {
		if w.Registered(key) {
			t.Fatalf("%s still registered after close", key)
		}
	}
}
