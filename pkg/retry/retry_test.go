package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sharding-system/pkg/mserrors"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	e := NewEngine(Policy{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Base: time.Millisecond})
	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	e := NewEngine(Policy{MaxAttempts: 5, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Base: time.Millisecond})
	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return mserrors.New(mserrors.KindStorageOperationFailure, mserrors.CategoryCatalog, "transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnNonTransientError(t *testing.T) {
	e := NewEngine(Policy{MaxAttempts: 5, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Base: time.Millisecond})
	calls := 0
	wantErr := mserrors.New(mserrors.KindInvalidKey, mserrors.CategoryValidation, "bad key")
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) && err != wantErr {
		t.Errorf("expected the terminal error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for a non-transient error, got %d", calls)
	}
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	e := NewEngine(Policy{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Base: time.Millisecond})
	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return mserrors.New(mserrors.KindTimeout, mserrors.CategoryGeneral, "still failing")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestDo_ContextCancellationIsTerminal(t *testing.T) {
	e := NewEngine(Policy{MaxAttempts: 5, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Base: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := e.Do(ctx, func(ctx context.Context) error {
		calls++
		return context.Canceled
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}

func TestDefaultTransientDetector(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"storage op failure", mserrors.New(mserrors.KindStorageOperationFailure, mserrors.CategoryCatalog, ""), true},
		{"version mismatch", mserrors.New(mserrors.KindGlobalStoreVersionMismatch, mserrors.CategoryCatalog, ""), true},
		{"invalid key", mserrors.New(mserrors.KindInvalidKey, mserrors.CategoryValidation, ""), false},
		{"unwrapped error", errors.New("boom"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DefaultTransientDetector(tc.err); got != tc.want {
				t.Errorf("DefaultTransientDetector(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestJitter(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 20; i++ {
		got := Jitter(d)
		if got < 50*time.Millisecond || got >= 150*time.Millisecond {
			t.Errorf("jitter(%v) = %v, expected within [0.5x, 1.5x)", d, got)
		}
	}
	if Jitter(0) != 0 {
		t.Error("jitter(0) should be 0")
	}
}
