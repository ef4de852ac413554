package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("resolution failed")

func testBreaker(cfg Config) (*Breaker, *time.Time) {
	now := time.Now()
	b := New("app.example.com", cfg, nil, nil)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(ctx context.Context) error    { return errUpstream }
func succeed(ctx context.Context) error { return nil }

func TestTripsOnExactThreshold(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, Cooldown: 15 * time.Second})
	ctx := context.Background()

	// First two failures: still closed, calls execute.
	for i := 0; i < 2; i++ {
		if err := b.Call(ctx, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d error = %v, want upstream error", i+1, err)
		}
		if b.State() != StateClosed {
			t.Fatalf("state after %d failures = %v, want closed", i+1, b.State())
		}
	}

	// Third consecutive failure trips the breaker.
	if err := b.Call(ctx, fail); !errors.Is(err, errUpstream) {
		t.Fatalf("third call error = %v, want upstream error", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state after third failure = %v, want open", b.State())
	}

	// While open, calls are rejected without execution.
	executed := false
	err := b.Call(ctx, func(ctx context.Context) error {
		executed = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("open call error = %v, want ErrOpen", err)
	}
	if executed {
		t.Error("open breaker executed the protected call")
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, Cooldown: 15 * time.Second})
	ctx := context.Background()

	b.Call(ctx, fail)
	b.Call(ctx, fail)
	b.Call(ctx, succeed)
	b.Call(ctx, fail)
	b.Call(ctx, fail)

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed; success must reset the streak", b.State())
	}
}

func TestHalfOpenAfterCooldown(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 3, Cooldown: 15 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Call(ctx, fail)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	*now = now.Add(14 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("state before cooldown elapsed = %v, want open", b.State())
	}

	*now = now.Add(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after cooldown = %v, want half_open", b.State())
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 3, Cooldown: 15 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Call(ctx, fail)
	}
	*now = now.Add(15 * time.Second)

	if err := b.Call(ctx, succeed); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", b.State())
	}

	// A fresh failure after recovery needs a fresh streak.
	b.Call(ctx, fail)
	if b.State() != StateClosed {
		t.Errorf("state after one post-recovery failure = %v, want closed", b.State())
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 3, Cooldown: 15 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Call(ctx, fail)
	}
	*now = now.Add(15 * time.Second)

	if err := b.Call(ctx, fail); !errors.Is(err, errUpstream) {
		t.Fatalf("probe error = %v, want upstream error", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", b.State())
	}

	// The cooldown restarts from the failed probe.
	*now = now.Add(14 * time.Second)
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open; cooldown must restart", b.State())
	}
	*now = now.Add(time.Second)
	if b.State() != StateHalfOpen {
		t.Errorf("state = %v, want half_open after restarted cooldown", b.State())
	}
}

func TestSingleHalfOpenProbe(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 3, Cooldown: 15 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Call(ctx, fail)
	}
	*now = now.Add(15 * time.Second)

	release := make(chan struct{})
	probeRunning := make(chan struct{})
	var probeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		probeErr = b.Call(ctx, func(ctx context.Context) error {
			close(probeRunning)
			<-release
			return nil
		})
	}()

	<-probeRunning

	// A second call while the probe is in flight is rejected.
	if err := b.Call(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent half-open call error = %v, want ErrOpen", err)
	}

	close(release)
	wg.Wait()
	if probeErr != nil {
		t.Fatalf("probe error = %v", probeErr)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after probe success", b.State())
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	b, _ := testBreaker(Config{
		FailureThreshold: 1,
		Cooldown:         15 * time.Second,
		CallTimeout:      10 * time.Millisecond,
	})

	err := b.Call(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("slow call error = %v, want deadline exceeded", err)
	}
	if b.State() != StateOpen {
		t.Errorf("state after timeout = %v, want open with threshold 1", b.State())
	}
}

func TestIsFailureClassifier(t *testing.T) {
	errIgnored := errors.New("unknown routing key")
	b, _ := testBreaker(Config{
		FailureThreshold: 1,
		Cooldown:         15 * time.Second,
		IsFailure: func(err error) bool {
			return !errors.Is(err, errIgnored)
		},
	})
	ctx := context.Background()

	// Classified as a non-failure: the error surfaces but the streak
	// stays at zero.
	err := b.Call(ctx, func(ctx context.Context) error { return errIgnored })
	if !errors.Is(err, errIgnored) {
		t.Fatalf("call error = %v, want the ignored error", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed; classifier must exclude this error", b.State())
	}

	if err := b.Call(ctx, fail); !errors.Is(err, errUpstream) {
		t.Fatalf("call error = %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open for classified failure", b.State())
	}
}

func TestStateChangeCallback(t *testing.T) {
	type change struct{ from, to State }
	var changes []change
	now := time.Now()
	b := New("app", Config{FailureThreshold: 1, Cooldown: 15 * time.Second},
		func(_ string, from, to State) {
			changes = append(changes, change{from, to})
		}, nil)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Call(ctx, fail)
	now = now.Add(15 * time.Second)
	b.Call(ctx, succeed)

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(changes) != len(want) {
		t.Fatalf("got %d transitions %v, want %v", len(changes), changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestIntrospectionIsPassive(t *testing.T) {
	type change struct{ from, to State }
	var changes []change
	now := time.Now()
	b := New("app", Config{FailureThreshold: 1, Cooldown: 15 * time.Second},
		func(_ string, from, to State) {
			changes = append(changes, change{from, to})
		}, nil)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Call(ctx, fail)
	if len(changes) != 1 {
		t.Fatalf("got %d transitions after trip, want 1", len(changes))
	}

	// Reading state after the cooldown reports half-open without
	// performing the transition.
	now = now.Add(15 * time.Second)
	for i := 0; i < 3; i++ {
		if b.State() != StateHalfOpen {
			t.Fatalf("State() = %v, want half_open", b.State())
		}
		if snap := b.Snapshot(); snap["state"] != "half_open" {
			t.Fatalf("Snapshot state = %v, want half_open", snap["state"])
		}
	}
	if len(changes) != 1 {
		t.Fatalf("introspection fired transitions: %v", changes)
	}

	// The next admitted call performs it.
	if err := b.Call(ctx, succeed); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(changes) != len(want) {
		t.Fatalf("got transitions %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestGroupIsolatesKeys(t *testing.T) {
	g := NewGroup(Config{FailureThreshold: 1, Cooldown: 15 * time.Second}, nil, nil)
	ctx := context.Background()

	g.Get("a").Call(ctx, fail)

	if g.Get("a").State() != StateOpen {
		t.Errorf("breaker a state = %v, want open", g.Get("a").State())
	}
	if g.Get("b").State() != StateClosed {
		t.Errorf("breaker b state = %v, want closed; keys must be independent", g.Get("b").State())
	}

	// Same key returns the same breaker.
	if g.Get("a") != g.Get("a") {
		t.Error("Get returned different breakers for the same key")
	}
}
