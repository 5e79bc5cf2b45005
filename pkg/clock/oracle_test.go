package clock

import (
	"context"
	"sync"
	"testing"
	"time"

	"spankv/pkg/config"
	"spankv/pkg/types"
)

func testClockConfig() config.ClockConfig {
	return config.ClockConfig{
		Epsilon:      2 * time.Millisecond,
		DriftCeiling: 100 * time.Millisecond,
	}
}

func TestOracle_IntervalBounds(t *testing.T) {
	o := NewOracle(testClockConfig())

	before := time.Now().UnixNano()
	iv, err := o.Now()
	after := time.Now().UnixNano()
	if err != nil {
		t.Fatalf("Now failed: %v", err)
	}

	if iv.Earliest > iv.Latest {
		t.Fatalf("inverted interval: %+v", iv)
	}
	if got, want := iv.Width(), 4*time.Millisecond; got != want {
		t.Fatalf("interval width = %v, want %v", got, want)
	}
	if types.Timestamp(before) < iv.Earliest || types.Timestamp(after) > iv.Latest {
		t.Fatalf("true time not inside interval: before=%d after=%d iv=%+v", before, after, iv)
	}
}

func TestOracle_LatestMonotonic(t *testing.T) {
	o := NewOracle(testClockConfig())

	var prev types.Timestamp
	for i := 0; i < 1000; i++ {
		iv, err := o.Now()
		if err != nil {
			t.Fatalf("Now failed: %v", err)
		}
		if iv.Latest < prev {
			t.Fatalf("Latest regressed: %d < %d", iv.Latest, prev)
		}
		prev = iv.Latest
	}
}

func TestOracle_BackwardStepWithinCeiling(t *testing.T) {
	o := NewOracle(testClockConfig())

	base := time.Now()
	fake := base
	var mu sync.Mutex
	o.nowFn = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return fake
	}

	first, err := o.Now()
	if err != nil {
		t.Fatalf("Now failed: %v", err)
	}

	// Step the wall clock back by less than the ceiling.
	mu.Lock()
	fake = base.Add(-50 * time.Millisecond)
	mu.Unlock()

	second, err := o.Now()
	if err != nil {
		t.Fatalf("Now failed after tolerable step: %v", err)
	}
	if second.Latest < first.Latest {
		t.Fatalf("Latest regressed after backward step: %d < %d", second.Latest, first.Latest)
	}
	if err := o.Healthy(); err != nil {
		t.Fatalf("oracle unhealthy after tolerable step: %v", err)
	}
}

func TestOracle_DriftBeyondCeilingIsFatal(t *testing.T) {
	o := NewOracle(testClockConfig())

	base := time.Now()
	fake := base
	var mu sync.Mutex
	o.nowFn = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return fake
	}

	if _, err := o.Now(); err != nil {
		t.Fatalf("Now failed: %v", err)
	}

	mu.Lock()
	fake = base.Add(-time.Second)
	mu.Unlock()

	if _, err := o.Now(); err != ErrDriftExceeded {
		t.Fatalf("Now() = %v, want ErrDriftExceeded", err)
	}
	if err := o.Healthy(); err != ErrDriftExceeded {
		t.Fatalf("Healthy() = %v, want ErrDriftExceeded", err)
	}

	// The oracle stays dead: no timestamp may ever leave a broken clock.
	if _, err := o.Now(); err != ErrDriftExceeded {
		t.Fatalf("Now() after drift = %v, want ErrDriftExceeded", err)
	}
	if err := o.WaitUntil(context.Background(), 1); err != ErrDriftExceeded {
		t.Fatalf("WaitUntil after drift = %v, want ErrDriftExceeded", err)
	}
}

func TestOracle_WaitUntilOutlivesUncertainty(t *testing.T) {
	o := NewOracle(testClockConfig())

	iv, err := o.Now()
	if err != nil {
		t.Fatalf("Now failed: %v", err)
	}
	start := time.Now()
	if err := o.WaitUntil(context.Background(), iv.Latest); err != nil {
		t.Fatalf("WaitUntil failed: %v", err)
	}

	// After the wait, the whole interval must be in the past.
	got, err := o.Now()
	if err != nil {
		t.Fatalf("Now failed: %v", err)
	}
	if got.Earliest <= iv.Latest {
		t.Fatalf("uncertainty not waited out: earliest=%d commit=%d", got.Earliest, iv.Latest)
	}

	// The wait is a bounded sleep of roughly 2*epsilon, not a spin that
	// returns immediately.
	if elapsed := time.Since(start); elapsed < o.epsilon {
		t.Fatalf("WaitUntil returned too early: %v", elapsed)
	}
}

func TestOracle_WaitUntilHonorsCancellation(t *testing.T) {
	o := NewOracle(config.ClockConfig{Epsilon: time.Hour, DriftCeiling: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	iv, err := o.Now()
	if err != nil {
		t.Fatalf("Now failed: %v", err)
	}
	if err := o.WaitUntil(ctx, iv.Latest); err != context.DeadlineExceeded {
		t.Fatalf("WaitUntil = %v, want context.DeadlineExceeded", err)
	}
}

func TestWatermark_Observe(t *testing.T) {
	w := NewWatermark(10)

	w.Observe(5)
	if got := w.Val(); got != 10 {
		t.Fatalf("watermark lowered: %d", got)
	}

	w.Observe(42)
	if got := w.Val(); got != 42 {
		t.Fatalf("watermark = %d, want 42", got)
	}
}
