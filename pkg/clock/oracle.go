package clock

import (
	"context"
	"errors"
	"sync"
	"time"

	"spankv/pkg/config"
	"spankv/pkg/types"
)

// ErrDriftExceeded means the wall clock diverged from the monotonic clock by
// more than the configured ceiling. The uncertainty bound no longer holds and
// the process must halt rather than hand out timestamps.
var ErrDriftExceeded = errors.New("spankv: clock drift exceeded ceiling")

// Interval is a TrueTime-style clock reading: true time is guaranteed to lie
// within [Earliest, Latest].
type Interval struct {
	Earliest types.Timestamp `json:"earliest"`
	Latest   types.Timestamp `json:"latest"`
}

func (iv Interval) Width() time.Duration {
	return time.Duration(iv.Latest - iv.Earliest)
}

// Oracle produces bounded-uncertainty timestamps. Latest values handed out
// never regress, even if the wall clock steps backwards.
type Oracle struct {
	epsilon      time.Duration
	driftCeiling time.Duration

	// nowFn is replaced in tests.
	nowFn func() time.Time

	mu         sync.Mutex
	lastWall   int64
	lastLatest types.Timestamp
	drifted    bool
}

func NewOracle(cfg config.ClockConfig) *Oracle {
	return &Oracle{
		epsilon:      cfg.Epsilon,
		driftCeiling: cfg.DriftCeiling,
		nowFn:        time.Now,
	}
}

// Now returns the current uncertainty interval of width 2*epsilon.
// Two calls ordered in real time return intervals with non-decreasing Latest.
// Once the wall clock has diverged beyond the drift ceiling every call fails
// with ErrDriftExceeded: a broken clock must not hand out timestamps.
func (o *Oracle) Now() (Interval, error) {
	wall := o.nowFn().UnixNano()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.drifted {
		return Interval{}, ErrDriftExceeded
	}

	if o.lastWall != 0 && wall < o.lastWall {
		// Wall clock stepped backwards. Within the drift ceiling the
		// uncertainty bound still covers it; beyond it the oracle is
		// no longer trustworthy.
		if time.Duration(o.lastWall-wall) > o.driftCeiling {
			o.drifted = true
			return Interval{}, ErrDriftExceeded
		}
		wall = o.lastWall
	}
	o.lastWall = wall

	eps := types.Timestamp(o.epsilon)
	iv := Interval{
		Earliest: types.Timestamp(wall) - eps,
		Latest:   types.Timestamp(wall) + eps,
	}
	if iv.Latest < o.lastLatest {
		iv.Latest = o.lastLatest
	}
	o.lastLatest = iv.Latest

	return iv, nil
}

// Healthy reports whether the uncertainty bound still holds. A node must
// treat ErrDriftExceeded as fatal.
func (o *Oracle) Healthy() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.drifted {
		return ErrDriftExceeded
	}
	return nil
}

// WaitUntil blocks until ts is guaranteed to be in the past, i.e. until
// Now().Earliest > ts. This is the commit-wait primitive: once it returns,
// every later clock reading anywhere in the group exceeds ts.
func (o *Oracle) WaitUntil(ctx context.Context, ts types.Timestamp) error {
	for {
		iv, err := o.Now()
		if err != nil {
			return err
		}
		if iv.Earliest > ts {
			return nil
		}

		// Sleep out the remaining uncertainty, then re-check.
		d := time.Duration(ts-iv.Earliest) + time.Nanosecond
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
