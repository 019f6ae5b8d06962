package ratelimit

import (
	"fmt"
	"time"
)

// Strategy selects the counting algorithm for a [Policy].
type Strategy int

const (
	// FixedWindow counts calls per aligned window bucket.
	FixedWindow Strategy = iota
	// SlidingWindow sums SubInterval buckets covering the trailing window. Concurrent
	// bursts may be under-admitted, never over-admitted.
	SlidingWindow
)

func (s Strategy) String() string {
	switch s {
	case FixedWindow:
		return "fixed"
	case SlidingWindow:
		return "sliding"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps "fixed" / "sliding" to a [Strategy]. Empty means fixed.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "fixed", "fixed_window":
		return FixedWindow, nil
	case "sliding", "sliding_window":
		return SlidingWindow, nil
	default:
		return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, s)
	}
}

const (
	defaultSubInterval = time.Second
	maxSlidingBuckets  = 3600
)

// Policy bounds one operation.
type Policy struct {
	Window      time.Duration
	MaxRequests int64
	// Burst is added to MaxRequests to form the effective limit.
	Burst    int64
	Strategy Strategy
	// SubInterval is the bucket width for SlidingWindow. Zero means one second.
	SubInterval time.Duration
}

// Limit returns the effective number of calls allowed per window.
func (p Policy) Limit() int64 {
	return p.MaxRequests + p.Burst
}

func (p Policy) subInterval() time.Duration {
	if p.SubInterval <= 0 {
		return defaultSubInterval
	}
	return p.SubInterval
}

// Validate checks the policy at construction time.
func (p Policy) Validate() error {
	if p.Window < time.Millisecond {
		return fmt.Errorf("%w: window must be >= 1ms", ErrInvalidPolicy)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be > 0", ErrInvalidPolicy)
	}
	if p.Burst < 0 {
		return fmt.Errorf("%w: burst must be >= 0", ErrInvalidPolicy)
	}
	switch p.Strategy {
	case FixedWindow:
	case SlidingWindow:
		sub := p.subInterval()
		if sub > p.Window {
			return fmt.Errorf("%w: sub-interval larger than window", ErrInvalidPolicy)
		}
		if p.Window%sub != 0 {
			return fmt.Errorf("%w: window must be a multiple of the sub-interval", ErrInvalidPolicy)
		}
		if p.Window/sub > maxSlidingBuckets {
			return fmt.Errorf("%w: sliding window spans more than %d buckets", ErrInvalidPolicy, maxSlidingBuckets)
		}
	default:
		return fmt.Errorf("%w: unknown strategy", ErrInvalidPolicy)
	}
	return nil
}
