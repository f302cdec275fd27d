package backoff

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrPollAborted is returned by Poll when its context ends before a terminal
// observation. The returned error also matches the context's error.
var ErrPollAborted = errors.New("poll aborted")

// SleepFunc suspends the caller for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// PollOptions configures Poll behavior.
type PollOptions struct {
	Unit     time.Duration
	Rand     *rand.Rand
	Sleep    SleepFunc
	Observer func(attempt int, delay time.Duration)
}

// PollOption is a functional option for Poll.
type PollOption func(*PollOptions)

// WithUnit sets the jitter unit (default: 100ms).
func WithUnit(d time.Duration) PollOption {
	return func(o *PollOptions) {
		o.Unit = d
	}
}

// WithRand sets the random source used for jitter draws.
// Each Poll call gets its own source unless one is supplied here.
func WithRand(r *rand.Rand) PollOption {
	return func(o *PollOptions) {
		o.Rand = r
	}
}

// WithSleep replaces the sleep implementation.
func WithSleep(fn SleepFunc) PollOption {
	return func(o *PollOptions) {
		o.Sleep = fn
	}
}

// WithObserver registers a callback invoked before every sleep with the
// attempt index and the chosen delay.
func WithObserver(fn func(attempt int, delay time.Duration)) PollOption {
	return func(o *PollOptions) {
		o.Observer = fn
	}
}

func defaultPollOptions() PollOptions {
	return PollOptions{
		Unit:  DefaultUnit,
		Sleep: sleepContext,
	}
}

// Poll calls fetch until done reports true for the fetched value and returns
// that value. Between observations it sleeps for Jitter(i), where i starts at 0
// and grows by one per observation up to MaxExponent.
//
// There is no attempt limit: Poll only stops on a terminal value, a fetch
// error (returned as is), or the end of ctx.
func Poll[T any](ctx context.Context, fetch func(context.Context) (T, error), done func(T) bool, opts ...PollOption) (T, error) {
	o := defaultPollOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Rand == nil {
		o.Rand = NewRand()
	}

	var zero T
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return zero, aborted(attempt, err)
		}

		v, err := fetch(ctx)
		if err != nil {
			return zero, err
		}
		if done(v) {
			return v, nil
		}

		delay := Jitter(attempt, o.Unit, o.Rand)
		if o.Observer != nil {
			o.Observer(attempt, delay)
		}
		if err := o.Sleep(ctx, delay); err != nil {
			return zero, aborted(attempt, err)
		}

		if attempt < MaxExponent {
			attempt++
		}
	}
}

func aborted(attempt int, cause error) error {
	return fmt.Errorf("%w at attempt %d: %w", ErrPollAborted, attempt, cause)
}

// NewRand returns a PCG source seeded from crypto/rand.
func NewRand() *rand.Rand {
	var seed [16]byte
	_, _ = crand.Read(seed[:])
	return rand.New(rand.NewPCG(binary.LittleEndian.Uint64(seed[:8]), binary.LittleEndian.Uint64(seed[8:])))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
