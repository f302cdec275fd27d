package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"
)

// sequence returns a fetch function yielding values in order and counting calls.
func sequence[T any](values []T, errs map[int]error) (func(context.Context) (T, error), *int) {
	calls := 0
	return func(context.Context) (T, error) {
		i := calls
		calls++
		if err, ok := errs[i]; ok {
			var zero T
			return zero, err
		}
		return values[i], nil
	}, &calls
}

type sleepRecorder struct {
	delays   []time.Duration
	attempts []int
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *sleepRecorder) observe(attempt int, _ time.Duration) {
	r.attempts = append(r.attempts, attempt)
}

func (r *sleepRecorder) options() []PollOption {
	return []PollOption{
		WithSleep(r.sleep),
		WithObserver(r.observe),
		WithRand(rand.New(rand.NewPCG(1, 1))),
	}
}

func isDone(s string) bool { return s == "Complete" || s == "Cancelled" }

func TestPoll_EventualTerminal(t *testing.T) {
	t.Parallel()
	fetch, calls := sequence([]string{"Pending", "Running", "Complete"}, nil)
	rec := &sleepRecorder{}

	got, err := Poll(context.Background(), fetch, isDone, rec.options()...)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if got != "Complete" {
		t.Errorf("Poll = %q, want Complete", got)
	}
	if *calls != 3 {
		t.Errorf("expected 3 fetches, got %d", *calls)
	}
	if len(rec.delays) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(rec.delays))
	}
	if rec.delays[0] != 0 {
		t.Errorf("first sleep = %v, want 0", rec.delays[0])
	}
	if rec.attempts[0] != 0 || rec.attempts[1] != 1 {
		t.Errorf("attempts = %v, want [0 1]", rec.attempts)
	}
}

func TestPoll_ImmediateTerminal(t *testing.T) {
	t.Parallel()
	fetch, calls := sequence([]string{"Complete"}, nil)
	rec := &sleepRecorder{}

	got, err := Poll(context.Background(), fetch, isDone, rec.options()...)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if got != "Complete" {
		t.Errorf("Poll = %q, want Complete", got)
	}
	if *calls != 1 {
		t.Errorf("expected 1 fetch, got %d", *calls)
	}
	if len(rec.delays) != 0 {
		t.Errorf("expected no sleeps, got %v", rec.delays)
	}
}

func TestPoll_NoFetchAfterTerminal(t *testing.T) {
	t.Parallel()
	// A fourth value exists but must never be read.
	fetch, calls := sequence([]string{"Running", "Cancelled", "Running", "Complete"}, nil)
	rec := &sleepRecorder{}

	got, err := Poll(context.Background(), fetch, isDone, rec.options()...)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if got != "Cancelled" {
		t.Errorf("Poll = %q, want Cancelled", got)
	}
	if *calls != 2 {
		t.Errorf("expected 2 fetches, got %d", *calls)
	}
}

func TestPoll_FetchErrorPropagates(t *testing.T) {
	t.Parallel()
	errService := errors.New("service unavailable")
	fetch, calls := sequence([]string{"Pending"}, map[int]error{1: errService})
	rec := &sleepRecorder{}

	got, err := Poll(context.Background(), fetch, isDone, rec.options()...)
	if !errors.Is(err, errService) {
		t.Fatalf("expected service error, got %v", err)
	}
	if got != "" {
		t.Errorf("expected zero value on error, got %q", got)
	}
	if *calls != 2 {
		t.Errorf("expected 2 fetches, got %d", *calls)
	}
	if len(rec.delays) != 1 {
		t.Errorf("expected 1 sleep, got %d", len(rec.delays))
	}
}

func TestPoll_DelaysStayWithinWideningBound(t *testing.T) {
	t.Parallel()
	values := make([]int, 40)
	values[len(values)-1] = 1
	fetch, _ := sequence(values, nil)

	var delays []time.Duration
	var attempts []int
	_, err := Poll(context.Background(), fetch, func(v int) bool { return v == 1 },
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithObserver(func(attempt int, d time.Duration) {
			attempts = append(attempts, attempt)
			delays = append(delays, d)
		}),
		WithRand(rand.New(rand.NewPCG(5, 8))),
	)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	for i, d := range delays {
		wantAttempt := min(i, MaxExponent)
		if attempts[i] != wantAttempt {
			t.Errorf("sleep %d: attempt = %d, want %d", i, attempts[i], wantAttempt)
		}
		if d < 0 || d >= MaxJitter(wantAttempt, DefaultUnit) {
			t.Errorf("sleep %d: delay %v outside [0, %v)", i, d, MaxJitter(wantAttempt, DefaultUnit))
		}
		if d > 51200*time.Millisecond {
			t.Errorf("sleep %d: delay %v exceeds 51.2s", i, d)
		}
	}
}

func TestPoll_ContextCancelledDuringSleep(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		return "Running", nil
	}

	_, err := Poll(ctx, fetch, isDone, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	if !errors.Is(err, ErrPollAborted) {
		t.Errorf("expected ErrPollAborted, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 fetch, got %d", calls)
	}
}

func TestPoll_Deadline(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	fetch := func(context.Context) (string, error) { return "Running", nil }

	start := time.Now()
	_, err := Poll(ctx, fetch, isDone, WithUnit(10*time.Millisecond))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !errors.Is(err, ErrPollAborted) {
		t.Errorf("expected ErrPollAborted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Poll took %v to notice the deadline", elapsed)
	}
}

func TestPoll_AlreadyCancelledSkipsFetch(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Poll(ctx, func(context.Context) (string, error) {
		calls++
		return "Complete", nil
	}, isDone)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no fetches, got %d", calls)
	}
}

func TestPoll_RealSleepIsShortForEarlyAttempts(t *testing.T) {
	t.Parallel()
	fetch, calls := sequence([]string{"Pending", "Running", "Complete"}, nil)

	start := time.Now()
	got, err := Poll(context.Background(), fetch, isDone, WithUnit(time.Millisecond))
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if got != "Complete" || *calls != 3 {
		t.Errorf("Poll = %q after %d fetches", got, *calls)
	}
	// Two sleeps drawn from [0,1ms) and [0,2ms).
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Poll took %v", elapsed)
	}
}
