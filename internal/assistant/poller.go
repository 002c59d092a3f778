// ABOUTME: Run Poller driving an assistant run to a terminal status
// ABOUTME: Fixed interval, bounded by elapsed time, cancellable, with an injectable clock

package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Defaults used when a Poller field is left zero
const (
	DefaultPollInterval = 1500 * time.Millisecond
	DefaultPollTimeout  = 120 * time.Second
)

// ErrPollTimeout matches any *PollTimeoutError via errors.Is
var ErrPollTimeout = errors.New("poll timeout")

// PollTimeoutError reports a run that did not finish in time, with the last
// non-terminal status observed
type PollTimeoutError struct {
	RunID      string
	LastStatus RunStatus
	Elapsed    time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("run %s still %s after %s", e.RunID, e.LastStatus, e.Elapsed)
}

// Is makes errors.Is(err, ErrPollTimeout) true
func (e *PollTimeoutError) Is(target error) bool {
	return target == ErrPollTimeout
}

// Clock abstracts time so polling can be tested without sleeping
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in that case
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunRetriever is the part of Client the poller depends on
type RunRetriever interface {
	RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error)
}

// Poller repeatedly retrieves a run until it reaches a terminal status
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    Clock
}

// NewPoller creates a Poller on the wall clock
func NewPoller(interval, timeout time.Duration) *Poller {
	return &Poller{Interval: interval, Timeout: timeout}
}

func (p *Poller) settings() (time.Duration, time.Duration, Clock) {
	interval, timeout, clock := p.Interval, p.Timeout, p.Clock
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	if clock == nil {
		clock = realClock{}
	}
	return interval, timeout, clock
}

// PollUntilTerminal returns the run as soon as it is terminal. If the timeout
// elapses first it returns a *PollTimeoutError carrying the last status.
// Cancelling ctx stops polling with ctx.Err().
func (p *Poller) PollUntilTerminal(ctx context.Context, client RunRetriever, threadID, runID string) (*Run, error) {
	interval, timeout, clock := p.settings()
	start := clock.Now()

	for attempt := 1; ; attempt++ {
		run, err := client.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			return nil, fmt.Errorf("retrieving run (attempt %d): %w", attempt, err)
		}
		if run.Status.Terminal() {
			return run, nil
		}

		elapsed := clock.Now().Sub(start)
		if elapsed >= timeout {
			return nil, &PollTimeoutError{RunID: runID, LastStatus: run.Status, Elapsed: elapsed}
		}

		wait := min(interval, timeout-elapsed)
		if err := clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}
