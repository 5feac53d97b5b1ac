package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apinto/fmc-rule-cleanup/internal/fmc"
)

// ErrRunAborted is returned once the shared consecutive-failure
// counter exhausts; the run must stop after the current rule.
var ErrRunAborted = errors.New("aborted after repeated connection failures")

type SchedulerState string

const (
	StateIdle           SchedulerState = "idle"
	StateAttempting     SchedulerState = "attempting"
	StateWaitingBackoff SchedulerState = "waiting-backoff"
	StateSucceeded      SchedulerState = "succeeded"
	StateAborted        SchedulerState = "aborted"
)

// backoffLadder is the per-call retry schedule. Four attempts; no wait
// after the final failure. HTTP 429 responses ride the same ladder as
// timeouts and connection errors.
var backoffLadder = []time.Duration{
	60 * time.Second,
	90 * time.Second,
	120 * time.Second,
	240 * time.Second,
}

// maxConsecutiveFailures is the cross-rule abort threshold: this many
// transient failures with no intervening success ends the run.
const maxConsecutiveFailures = 10

// Scheduler wraps every external call in bounded progressive backoff
// and owns the run-wide consecutive-failure counter. Owned by the
// single worker; not safe for concurrent use.
type Scheduler struct {
	delays      []time.Duration
	maxFailures int
	consecutive int
	state       SchedulerState
	log         *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewScheduler(log *slog.Logger) *Scheduler {
	return &Scheduler{
		delays:      backoffLadder,
		maxFailures: maxConsecutiveFailures,
		state:       StateIdle,
		log:         log,
		sleep:       sleepCtx,
	}
}

func (s *Scheduler) State() SchedulerState {
	return s.state
}

func (s *Scheduler) Aborted() bool {
	return s.state == StateAborted
}

func (s *Scheduler) Consecutive() int {
	return s.consecutive
}

// Do runs fn, retrying transient failures along the backoff ladder.
// Permanent failures return immediately. Once the shared counter
// reaches its limit the scheduler aborts: the current call fails with
// ErrRunAborted and every later call fails without attempting.
func (s *Scheduler) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.state == StateAborted {
		return ErrRunAborted
	}
	attempts := len(s.delays)
	for attempt := 0; attempt < attempts; attempt++ {
		s.state = StateAttempting
		err := fn(ctx)
		if err == nil {
			s.state = StateSucceeded
			s.consecutive = 0
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fmc.Transient(err) {
			s.state = StateIdle
			return err
		}

		s.consecutive++
		if s.consecutive >= s.maxFailures {
			s.state = StateAborted
			s.log.Error("consecutive failure limit reached, aborting run",
				"op", op, "consecutive", s.consecutive, "limit", s.maxFailures)
			return fmt.Errorf("%w: %v", ErrRunAborted, err)
		}
		if attempt == attempts-1 {
			s.state = StateIdle
			s.log.Warn("retries exhausted", "op", op, "attempts", attempts, "error", err)
			return err
		}

		delay := s.delays[attempt]
		s.log.Warn("transient failure, backing off",
			"op", op, "attempt", attempt+1, "of", attempts,
			"delay", delay, "consecutive", s.consecutive, "error", err)
		s.state = StateWaitingBackoff
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
