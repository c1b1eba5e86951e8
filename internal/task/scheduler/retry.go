package scheduler

import (
	"errors"
	"time"
)

// RetryPolicy maps a failed run to RETRY(delay) or ABANDON.
type RetryPolicy struct {
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64
	// Rand returns a value in [0, 1). Nil disables jitter.
	Rand func() float64
}

func (c Config) retryPolicy(rnd func() float64) RetryPolicy {
	return RetryPolicy{Base: c.RetryBase, MaxDelay: c.RetryMaxDelay, Jitter: c.RetryJitter, Rand: rnd}
}

// OnFailure spends one retry of job and decides what happens next.
//
// The returned job has RetriesRemaining decremented (never below zero) and
// ConsecutiveFailures incremented. While retries remain the decision is RETRY
// with DueDate at the earliest in-window instant at or after now+delay, so a
// backoff that runs past the window's end lands on the next occurrence's start.
// A NoRetry cause or an exhausted budget yields ABANDON.
func (p RetryPolicy) OnFailure(job Job, cause error, cfg Config, now time.Time) (Job, Decision) {
	job.ConsecutiveFailures++
	if job.RetriesRemaining > 0 {
		job.RetriesRemaining--
	}
	if IsNoRetry(cause) {
		job.RetriesRemaining = 0
	}
	if job.RetriesRemaining == 0 {
		return job, Decision{Action: ActionAbandon}
	}

	delay := p.delay(job.ConsecutiveFailures, cause)
	due := cfg.Window.DueDate(now.Add(delay))
	return job, Decision{Action: ActionRetry, DueDate: due, Delay: delay}
}

// delay is exponential in attempt (base, 2*base, 4*base ...) capped at
// MaxDelay, or the RetryAfter hint when the cause carries one.
func (p RetryPolicy) delay(attempt int, cause error) time.Duration {
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = DefaultRetryMaxDelay
	}

	var d time.Duration
	var ra RetryAfterError
	if cause != nil && errors.As(cause, &ra) {
		d = ra.RetryAfter()
		if d < 0 {
			d = 0
		}
	} else {
		d = p.Base
		if d <= 0 {
			d = DefaultRetryBase
		}
		for i := 1; i < attempt && d < maxD; i++ {
			if d > maxD/2 {
				d = maxD
				break
			}
			d *= 2
		}
	}
	if d > maxD {
		d = maxD
	}
	if p.Jitter > 0 && p.Rand != nil && d > 0 {
		r := (p.Rand()*2 - 1) * p.Jitter
		f := float64(d) * (1 + r)
		switch {
		case f <= 0:
			d = 0
		case f >= float64(maxD):
			d = maxD
		default:
			d = time.Duration(f)
		}
	}
	return d
}
