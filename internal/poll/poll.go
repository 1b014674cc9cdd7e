// Package poll implements the bounded wait used for every hardware flag.
package poll

import (
	"context"
	"errors"
	"time"

	"gopkg.in/retry.v1"
)

// ErrTimeout is returned when the condition never became true.
var ErrTimeout = errors.New("poll: condition not met")

// Options bounds a poll.
type Options struct {
	// Interval is the sleep between checks.
	Interval time.Duration
	// Attempts is the maximum number of checks. Values below one mean a single check.
	Attempts int
	// Clock defaults to the wall clock.
	Clock retry.Clock
}

// Every returns Options checking n times, interval apart.
func Every(interval time.Duration, n int) Options {
	return Options{Interval: interval, Attempts: n}
}

// WithClock returns a copy of o using clock.
func (o Options) WithClock(clock retry.Clock) Options {
	o.Clock = clock
	return o
}

// Total is the longest time a poll with these options can wait.
func (o Options) Total() time.Duration {
	if o.Attempts <= 1 {
		return 0
	}
	return o.Interval * time.Duration(o.Attempts-1)
}

func (o Options) strategy() retry.Strategy {
	n := o.Attempts
	if n < 1 {
		n = 1
	}
	return retry.LimitCount(n, retry.Regular{
		Total: o.Interval * time.Duration(n),
		Delay: o.Interval,
		Min:   n,
	})
}

// Until checks cond until it returns true, the attempts run out or ctx is done.
func Until(ctx context.Context, cond func() bool, opts Options) error {
	for attempt := retry.Start(opts.strategy(), opts.Clock); attempt.Next(); {
		if cond() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ErrTimeout
}

// Count runs Until and also reports how many checks were made.
func Count(ctx context.Context, cond func() bool, opts Options) (int, error) {
	n := 0
	err := Until(ctx, func() bool {
		n++
		return cond()
	}, opts)
	return n, err
}
