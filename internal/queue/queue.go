// Package queue wakes job workers when new work is enqueued. It carries no
// job data: workers always claim jobs from the store, and a missed signal
// only delays a job until the next poll.
package queue

import (
	"context"
	"fmt"
	"time"
)

const (
	BackendPoll  = "poll"
	BackendRedis = "redis"
)

// Signal notifies workers that a job is pending.
type Signal interface {
	// Notify announces one pending job.
	Notify(ctx context.Context) error
	// Wait blocks until a notification arrives, the timeout passes, or ctx
	// is done. It reports whether a notification was received.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
	Close() error
}

// New returns the signal for the named backend.
func New(ctx context.Context, backend, redisAddr string) (Signal, error) {
	switch backend {
	case "", BackendPoll:
		return NewPoll(), nil
	case BackendRedis:
		return NewRedis(ctx, redisAddr)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

// Poll is an in-process signal. Notifications coalesce: any number of
// Notify calls between two Waits wake one waiter.
type Poll struct {
	ch chan struct{}
}

func NewPoll() *Poll {
	return &Poll{ch: make(chan struct{}, 1)}
}

func (p *Poll) Notify(context.Context) error {
	select {
	case p.ch <- struct{}{}:
	default:
	}
	return nil
}

func (p *Poll) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *Poll) Close() error { return nil }
