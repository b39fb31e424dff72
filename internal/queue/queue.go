// Package queue serializes operations on a transport that cannot take
// overlapping writes.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned for operations submitted to, or still pending in, a
// closed queue.
var ErrClosed = errors.New("queue: closed")

// DefaultPace is the gap between two operations.
const DefaultPace = time.Millisecond

const backlog = 64

type result struct {
	value any
	err   error
}

type job struct {
	ctx  context.Context
	run  func(context.Context) (any, error)
	done chan result
}

// Queue runs submitted operations one at a time, in submission order, on a
// single worker goroutine. After each operation it waits pace before
// starting the next, giving the device firmware time to digest the write.
type Queue struct {
	jobs chan *job
	pace time.Duration

	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New starts a queue worker. A negative pace is treated as zero.
func New(pace time.Duration) *Queue {
	if pace < 0 {
		pace = 0
	}
	q := &Queue{
		jobs:    make(chan *job, backlog),
		pace:    pace,
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.worker()
	return q
}

// Do submits op and waits for its result. The operation's error is returned
// only to this caller; later operations still run.
func Do[T any](ctx context.Context, q *Queue, op func(context.Context) (T, error)) (T, error) {
	v, err := q.submit(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	t, _ := v.(T)
	return t, err
}

// Submit runs op through the queue and returns its error.
func (q *Queue) Submit(ctx context.Context, op func(context.Context) error) error {
	_, err := q.submit(ctx, func(ctx context.Context) (any, error) {
		return nil, op(ctx)
	})
	return err
}

func (q *Queue) submit(ctx context.Context, run func(context.Context) (any, error)) (any, error) {
	j := &job{ctx: ctx, run: run, done: make(chan result, 1)}

	select {
	case <-q.quit:
		return nil, ErrClosed
	default:
	}

	select {
	case q.jobs <- j:
	case <-q.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.done:
		return r.value, r.err
	case <-ctx.Done():
		// the job is skipped or finishes on its own; done is buffered
		return nil, ctx.Err()
	case <-q.stopped:
		select {
		case r := <-j.done:
			return r.value, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// Close stops accepting operations. Pending operations fail with ErrClosed;
// the one already running is left to finish. Close is idempotent and may be
// called from inside an operation.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.quit)
	})
}

// Len reports how many operations are waiting to start.
func (q *Queue) Len() int {
	return len(q.jobs)
}

func (q *Queue) worker() {
	defer close(q.stopped)
	defer q.drain()

	for {
		select {
		case <-q.quit:
			return
		case j := <-q.jobs:
			select {
			case <-q.quit:
				j.done <- result{err: ErrClosed}
				return
			default:
			}
			q.run(j)
		}

		if q.pace > 0 {
			t := time.NewTimer(q.pace)
			select {
			case <-q.quit:
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func (q *Queue) run(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- result{err: err}
		return
	}

	var r result
	func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Msg("queued operation panicked")
				r = result{err: errors.New("queue: operation panicked")}
			}
		}()
		r.value, r.err = j.run(j.ctx)
	}()
	j.done <- r
}

func (q *Queue) drain() {
	for {
		select {
		case j := <-q.jobs:
			j.done <- result{err: ErrClosed}
		default:
			return
		}
	}
}
