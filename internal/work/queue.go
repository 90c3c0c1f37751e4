// Package work tracks submitted GPU work until the queue reports it complete.
//
// Each submission becomes an Entry keyed by a monotonically increasing id.
// The native queue numbers submissions with a serial; an entry is complete
// once the queue's completed serial reaches the entry's serial. Completion
// is observed by polling, and every observer reclaims every finished entry
// no matter which goroutine submitted it.
package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownID is returned when waiting on an id the queue never issued.
var ErrUnknownID = errors.New("work: unknown submission id")

// Poller reports the highest submission serial the GPU has finished.
type Poller interface {
	PollCompleted() uint64
}

// Entry is one in-flight submission.
type Entry struct {
	ID     uint64
	Serial uint64
	Origin string

	// Deps are ids of earlier entries this one waits on. Entries complete
	// in serial order, so every dependency finishes no later than the entry.
	Deps []uint64

	done    chan struct{}
	reclaim func()
}

// Done returns a channel closed when the entry has been reclaimed.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Stats counts queue activity.
type Stats struct {
	Submitted uint64
	Reclaimed uint64
	Pending   int
	Completed uint64 // last completed serial observed
}

// Queue is the in-flight submission list. Queue is safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	poller    Poller
	nextID    uint64
	pending   []*Entry
	byID      map[uint64]*Entry
	reclaimed uint64
	completed uint64
}

// NewQueue creates a queue that polls p for completion.
func NewQueue(p Poller) *Queue {
	return &Queue{
		poller: p,
		byID:   make(map[uint64]*Entry),
	}
}

// Push records a submission with the given serial. Callers must push in
// serial order, and deps may name only ids already issued. reclaim runs
// exactly once, after completion is observed.
func (q *Queue) Push(serial uint64, deps []uint64, origin string, reclaim func()) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.pending); n > 0 && q.pending[n-1].Serial > serial {
		panic(fmt.Sprintf("work: serial %d pushed after %d", serial, q.pending[n-1].Serial))
	}
	for _, dep := range deps {
		if dep == 0 || dep > q.nextID {
			panic(fmt.Sprintf("work: dependency %d was never issued", dep))
		}
	}
	q.nextID++
	e := &Entry{
		ID:      q.nextID,
		Serial:  serial,
		Deps:    deps,
		Origin:  origin,
		done:    make(chan struct{}),
		reclaim: reclaim,
	}
	q.pending = append(q.pending, e)
	q.byID[e.ID] = e
	return e
}

// RemoveFinished reclaims every entry whose serial has completed and returns
// the number reclaimed together with the completed serial it observed.
// Entries that have not completed are never touched.
func (q *Queue) RemoveFinished() (int, uint64) {
	completed := q.poller.PollCompleted()

	q.mu.Lock()
	if completed > q.completed {
		q.completed = completed
	}
	completed = q.completed
	n := 0
	for n < len(q.pending) && q.pending[n].Serial <= completed {
		n++
	}
	finished := make([]*Entry, n)
	copy(finished, q.pending[:n])
	q.pending = append(q.pending[:0], q.pending[n:]...)
	for _, e := range finished {
		delete(q.byID, e.ID)
	}
	q.reclaimed += uint64(n)
	q.mu.Unlock()

	for _, e := range finished {
		if e.reclaim != nil {
			e.reclaim()
		}
		close(e.done)
	}
	return n, completed
}

// IsDone reports whether id has completed. It does not reclaim.
func (q *Queue) IsDone(id uint64) bool {
	q.mu.Lock()
	e, ok := q.byID[id]
	q.mu.Unlock()
	if !ok {
		return true
	}
	return q.poller.PollCompleted() >= e.Serial
}

// LastID returns the most recently issued id, or zero.
func (q *Queue) LastID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextID
}

const (
	minBackoff = 20 * time.Microsecond
	maxBackoff = 2 * time.Millisecond
)

// Wait blocks until id has completed and been reclaimed, or ctx is done.
func (q *Queue) Wait(ctx context.Context, id uint64) error {
	q.mu.Lock()
	if id == 0 || id > q.nextID {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	e, ok := q.byID[id]
	q.mu.Unlock()
	if !ok {
		return nil
	}

	backoff := minBackoff
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-e.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		q.RemoveFinished()
		backoff = min(backoff*2, maxBackoff)
		timer.Reset(backoff)
	}
}

// WaitAll blocks until everything pushed so far has completed.
func (q *Queue) WaitAll(ctx context.Context) error {
	last := q.LastID()
	if last == 0 {
		return nil
	}
	return q.Wait(ctx, last)
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Submitted: q.nextID,
		Reclaimed: q.reclaimed,
		Pending:   len(q.pending),
		Completed: q.completed,
	}
}
