package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Ticket tracks one selected upload through the ingestion machine
type Ticket struct {
	Source             Source
	ReceivedBytesKnown bool
	Generation         uint64
	Selected           time.Time

	cancel context.CancelFunc
	polls  atomic.Int64

	lock  sync.Mutex
	state State
	err   error
	done  chan struct{}
}

func (t *Ticket) State() State {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.state
}

// Err is the reason for a Failed ticket
func (t *Ticket) Err() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.err
}

// Polls is the number of completion checks made so far
func (t *Ticket) Polls() int64 {
	return t.polls.Load()
}

// Done is closed when the ticket reaches a terminal state
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the ticket reaches a terminal state, or ctx expires
func (t *Ticket) Wait(ctx context.Context) (State, error) {
	select {
	case <-t.done:
		return t.State(), t.Err()
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}

func (t *Ticket) setState(s State) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.state.Terminal() {
		t.state = s
	}
}

// finish moves the ticket into a terminal state.
// Returns false if the ticket was already terminal.
func (t *Ticket) finish(s State, err error) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = s
	t.err = err
	close(t.done)
	return true
}
