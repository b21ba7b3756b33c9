// Package ingest loads uploaded labeled image sets.
//
// Some transports cannot tell us when an upload has finished, so the machine
// polls the source on a short interval until all bytes are present, then
// decodes and publishes the set. Every selection bumps a generation token, and
// only the newest generation's set is ever published.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/event"
	"github.com/cyclopcam/teachable/pkg/idgen"
	"github.com/cyclopcam/teachable/pkg/labelset"
	"github.com/cyclopcam/teachable/pkg/tensor"
)

type State int

const (
	Idle State = iota
	Selected
	Polling
	Received
	Decoded
	Superseded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Selected:
		return "selected"
	case Polling:
		return "polling"
	case Received:
		return "received"
	case Decoded:
		return "decoded"
	case Superseded:
		return "superseded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal is true for states that a ticket never leaves
func (s State) Terminal() bool {
	return s == Decoded || s == Superseded || s == Failed
}

type Config struct {
	PollInterval time.Duration // How often an incomplete source is re-checked
	Timeout      time.Duration // Fail if the source is not complete after this long. Zero means wait forever.
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
	}
}

// Loaded is sent to listeners when a set has been decoded.
// Listeners run on the ingestion goroutine without the machine lock held, so a
// slow listener never blocks Select or State. A listener takes the set by calling
// Install. If nobody installs it, the set is released after all listeners have run.
type Loaded struct {
	Ticket  *Ticket
	machine *Machine
	set     *labelset.Set
	claimed bool
}

// Set returns the decoded set, for inspection during the callback
func (l *Loaded) Set() *labelset.Set {
	return l.set
}

// Install hands the set to fn, but only if this upload is still the newest selection.
// fn runs under the machine lock, so a concurrent Select either happens entirely
// before it (and Install returns false) or entirely after it. fn takes ownership
// of the set. It must be quick, and must not call back into the Machine.
// On success the ticket is Decoded.
func (l *Loaded) Install(fn func(set *labelset.Set)) bool {
	m := l.machine
	m.lock.Lock()
	defer m.lock.Unlock()
	if l.claimed || !m.isCurrentLocked(l.Ticket) {
		return false
	}
	l.claimed = true
	fn(l.set)
	l.Ticket.finish(Decoded, nil)
	return true
}

// Machine ingests one upload at a time
type Machine struct {
	Loaded event.Sender[*Loaded]

	log    logs.Log
	arena  *tensor.Arena
	config Config

	lock    sync.Mutex
	gen     idgen.Generation
	current *Ticket
	closed  bool
	wg      sync.WaitGroup
}

func NewMachine(log logs.Log, arena *tensor.Arena, config Config) *Machine {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	return &Machine{
		log:    log,
		arena:  arena,
		config: config,
	}
}

// Current returns the most recently selected ticket, or nil
func (m *Machine) Current() *Ticket {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.current
}

// State returns the state of the most recent ticket, or Idle if there is none
func (m *Machine) State() State {
	if t := m.Current(); t != nil {
		return t.State()
	}
	return Idle
}

// Select starts ingesting src. Any previous upload that is still in flight is
// superseded: its polling stops and its result will never be published.
func (m *Machine) Select(src Source) *Ticket {
	m.lock.Lock()
	defer m.lock.Unlock()

	// Invalidating the generation and cancelling the previous poll happen
	// together under the lock, so a stale tick can never observe the new ticket.
	m.supersedeCurrentLocked()

	ctx, cancel := context.WithCancel(context.Background())
	t := &Ticket{
		Source:             src,
		ReceivedBytesKnown: src.ReceivedBytesKnown(),
		Generation:         m.gen.Next(),
		Selected:           time.Now(),
		cancel:             cancel,
		state:              Selected,
		done:               make(chan struct{}),
	}
	m.current = t
	if m.closed {
		t.finish(Failed, fmt.Errorf("Ingestion machine is closed"))
		cancel()
		return t
	}
	m.log.Infof("Upload %v selected (generation %v)", src.Name(), t.Generation)
	m.wg.Add(1)
	go m.run(ctx, t)
	return t
}

func (m *Machine) supersedeCurrentLocked() {
	if m.current == nil {
		return
	}
	m.current.cancel()
	if m.current.finish(Superseded, nil) {
		m.log.Infof("Upload %v superseded (generation %v)", m.current.Source.Name(), m.current.Generation)
	}
}

// Close supersedes any in-flight upload, and waits for its goroutine to exit
func (m *Machine) Close() {
	m.lock.Lock()
	m.closed = true
	m.supersedeCurrentLocked()
	m.lock.Unlock()
	m.wg.Wait()
}

func (m *Machine) run(ctx context.Context, t *Ticket) {
	defer m.wg.Done()
	defer t.cancel()

	if !t.ReceivedBytesKnown {
		if !m.poll(ctx, t) {
			return
		}
	}

	if ctx.Err() != nil || !m.gen.IsCurrent(t.Generation) {
		t.finish(Superseded, nil)
		return
	}
	t.setState(Received)
	data, err := t.Source.ReadAll()
	if err != nil {
		m.fail(t, fmt.Errorf("Failed to read upload %v: %w", t.Source.Name(), err))
		return
	}
	set, err := labelset.Unmarshal(m.log, m.arena, data)
	if err != nil {
		m.fail(t, err)
		return
	}
	m.publish(t, set)
}

// poll waits for the source to complete. Returns false if the ticket reached
// a terminal state instead.
func (m *Machine) poll(ctx context.Context, t *Ticket) bool {
	t.setState(Polling)
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	var timeout <-chan time.Time
	if m.config.Timeout > 0 {
		timer := time.NewTimer(m.config.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			t.finish(Superseded, nil)
			return false
		case <-timeout:
			m.fail(t, fmt.Errorf("Upload %v did not complete within %v", t.Source.Name(), m.config.Timeout))
			return false
		case <-ticker.C:
			if !m.gen.IsCurrent(t.Generation) {
				t.finish(Superseded, nil)
				return false
			}
			t.polls.Add(1)
			done, err := t.Source.Complete()
			if err != nil {
				m.fail(t, fmt.Errorf("Upload %v failed: %w", t.Source.Name(), err))
				return false
			}
			if done {
				return true
			}
		}
	}
}

func (m *Machine) fail(t *Ticket, err error) {
	if t.finish(Failed, err) {
		m.log.Warnf("Upload %v failed: %v", t.Source.Name(), err)
	}
}

func (m *Machine) isCurrentLocked(t *Ticket) bool {
	return !m.closed && m.gen.IsCurrent(t.Generation) && !t.State().Terminal()
}

func (m *Machine) publish(t *Ticket, set *labelset.Set) {
	m.lock.Lock()
	current := m.isCurrentLocked(t)
	m.lock.Unlock()
	if !current {
		set.Release()
		t.finish(Superseded, nil)
		return
	}

	m.log.Infof("Upload %v decoded: %v groups, %v images", t.Source.Name(), len(set.Groups), set.NumImages())
	ev := &Loaded{Ticket: t, machine: m, set: set}
	m.Loaded.SendEvent(ev)
	if ev.claimed {
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.isCurrentLocked(t) {
		m.log.Warnf("Nobody installed upload %v. Releasing it", t.Source.Name())
		t.finish(Decoded, nil)
	} else {
		t.finish(Superseded, nil)
	}
	set.Release()
}
