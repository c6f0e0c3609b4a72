// Package pool provides the fixed-size worker pool that bounds how many
// requests are in flight at once.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/wesleyorama2/surge/internal/failure"
)

// SlotState is the lifecycle state of a worker slot.
type SlotState int32

const (
	// SlotIdle indicates the slot can be acquired.
	SlotIdle SlotState = iota
	// SlotBusy indicates the slot is running a request.
	SlotBusy
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Slot is a handle on one execution slot. Its ID is stable for the whole run
// and is in [0, Size()).
type Slot struct {
	ID int
}

// Pool is a bounded, reusable set of execution slots.
//
// All slots are allocated by New and recycled for the lifetime of the pool;
// the pool never grows. A slot handed out by TryAcquire or Acquire belongs
// to the caller until Release is called exactly once for it.
//
// # Thread Safety
//
// Pool is safe for concurrent use. Slot state transitions happen under a
// single mutex; idle slot IDs are queued on a channel so that Acquire can
// wait for one.
type Pool struct {
	clock clock.Clock

	idle chan int

	mu     sync.Mutex
	states []SlotState
	busy   int
	peak   int
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the clock used for bounded waits.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) {
		p.clock = c
	}
}

// New creates a pool of maxWorkers idle slots.
func New(maxWorkers int, opts ...Option) (*Pool, error) {
	if maxWorkers <= 0 {
		return nil, &failure.ConfigError{Field: "maxWorkers", Message: "maxWorkers must be > 0"}
	}

	p := &Pool{
		clock:  clock.RealClock{},
		idle:   make(chan int, maxWorkers),
		states: make([]SlotState, maxWorkers),
	}
	for _, opt := range opts {
		opt(p)
	}

	for id := 0; id < maxWorkers; id++ {
		p.idle <- id
	}

	return p, nil
}

// TryAcquire returns an idle slot without waiting, or
// failure.ErrPoolExhausted if every slot is busy.
func (p *Pool) TryAcquire() (Slot, error) {
	select {
	case id := <-p.idle:
		return p.claim(id)
	default:
		return Slot{}, failure.ErrPoolExhausted
	}
}

// Acquire returns an idle slot, waiting at most wait for one to be released.
// A wait <= 0 behaves like TryAcquire. It returns failure.ErrPoolExhausted
// when the wait elapses and ctx.Err() when ctx is cancelled first.
func (p *Pool) Acquire(ctx context.Context, wait time.Duration) (Slot, error) {
	if wait <= 0 {
		return p.TryAcquire()
	}

	// Fast path
	select {
	case id := <-p.idle:
		return p.claim(id)
	default:
	}

	timer := p.clock.NewTimer(wait)
	defer timer.Stop()

	select {
	case id := <-p.idle:
		return p.claim(id)
	case <-ctx.Done():
		return Slot{}, ctx.Err()
	case <-timer.C():
		return Slot{}, failure.ErrPoolExhausted
	}
}

// claim marks a dequeued slot busy.
func (p *Pool) claim(id int) (Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.states[id] != SlotIdle {
		return Slot{}, &failure.ProtocolViolation{SlotID: id, Message: "queued slot was not idle"}
	}

	p.states[id] = SlotBusy
	p.busy++
	if p.busy > p.peak {
		p.peak = p.busy
	}
	return Slot{ID: id}, nil
}

// Release returns a slot to the idle set. Releasing a slot that is not
// busy (a double release, or a slot that was never acquired) is a
// *failure.ProtocolViolation and leaves the pool unchanged.
func (p *Pool) Release(slot Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot.ID < 0 || slot.ID >= len(p.states) {
		return &failure.ProtocolViolation{
			SlotID:  slot.ID,
			Message: fmt.Sprintf("slot id out of range [0, %d)", len(p.states)),
		}
	}
	if p.states[slot.ID] != SlotBusy {
		return &failure.ProtocolViolation{SlotID: slot.ID, Message: "slot released while not busy"}
	}

	p.states[slot.ID] = SlotIdle
	p.busy--

	// Never blocks: the channel holds every slot ID at most once.
	p.idle <- slot.ID
	return nil
}

// Size returns the fixed number of slots.
func (p *Pool) Size() int {
	return len(p.states)
}

// Busy returns how many slots are currently running a request.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Idle returns how many slots are free.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states) - p.busy
}

// PeakBusy returns the highest number of simultaneously busy slots seen.
func (p *Pool) PeakBusy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// State returns the state of the slot with the given ID.
func (p *Pool) State(id int) SlotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.states) {
		return SlotIdle
	}
	return p.states[id]
}
