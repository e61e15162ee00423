// Package ids provides identifier generation and logical/wall clock
// services shared across the coordinator's components.
package ids

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind tags an identifier with the entity it names, so ids are
// self-describing when they show up in logs or RPC payloads.
type Kind string

const (
	KindAgent      Kind = "agt"
	KindTask       Kind = "tsk"
	KindSession    Kind = "sess"
	KindProposal   Kind = "prop"
	KindPartition  Kind = "part"
	KindConnection Kind = "conn"
	KindSubscribe  Kind = "sub"
)

// New returns a new identifier of the given kind, e.g. "agt_<uuid>". The
// uuid part is a version 7 UUID, so ids of one kind minted by a process
// sort in the order they were created.
func New(kind Kind) string {
	return fmt.Sprintf("%s_%s", kind, uuid.Must(uuid.NewV7()).String())
}

// Clock supplies wall-clock and logical timestamps. Production code uses
// SystemClock; tests can substitute a FakeClock for deterministic timing.
type Clock interface {
	Now() time.Time
	// Tick returns a process-wide monotonically increasing counter, used
	// to break ties between events that land in the same wall-clock tick
	// (e.g. submission-time ordering in the scheduler's ready queue).
	Tick() int64
}

// SystemClock is the real-time Clock backed by time.Now and an atomic
// counter.
type SystemClock struct {
	counter atomic.Int64
}

// NewSystemClock returns a ready-to-use SystemClock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

func (c *SystemClock) Tick() int64 {
	return c.counter.Add(1)
}

// FakeClock is a controllable Clock for tests.
type FakeClock struct {
	now     time.Time
	counter int64
}

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

func (c *FakeClock) Tick() int64 {
	c.counter++
	return c.counter
}

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// Set pins the fake clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.now = t
}
