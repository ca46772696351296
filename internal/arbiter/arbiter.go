// Package arbiter coordinates transport access between the pollers and the
// command writers.
//
// Two policies exist. The flag policy is meant for deployments with one link
// per machine: any write in progress pauses every poller, and a machine's
// poller and writer never hold that machine at the same time. The shared-bus
// policy is meant for one serial line carrying many machines: every register
// transaction runs under a single bus lock and a writer's data and status
// writes are held together.
package arbiter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/machine-gateway/internal/domain"
)

// Policy names an arbitration policy.
type Policy string

const (
	PolicyAuto      Policy = "auto"
	PolicyFlag      Policy = "flag"
	PolicySharedBus Policy = "shared_bus"
)

// Arbiter is shared by every poller and writer of a deployment.
type Arbiter interface {
	// Policy returns the active policy.
	Policy() Policy

	// BeginCycle is called before a poller touches the transport. When it
	// returns false the cycle is skipped and EndCycle must not be called.
	BeginCycle(machineID int) bool

	// EndCycle releases what BeginCycle acquired.
	EndCycle(machineID int)

	// Transaction runs exactly one register read or write.
	Transaction(fn func() error) error

	// Write runs a writer's whole command for one machine.
	Write(machineID int, fn func() error) error

	// Pair runs a data write and its status write as one unit. It must be
	// called from inside Write and fn must not call Transaction.
	Pair(fn func() error) error

	// ReadGap is the pause a poller keeps between consecutive reads.
	ReadGap() time.Duration

	// Stats returns counters for status reporting.
	Stats() Stats
}

// Stats contains arbiter counters.
type Stats struct {
	Policy        Policy `json:"policy"`
	ActiveWrites  int32  `json:"active_writes"`
	CyclesGranted uint64 `json:"cycles_granted"`
	CyclesSkipped uint64 `json:"cycles_skipped"`
	Transactions  uint64 `json:"transactions"`
	Writes        uint64 `json:"writes"`
}

// Options tunes an arbiter.
type Options struct {
	// ReadGap applies to the shared-bus policy only.
	ReadGap time.Duration
}

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyAuto, PolicyFlag, PolicySharedBus:
		return p, nil
	case "":
		return PolicyAuto, nil
	default:
		return "", fmt.Errorf("%w: unknown arbitration policy %q", domain.ErrInvalidConfig, s)
	}
}

// Resolve turns auto into a concrete policy: shared_bus as soon as any
// machine sits on the serial line, flag otherwise.
func Resolve(policy Policy, machines []*domain.Machine) Policy {
	if policy != PolicyAuto {
		return policy
	}
	for _, m := range machines {
		if m.Transport.Kind == domain.TransportSerial {
			return PolicySharedBus
		}
	}
	return PolicyFlag
}

// New creates the arbiter for a concrete policy.
func New(policy Policy, opts Options) (Arbiter, error) {
	switch policy {
	case PolicyFlag:
		return newFlagArbiter(), nil
	case PolicySharedBus:
		return newSharedBusArbiter(opts.ReadGap), nil
	default:
		return nil, fmt.Errorf("%w: arbitration policy %q must be resolved first", domain.ErrInvalidConfig, policy)
	}
}

type counters struct {
	granted      atomic.Uint64
	skipped      atomic.Uint64
	transactions atomic.Uint64
	writes       atomic.Uint64
}

// flagArbiter pauses all pollers while any write runs.
type flagArbiter struct {
	active   atomic.Int32
	mu       sync.Mutex
	machines map[int]*sync.Mutex
	counters
}

func newFlagArbiter() *flagArbiter {
	return &flagArbiter{machines: make(map[int]*sync.Mutex)}
}

func (a *flagArbiter) machine(id int) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.machines[id]
	if !ok {
		m = &sync.Mutex{}
		a.machines[id] = m
	}
	return m
}

func (a *flagArbiter) Policy() Policy { return PolicyFlag }

func (a *flagArbiter) BeginCycle(machineID int) bool {
	if a.active.Load() > 0 {
		a.skipped.Add(1)
		return false
	}
	m := a.machine(machineID)
	m.Lock()
	// a write may have started while we waited for the machine
	if a.active.Load() > 0 {
		m.Unlock()
		a.skipped.Add(1)
		return false
	}
	a.granted.Add(1)
	return true
}

func (a *flagArbiter) EndCycle(machineID int) {
	a.machine(machineID).Unlock()
}

func (a *flagArbiter) Transaction(fn func() error) error {
	a.transactions.Add(1)
	return fn()
}

func (a *flagArbiter) Write(machineID int, fn func() error) error {
	a.active.Add(1)
	defer a.active.Add(-1)

	m := a.machine(machineID)
	m.Lock()
	defer m.Unlock()

	a.writes.Add(1)
	return fn()
}

func (a *flagArbiter) Pair(fn func() error) error {
	a.transactions.Add(2)
	return fn()
}

func (a *flagArbiter) ReadGap() time.Duration { return 0 }

func (a *flagArbiter) Stats() Stats {
	return Stats{
		Policy:        PolicyFlag,
		ActiveWrites:  a.active.Load(),
		CyclesGranted: a.granted.Load(),
		CyclesSkipped: a.skipped.Load(),
		Transactions:  a.transactions.Load(),
		Writes:        a.writes.Load(),
	}
}

// sharedBusArbiter serialises every transaction on one lock.
type sharedBusArbiter struct {
	bus    sync.Mutex
	gap    time.Duration
	active atomic.Int32
	counters
}

func newSharedBusArbiter(gap time.Duration) *sharedBusArbiter {
	return &sharedBusArbiter{gap: gap}
}

func (a *sharedBusArbiter) Policy() Policy { return PolicySharedBus }

func (a *sharedBusArbiter) BeginCycle(int) bool {
	a.granted.Add(1)
	return true
}

func (a *sharedBusArbiter) EndCycle(int) {}

func (a *sharedBusArbiter) Transaction(fn func() error) error {
	a.bus.Lock()
	defer a.bus.Unlock()
	a.transactions.Add(1)
	return fn()
}

func (a *sharedBusArbiter) Write(_ int, fn func() error) error {
	a.active.Add(1)
	defer a.active.Add(-1)
	a.writes.Add(1)
	return fn()
}

func (a *sharedBusArbiter) Pair(fn func() error) error {
	a.bus.Lock()
	defer a.bus.Unlock()
	a.transactions.Add(2)
	return fn()
}

func (a *sharedBusArbiter) ReadGap() time.Duration { return a.gap }

func (a *sharedBusArbiter) Stats() Stats {
	return Stats{
		Policy:        PolicySharedBus,
		ActiveWrites:  a.active.Load(),
		CyclesGranted: a.granted.Load(),
		CyclesSkipped: a.skipped.Load(),
		Transactions:  a.transactions.Load(),
		Writes:        a.writes.Load(),
	}
}
