package service

import (
	"sort"
	"sync"

	"github.com/nexus-edge/machine-gateway/internal/domain"
)

// CommandQueue is the process-wide mailbox of pending HMI commands. It holds
// at most one command per machine; a newer fetch replaces an unclaimed one.
type CommandQueue struct {
	mu      sync.Mutex
	pending map[int]domain.PendingCommand
	signals map[int]chan struct{}
}

// NewCommandQueue creates an empty mailbox.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{
		pending: make(map[int]domain.PendingCommand),
		signals: make(map[int]chan struct{}),
	}
}

// Put stores a command and wakes the machine's writer.
func (q *CommandQueue) Put(cmd domain.PendingCommand) {
	q.mu.Lock()
	q.pending[cmd.MachineID] = cmd
	ch := q.signalLocked(cmd.MachineID)
	q.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

// Take removes and returns the machine's command. Only one caller can win.
func (q *CommandQueue) Take(machineID int) (domain.PendingCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd, ok := q.pending[machineID]
	if ok {
		delete(q.pending, machineID)
	}
	return cmd, ok
}

// Pending returns the machine ids with a waiting command, sorted.
func (q *CommandQueue) Pending() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]int, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of waiting commands.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Signal returns the channel that is poked whenever a command for the
// machine arrives.
func (q *CommandQueue) Signal(machineID int) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.signalLocked(machineID)
}

func (q *CommandQueue) signalLocked(machineID int) chan struct{} {
	ch, ok := q.signals[machineID]
	if !ok {
		ch = make(chan struct{}, 1)
		q.signals[machineID] = ch
	}
	return ch
}
