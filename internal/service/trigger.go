package service

import (
	"github.com/google/uuid"
	"github.com/nexus-edge/machine-gateway/internal/domain"
)

// DefaultSentinel is the process value that marks a finished cycle on the
// TCP machines.
const DefaultSentinel int64 = 305

// CompletionTrigger fires when the process field moves into the sentinel.
type CompletionTrigger struct {
	MachineID int
	Sentinel  int64
}

// NewCompletionTrigger returns a trigger for one machine.
func NewCompletionTrigger(machineID int, sentinel int64) *CompletionTrigger {
	if sentinel == 0 {
		sentinel = DefaultSentinel
	}
	return &CompletionTrigger{MachineID: machineID, Sentinel: sentinel}
}

// Evaluate compares two consecutive snapshots. It never fires without a
// previous snapshot, and holds while the value stays at the sentinel.
func (t *CompletionTrigger) Evaluate(prev, cur domain.Snapshot) (domain.CompletionEvent, bool) {
	if prev.IsZero() {
		return domain.CompletionEvent{}, false
	}
	before := prev.IntOr(domain.FieldProcess, 0)
	now := cur.IntOr(domain.FieldProcess, 0)
	if before == t.Sentinel || now != t.Sentinel {
		return domain.CompletionEvent{}, false
	}

	return domain.CompletionEvent{
		ID:        uuid.NewString(),
		MachineID: t.MachineID,
		Batch:     RecoverBatch(prev, cur),
		Process:   now,
		At:        cur.TakenAt(),
	}, true
}

// RecoverBatch returns the first non-empty trimmed batch of cur, then prev.
func RecoverBatch(prev, cur domain.Snapshot) string {
	if b := cur.TrimmedBatch(); b != "" {
		return b
	}
	return prev.TrimmedBatch()
}
