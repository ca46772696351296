package service

import (
	"strconv"
	"time"

	"github.com/nexus-edge/machine-gateway/internal/domain"
)

// Edge is the machine-on transition between two snapshots.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeOn
	EdgeOff
)

// String implements fmt.Stringer.
func (e Edge) String() string {
	switch e {
	case EdgeOn:
		return "on"
	case EdgeOff:
		return "off"
	default:
		return "none"
	}
}

// MachineEdge compares the machine-on flag of two snapshots. An empty
// previous snapshot counts as off.
func MachineEdge(prev, cur domain.Snapshot) Edge {
	wasOn, on := prev.MachineOn(), cur.MachineOn()
	switch {
	case on && !wasOn:
		return EdgeOn
	case !on && wasOn:
		return EdgeOff
	default:
		return EdgeNone
	}
}

// Classify builds the change sets one cycle publishes, in tier order. Empty
// change sets are left out.
func Classify(machineID int, prev, cur domain.Snapshot) []domain.ChangeSet {
	at := cur.TakenAt()
	if at.IsZero() {
		at = time.Now()
	}
	edge := MachineEdge(prev, cur)

	out := make([]domain.ChangeSet, 0, len(domain.Tiers))
	add := func(cs domain.ChangeSet) {
		if !cs.Empty() {
			out = append(out, cs)
		}
	}

	add(highFrequency(machineID, prev, cur, edge, at))
	add(mediumFrequency(machineID, prev, cur, at))
	add(cycleContext(machineID, prev, cur, edge, at))
	add(maintenance(machineID, prev, cur, at))
	return out
}

// highFrequency re-publishes the whole tier on an off to on edge.
func highFrequency(machineID int, prev, cur domain.Snapshot, edge Edge, at time.Time) domain.ChangeSet {
	cs := domain.ChangeSet{MachineID: machineID, Tier: domain.TierHighFrequency, At: at}
	for _, f := range domain.HighFrequencyFields() {
		v, ok := cur.Int(f)
		if !ok {
			continue
		}
		if edge == EdgeOn || domain.FieldChanged(prev, cur, f) {
			cs.Add(f, f.Scale(v))
		}
	}
	return cs
}

func mediumFrequency(machineID int, prev, cur domain.Snapshot, at time.Time) domain.ChangeSet {
	cs := domain.ChangeSet{MachineID: machineID, Tier: domain.TierMediumFrequency, At: at}
	for _, f := range domain.MediumFrequencyFields() {
		v, ok := cur.Int(f)
		if !ok {
			continue
		}
		if domain.FieldChanged(prev, cur, f) {
			cs.Add(f, f.Scale(v))
		}
	}
	return cs
}

// cycleContext has two mutually exclusive paths: the full context while the
// machine is on, or the off reason alone while it is off.
func cycleContext(machineID int, prev, cur domain.Snapshot, edge Edge, at time.Time) domain.ChangeSet {
	cs := domain.ChangeSet{MachineID: machineID, Tier: domain.TierCycleContext, At: at}

	if cur.MachineOn() {
		changed := edge == EdgeOn
		for _, f := range domain.ContextFields() {
			if domain.FieldChanged(prev, cur, f) {
				changed = true
			}
		}
		if !changed {
			return cs
		}
		for _, f := range domain.ContextFields() {
			if f == domain.FieldBatch {
				cs.Add(f, cur.TrimmedBatch())
				continue
			}
			cs.Add(f, cur.IntOr(f, 0))
		}
		return cs
	}

	// an absent off reason reads as 0 on both sides
	if edge == EdgeOff || prev.IntOr(domain.FieldOffReason, 0) != cur.IntOr(domain.FieldOffReason, 0) {
		cs.Add(domain.FieldOffReason, cur.IntOr(domain.FieldOffReason, 0))
	}
	return cs
}

// maintenance publishes when the reset id moves to a new non-zero value.
func maintenance(machineID int, prev, cur domain.Snapshot, at time.Time) domain.ChangeSet {
	cs := domain.ChangeSet{MachineID: machineID, Tier: domain.TierMaintenance, At: at}

	id, ok := cur.Int(domain.FieldResetID)
	if !ok || id <= 0 || !domain.FieldChanged(prev, cur, domain.FieldResetID) {
		return cs
	}
	cs.Add(domain.FieldResetID, id)
	user := ""
	if v, ok := cur.Int(domain.FieldMaintenanceUser); ok {
		user = strconv.FormatInt(v, 10)
	}
	cs.Add(domain.FieldMaintenanceUser, user)
	return cs
}
