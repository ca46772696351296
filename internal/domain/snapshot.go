package domain

import (
	"strings"
	"time"
)

// Snapshot is the decoded result of one complete read cycle: an integer per
// numeric field plus the batch string. A zero Snapshot means "nothing
// observed yet".
type Snapshot struct {
	values   map[Field]int64
	batch    string
	hasBatch bool
	takenAt  time.Time
}

// NewSnapshot creates an empty snapshot stamped with the given time.
func NewSnapshot(at time.Time) Snapshot {
	return Snapshot{values: make(map[Field]int64), takenAt: at}
}

// Set stores a numeric field.
func (s *Snapshot) Set(f Field, v int64) {
	if s.values == nil {
		s.values = make(map[Field]int64)
	}
	s.values[f] = v
}

// SetBatch stores the decoded batch string.
func (s *Snapshot) SetBatch(batch string) {
	s.batch = batch
	s.hasBatch = true
}

// Int returns a numeric field and whether it was read.
func (s Snapshot) Int(f Field) (int64, bool) {
	v, ok := s.values[f]
	return v, ok
}

// IntOr returns a numeric field or def when it was not read.
func (s Snapshot) IntOr(f Field, def int64) int64 {
	if v, ok := s.values[f]; ok {
		return v
	}
	return def
}

// Batch returns the batch string and whether it was read.
func (s Snapshot) Batch() (string, bool) {
	return s.batch, s.hasBatch
}

// Has reports whether the field is present in the snapshot.
func (s Snapshot) Has(f Field) bool {
	if f == FieldBatch {
		return s.hasBatch
	}
	_, ok := s.values[f]
	return ok
}

// IsZero reports whether nothing has been observed.
func (s Snapshot) IsZero() bool {
	return len(s.values) == 0 && !s.hasBatch
}

// TakenAt returns when the cycle that produced the snapshot started.
func (s Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Len returns the number of fields held.
func (s Snapshot) Len() int {
	n := len(s.values)
	if s.hasBatch {
		n++
	}
	return n
}

// FieldChanged compares one field between two snapshots. A field present on
// one side only counts as changed; absent on both sides does not.
func FieldChanged(prev, cur Snapshot, f Field) bool {
	if f == FieldBatch {
		if prev.hasBatch != cur.hasBatch {
			return true
		}
		return prev.batch != cur.batch
	}
	pv, pok := prev.values[f]
	cv, cok := cur.values[f]
	if pok != cok {
		return true
	}
	return pv != cv
}

// MachineOn reports whether the machine-on flag is set in the snapshot.
func (s Snapshot) MachineOn() bool {
	return s.IntOr(FieldMachineOn, 0) > 0
}

// TrimmedBatch returns the whitespace-trimmed batch string, empty if absent.
func (s Snapshot) TrimmedBatch() string {
	if !s.hasBatch {
		return ""
	}
	return strings.TrimSpace(s.batch)
}

// Values returns a copy of the snapshot as a flat map, batch included.
func (s Snapshot) Values() map[string]interface{} {
	out := make(map[string]interface{}, s.Len())
	for f, v := range s.values {
		out[string(f)] = v
	}
	if s.hasBatch {
		out[string(FieldBatch)] = s.batch
	}
	return out
}
