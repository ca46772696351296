package domain

import (
	"time"
)

// FieldValue is one (field, value) pair of a ChangeSet. Value is a float64 for
// scaled numeric fields, an int64 for context counters, or a string.
type FieldValue struct {
	Field Field
	Value interface{}
}

// ChangeSet is the set of values one tier publishes for one cycle.
type ChangeSet struct {
	MachineID int
	Tier      Tier
	Fields    []FieldValue
	At        time.Time
}

// Add appends a value to the change set.
func (c *ChangeSet) Add(f Field, v interface{}) {
	c.Fields = append(c.Fields, FieldValue{Field: f, Value: v})
}

// Empty reports whether there is nothing to publish.
func (c ChangeSet) Empty() bool {
	return len(c.Fields) == 0
}

// Get returns the value of a field in the change set.
func (c ChangeSet) Get(f Field) (interface{}, bool) {
	for _, fv := range c.Fields {
		if fv.Field == f {
			return fv.Value, true
		}
	}
	return nil, false
}

// FieldMap flattens the change set for sinks that take a map.
func (c ChangeSet) FieldMap() map[string]interface{} {
	m := make(map[string]interface{}, len(c.Fields))
	for _, fv := range c.Fields {
		m[string(fv.Field)] = fv.Value
	}
	return m
}

// CompletionEvent marks the process field crossing into the sentinel value.
type CompletionEvent struct {
	ID        string    `json:"id"`
	MachineID int       `json:"machine_id"`
	Batch     string    `json:"batch"`
	Process   int64     `json:"process"`
	At        time.Time `json:"timestamp"`
}
