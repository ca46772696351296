package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PendingCommand is one HMI write request fetched from the control plane.
// Slots holds batch1..batch7 at index 0..6; an empty string means "no data".
type PendingCommand struct {
	MachineID  int
	Status     bool
	Slots      [SlotCount]string
	ReceivedAt time.Time
}

// FilledSlots returns the number of slots carrying data.
func (c PendingCommand) FilledSlots() int {
	n := 0
	for _, s := range c.Slots {
		if s != "" {
			n++
		}
	}
	return n
}

// SlotKey returns the wire key of a 1-based slot number.
func SlotKey(slot int) string {
	return "batch" + strconv.Itoa(slot)
}

// ParseSlotKey converts "batchN" into N. It returns false for anything else.
func ParseSlotKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, "batch")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > SlotCount {
		return 0, false
	}
	return n, true
}

// UnmarshalJSON accepts the loose shapes the control plane sends: status may
// be a bool, number or string; slot values may be strings, numbers or null.
func (c *PendingCommand) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Status = truthy(raw["status"])
	for slot := 1; slot <= SlotCount; slot++ {
		v, ok := raw[SlotKey(slot)]
		if !ok {
			continue
		}
		c.Slots[slot-1] = stringValue(v)
	}
	return nil
}

// truthy mirrors how the control plane marks a command as active.
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return false
	}
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return ""
	case float64:
		if val == 0 {
			return ""
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
