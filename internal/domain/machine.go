// Package domain contains the core entities of the machine gateway.
// These are transport-agnostic and describe what is polled, what is
// published and what is written back onto a machine.
package domain

import (
	"fmt"
	"sort"
	"time"
)

// MachineStatus represents the current operational status of a machine poller.
type MachineStatus string

const (
	MachineStatusOnline  MachineStatus = "online"
	MachineStatusError   MachineStatus = "error"
	MachineStatusPaused  MachineStatus = "paused"
	MachineStatusUnknown MachineStatus = "unknown"
)

// TransportKind selects how a machine's Device Link resolves a physical connection.
type TransportKind string

const (
	// TransportTCP is one socket per machine.
	TransportTCP TransportKind = "modbus-tcp"

	// TransportSerial is one shared serial line, machines told apart by unit id.
	TransportSerial TransportKind = "modbus-rtu"
)

// Register counts that are fixed by the HMI programs.
const (
	// BatchRegisterCount is the width of the batch block: 7 words, 14 ASCII chars.
	BatchRegisterCount = 7

	// BatchTextLength is the padded length of a batch string.
	BatchTextLength = BatchRegisterCount * 2

	// SlotCount is the number of command slots (batch1..batch7).
	SlotCount = 7
)

// Transport describes how to reach one machine.
type Transport struct {
	Kind TransportKind `json:"kind"`

	// Host and Port are set for TCP machines.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// UnitID is the Modbus unit (slave) id. On a shared line it is the
	// sub-address that identifies the machine.
	UnitID byte `json:"unit_id"`
}

// Address returns the dial address of a TCP transport.
func (t Transport) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// RegisterBinding maps one snapshot field onto a holding register address.
type RegisterBinding struct {
	Field   Field  `json:"field"`
	Address uint16 `json:"address"`
}

// WriteRegisters describes where command slots land on the HMI.
type WriteRegisters struct {
	// StatusRegisters holds one status address per slot, in slot order.
	// Exactly SlotCount entries are required before anything is written.
	StatusRegisters []uint16 `json:"status_registers"`

	// BatchMap maps a slot number (1..SlotCount) to its data start address.
	BatchMap map[int]uint16 `json:"batch_map"`
}

// ValidateStatusRegisters reports whether the status register list is usable.
func (w WriteRegisters) ValidateStatusRegisters() error {
	if len(w.StatusRegisters) != SlotCount {
		return fmt.Errorf("%w: expected %d addresses, got %d",
			ErrInvalidStatusRegisters, SlotCount, len(w.StatusRegisters))
	}
	return nil
}

// Machine is one polled controller, resolved from the machine file at startup.
// It is immutable after load.
type Machine struct {
	// ID is the machine number (no_mc), unique and positive.
	ID int `json:"id"`

	Transport Transport `json:"transport"`

	// Registers lists every single-word field to read, ordered by address.
	Registers []RegisterBinding `json:"registers"`

	// BatchAddress is the start of the 7-register batch block.
	BatchAddress uint16 `json:"batch_address"`
	HasBatch     bool   `json:"has_batch"`

	Write WriteRegisters `json:"write_registers"`

	// ProcessSentinel overrides the deployment completion sentinel when non-zero.
	ProcessSentinel int64 `json:"process_sentinel,omitempty"`

	// Unknown holds read field names that no tier publishes.
	Unknown []string `json:"unknown_fields,omitempty"`
}

// Validate checks the machine definition.
func (m *Machine) Validate() error {
	if m.ID <= 0 {
		return ErrMachineIDInvalid
	}
	switch m.Transport.Kind {
	case TransportTCP:
		if m.Transport.Host == "" {
			return fmt.Errorf("%w: tcp machine requires ip_address", ErrInvalidConfig)
		}
		if m.Transport.Port <= 0 || m.Transport.Port > 65535 {
			return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, m.Transport.Port)
		}
	case TransportSerial:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, m.Transport.Kind)
	}
	if m.Transport.UnitID == 0 || m.Transport.UnitID > 247 {
		return ErrInvalidSlaveID
	}
	if len(m.Registers) == 0 && !m.HasBatch {
		return ErrNoRegistersDefined
	}

	seen := make(map[Field]struct{}, len(m.Registers))
	for _, rb := range m.Registers {
		if rb.Field == FieldBatch {
			return fmt.Errorf("%w: batch must not be bound as a single register", ErrInvalidConfig)
		}
		if _, dup := seen[rb.Field]; dup {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidConfig, rb.Field)
		}
		seen[rb.Field] = struct{}{}
	}

	for slot := range m.Write.BatchMap {
		if slot < 1 || slot > SlotCount {
			return fmt.Errorf("%w: batch_map slot %d out of range", ErrInvalidConfig, slot)
		}
	}
	return nil
}

// SortRegisters orders bindings by address, then field name.
func (m *Machine) SortRegisters() {
	sort.Slice(m.Registers, func(i, j int) bool {
		if m.Registers[i].Address != m.Registers[j].Address {
			return m.Registers[i].Address < m.Registers[j].Address
		}
		return m.Registers[i].Field < m.Registers[j].Field
	})
}

// Sentinel returns the completion sentinel for this machine.
func (m *Machine) Sentinel(deployment int64) int64 {
	if m.ProcessSentinel != 0 {
		return m.ProcessSentinel
	}
	return deployment
}

// String implements fmt.Stringer.
func (m *Machine) String() string {
	return fmt.Sprintf("MC-%d", m.ID)
}

// PollerState is one step of the per-machine read cycle.
type PollerState string

const (
	StateIdle       PollerState = "idle"
	StateConnecting PollerState = "connecting"
	StateReading    PollerState = "reading"
	StateDiffing    PollerState = "diffing"
	StatePublishing PollerState = "publishing"
	StateSleeping   PollerState = "sleeping"
)

// CycleResult summarises one poll cycle for status reporting.
type CycleResult struct {
	MachineID  int
	StartedAt  time.Time
	Duration   time.Duration
	Skipped    bool
	Err        error
	ChangeSets int
	Completed  bool
}
