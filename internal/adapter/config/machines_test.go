package config

import (
	"errors"
	"testing"

	"github.com/nexus-edge/machine-gateway/internal/domain"
)

const tcpMachinesJSON = `[
  {
    "noMc": 3,
    "ip_address": "192.168.1.30",
    "port": 502,
    "read_registers": {
      "temp1": 10, "process": 12, "machine_on": 11, "batch": 40, "spare_counter": 90
    },
    "write_registers": {
      "status_registers": [100, 101, 102, 103, 104, 105, 106],
      "batch_map": {"batch1": 200, "batch2": 210}
    }
  },
  {
    "noMc": 4,
    "ip_address": "192.168.1.31",
    "process_sentinel": 355,
    "read_registers": {"level": 5},
    "write_registers": {"status_registers": [1, 2, 3, 4, 5, 6]}
  }
]`

const serialMachinesYAML = `
- no_mc: 1
  slave_id: 1
  read_registers:
    temp1: 0
    batch: 20
- no_mc: 2
  slave_id: 2
  read_registers:
    temp1: 0
`

func TestLoadMachines_JSON(t *testing.T) {
	path := writeFile(t, "machines.json", tcpMachinesJSON)

	machines, err := LoadMachines(path)
	if err != nil {
		t.Fatalf("LoadMachines: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("expected 2 machines, got %d", len(machines))
	}

	m := machines[0]
	if m.ID != 3 || m.Transport.Kind != domain.TransportTCP || m.Transport.Address() != "192.168.1.30:502" {
		t.Errorf("unexpected machine %+v", m.Transport)
	}
	if m.Transport.UnitID != 1 {
		t.Errorf("expected default unit id 1, got %d", m.Transport.UnitID)
	}
	if !m.HasBatch || m.BatchAddress != 40 {
		t.Errorf("expected batch at 40, got %v/%d", m.HasBatch, m.BatchAddress)
	}
	if len(m.Registers) != 4 {
		t.Fatalf("expected 4 single registers, got %+v", m.Registers)
	}
	if m.Registers[0].Field != domain.FieldTemp1 || m.Registers[1].Field != domain.FieldMachineOn {
		t.Errorf("expected registers ordered by address, got %+v", m.Registers)
	}
	if len(m.Unknown) != 1 || m.Unknown[0] != "spare_counter" {
		t.Errorf("expected spare_counter as unknown, got %v", m.Unknown)
	}
	if m.Write.BatchMap[2] != 210 || len(m.Write.StatusRegisters) != 7 {
		t.Errorf("unexpected write registers %+v", m.Write)
	}

	// a short status list loads and is refused by the writer later
	m4 := machines[1]
	if m4.Transport.Port != 502 {
		t.Errorf("expected default port 502, got %d", m4.Transport.Port)
	}
	if m4.Sentinel(305) != 355 {
		t.Errorf("expected per-machine sentinel 355, got %d", m4.Sentinel(305))
	}
	if err := m4.Write.ValidateStatusRegisters(); !errors.Is(err, domain.ErrInvalidStatusRegisters) {
		t.Errorf("expected ErrInvalidStatusRegisters, got %v", err)
	}
}

func TestLoadMachines_YAMLSerial(t *testing.T) {
	path := writeFile(t, "machines.yaml", serialMachinesYAML)

	machines, err := LoadMachines(path)
	if err != nil {
		t.Fatalf("LoadMachines: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("expected 2 machines, got %d", len(machines))
	}
	for i, m := range machines {
		if m.Transport.Kind != domain.TransportSerial {
			t.Errorf("machine %d: expected serial, got %s", m.ID, m.Transport.Kind)
		}
		if int(m.Transport.UnitID) != i+1 {
			t.Errorf("machine %d: expected unit %d, got %d", m.ID, i+1, m.Transport.UnitID)
		}
	}
}

func TestLoadMachines_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		err     error
	}{
		{"empty list", "m.json", `[]`, domain.ErrInvalidConfig},
		{"missing id", "m.json", `[{"ip_address": "10.0.0.1", "read_registers": {"temp1": 1}}]`, domain.ErrMachineIDInvalid},
		{"negative id", "m.json", `[{"noMc": -1, "ip_address": "10.0.0.1", "read_registers": {"temp1": 1}}]`, domain.ErrMachineIDInvalid},
		{"duplicate id", "m.json", `[
			{"noMc": 1, "ip_address": "10.0.0.1", "read_registers": {"temp1": 1}},
			{"noMc": 1, "ip_address": "10.0.0.2", "read_registers": {"temp1": 1}}
		]`, domain.ErrInvalidConfig},
		{"no transport", "m.json", `[{"noMc": 1, "read_registers": {"temp1": 1}}]`, domain.ErrInvalidConfig},
		{"bad unit id", "m.json", `[{"noMc": 1, "slave_id": 248, "read_registers": {"temp1": 1}}]`, domain.ErrInvalidSlaveID},
		{"no registers", "m.json", `[{"noMc": 1, "ip_address": "10.0.0.1", "read_registers": {}}]`, domain.ErrNoRegistersDefined},
		{"address out of range", "m.json", `[{"noMc": 1, "ip_address": "10.0.0.1", "read_registers": {"temp1": 70000}}]`, domain.ErrInvalidConfig},
		{"bad batch key", "m.json", `[{"noMc": 1, "ip_address": "10.0.0.1", "read_registers": {"temp1": 1},
			"write_registers": {"batch_map": {"batch8": 1}}}]`, domain.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := LoadMachines(path)
			if !errors.Is(err, tt.err) {
				t.Errorf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

func TestLoadMachines_Unreadable(t *testing.T) {
	if _, err := LoadMachines("/nonexistent/machines.json"); err == nil {
		t.Error("expected an error for a missing file")
	}
	path := writeFile(t, "broken.json", `{not json`)
	if _, err := LoadMachines(path); err == nil {
		t.Error("expected an error for a malformed file")
	}
}
