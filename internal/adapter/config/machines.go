package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nexus-edge/machine-gateway/internal/domain"
	"gopkg.in/yaml.v3"
)

// MachineConfig is one entry of the machine file as operators write it.
type MachineConfig struct {
	NoMc           *int           `json:"noMc,omitempty" yaml:"noMc,omitempty"`
	NoMcAlt        *int           `json:"no_mc,omitempty" yaml:"no_mc,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	Port           int            `json:"port,omitempty" yaml:"port,omitempty"`
	SlaveID        *int           `json:"slave_id,omitempty" yaml:"slave_id,omitempty"`
	Sentinel       int64          `json:"process_sentinel,omitempty" yaml:"process_sentinel,omitempty"`
	ReadRegisters  map[string]int `json:"read_registers" yaml:"read_registers"`
	WriteRegisters WriteConfig    `json:"write_registers" yaml:"write_registers"`
}

// WriteConfig is the write_registers block of a machine entry.
type WriteConfig struct {
	StatusRegisters []int          `json:"status_registers" yaml:"status_registers"`
	BatchMap        map[string]int `json:"batch_map" yaml:"batch_map"`
}

const defaultModbusPort = 502

// LoadMachines reads the machine file. JSON and YAML are accepted, picked by
// extension. Any error here is fatal to startup.
func LoadMachines(path string) ([]*domain.Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read machines file: %w", err)
	}

	var entries []MachineConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse machines file: %w", err)
	}

	return ParseMachines(entries)
}

// ParseMachines converts and validates machine entries.
func ParseMachines(entries []MachineConfig) ([]*domain.Machine, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no machines configured", domain.ErrInvalidConfig)
	}

	seen := make(map[int]int, len(entries))
	machines := make([]*domain.Machine, 0, len(entries))
	for idx, mc := range entries {
		m, err := convertMachineConfig(mc)
		if err != nil {
			return nil, fmt.Errorf("error in machine at index %d: %w", idx, err)
		}
		if prev, exists := seen[m.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate machine id %d at index %d (first seen at index %d)",
				domain.ErrInvalidConfig, m.ID, idx, prev)
		}
		seen[m.ID] = idx
		machines = append(machines, m)
	}
	return machines, nil
}

func convertMachineConfig(mc MachineConfig) (*domain.Machine, error) {
	m := &domain.Machine{ProcessSentinel: mc.Sentinel}

	switch {
	case mc.NoMc != nil:
		m.ID = *mc.NoMc
	case mc.NoMcAlt != nil:
		m.ID = *mc.NoMcAlt
	default:
		return nil, domain.ErrMachineIDInvalid
	}

	unit := 1
	if mc.SlaveID != nil {
		unit = *mc.SlaveID
	}
	if unit < 1 || unit > 247 {
		return nil, fmt.Errorf("%w: MC-%d slave_id %d", domain.ErrInvalidSlaveID, m.ID, unit)
	}

	if mc.IPAddress != "" {
		port := mc.Port
		if port == 0 {
			port = defaultModbusPort
		}
		m.Transport = domain.Transport{
			Kind:   domain.TransportTCP,
			Host:   mc.IPAddress,
			Port:   port,
			UnitID: byte(unit),
		}
	} else {
		if mc.SlaveID == nil {
			return nil, fmt.Errorf("%w: MC-%d needs ip_address or slave_id", domain.ErrInvalidConfig, m.ID)
		}
		m.Transport = domain.Transport{Kind: domain.TransportSerial, UnitID: byte(unit)}
	}

	if len(mc.ReadRegisters) == 0 {
		return nil, fmt.Errorf("%w: MC-%d", domain.ErrNoRegistersDefined, m.ID)
	}
	for name, addr := range mc.ReadRegisters {
		a, err := address(addr)
		if err != nil {
			return nil, fmt.Errorf("MC-%d read_registers.%s: %w", m.ID, name, err)
		}
		f := domain.Field(name)
		if f == domain.FieldBatch {
			m.BatchAddress = a
			m.HasBatch = true
			continue
		}
		if !f.IsKnown() {
			m.Unknown = append(m.Unknown, name)
		}
		m.Registers = append(m.Registers, domain.RegisterBinding{Field: f, Address: a})
	}
	m.SortRegisters()
	sort.Strings(m.Unknown)

	for _, addr := range mc.WriteRegisters.StatusRegisters {
		a, err := address(addr)
		if err != nil {
			return nil, fmt.Errorf("MC-%d status_registers: %w", m.ID, err)
		}
		m.Write.StatusRegisters = append(m.Write.StatusRegisters, a)
	}
	if len(mc.WriteRegisters.BatchMap) > 0 {
		m.Write.BatchMap = make(map[int]uint16, len(mc.WriteRegisters.BatchMap))
	}
	for key, addr := range mc.WriteRegisters.BatchMap {
		slot, ok := domain.ParseSlotKey(key)
		if !ok {
			return nil, fmt.Errorf("%w: MC-%d batch_map key %q", domain.ErrInvalidConfig, m.ID, key)
		}
		a, err := address(addr)
		if err != nil {
			return nil, fmt.Errorf("MC-%d batch_map.%s: %w", m.ID, key, err)
		}
		m.Write.BatchMap[slot] = a
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func address(v int) (uint16, error) {
	if v < 0 || v > 0xFFFF {
		return 0, fmt.Errorf("%w: register address %d out of range", domain.ErrInvalidConfig, v)
	}
	return uint16(v), nil
}
