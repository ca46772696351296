package domain_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/machine-gateway/internal/domain"
)

func validTCPMachine() domain.Machine {
	return domain.Machine{
		ID: 1,
		Transport: domain.Transport{
			Kind:   domain.TransportTCP,
			Host:   "10.0.0.10",
			Port:   502,
			UnitID: 1,
		},
		Registers: []domain.RegisterBinding{
			{Field: domain.FieldTemp1, Address: 100},
			{Field: domain.FieldProcess, Address: 105},
		},
	}
}

func TestMachine_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *domain.Machine)
		wantErr error
	}{
		{name: "valid tcp machine", mutate: func(m *domain.Machine) {}},
		{
			name:    "zero id",
			mutate:  func(m *domain.Machine) { m.ID = 0 },
			wantErr: domain.ErrMachineIDInvalid,
		},
		{
			name:    "tcp without host",
			mutate:  func(m *domain.Machine) { m.Transport.Host = "" },
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name:    "bad port",
			mutate:  func(m *domain.Machine) { m.Transport.Port = 70000 },
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name:    "unit id zero",
			mutate:  func(m *domain.Machine) { m.Transport.UnitID = 0 },
			wantErr: domain.ErrInvalidSlaveID,
		},
		{
			name: "serial needs no host",
			mutate: func(m *domain.Machine) {
				m.Transport = domain.Transport{Kind: domain.TransportSerial, UnitID: 3}
			},
		},
		{
			name:    "no registers and no batch",
			mutate:  func(m *domain.Machine) { m.Registers = nil },
			wantErr: domain.ErrNoRegistersDefined,
		},
		{
			name: "batch only",
			mutate: func(m *domain.Machine) {
				m.Registers = nil
				m.HasBatch = true
				m.BatchAddress = 200
			},
		},
		{
			name: "duplicate field",
			mutate: func(m *domain.Machine) {
				m.Registers = append(m.Registers, domain.RegisterBinding{Field: domain.FieldTemp1, Address: 300})
			},
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name: "batch as single register",
			mutate: func(m *domain.Machine) {
				m.Registers = append(m.Registers, domain.RegisterBinding{Field: domain.FieldBatch, Address: 300})
			},
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name: "batch_map slot out of range",
			mutate: func(m *domain.Machine) {
				m.Write.BatchMap = map[int]uint16{8: 500}
			},
			wantErr: domain.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validTCPMachine()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWriteRegisters_ValidateStatusRegisters(t *testing.T) {
	ok := domain.WriteRegisters{StatusRegisters: []uint16{1, 2, 3, 4, 5, 6, 7}}
	if err := ok.ValidateStatusRegisters(); err != nil {
		t.Fatalf("seven addresses should be valid: %v", err)
	}

	short := domain.WriteRegisters{StatusRegisters: []uint16{1, 2, 3, 4, 5, 6}}
	if err := short.ValidateStatusRegisters(); !errors.Is(err, domain.ErrInvalidStatusRegisters) {
		t.Errorf("expected ErrInvalidStatusRegisters, got %v", err)
	}
}

func TestMachine_SortRegisters(t *testing.T) {
	m := domain.Machine{Registers: []domain.RegisterBinding{
		{Field: domain.FieldStep, Address: 30},
		{Field: domain.FieldTemp1, Address: 10},
		{Field: domain.FieldLevel, Address: 20},
	}}
	m.SortRegisters()
	want := []uint16{10, 20, 30}
	for i, rb := range m.Registers {
		if rb.Address != want[i] {
			t.Fatalf("position %d: expected %d, got %d", i, want[i], rb.Address)
		}
	}
}

func TestMachine_Sentinel(t *testing.T) {
	m := domain.Machine{ID: 2}
	if got := m.Sentinel(305); got != 305 {
		t.Errorf("expected deployment sentinel 305, got %d", got)
	}
	m.ProcessSentinel = 355
	if got := m.Sentinel(305); got != 355 {
		t.Errorf("expected override 355, got %d", got)
	}
	if m.String() != "MC-2" {
		t.Errorf("unexpected String(): %s", m.String())
	}
}

func TestField_Scale(t *testing.T) {
	tests := []struct {
		field domain.Field
		raw   int64
		want  float64
	}{
		{domain.FieldTemp1, 253, 25.3},
		{domain.FieldTemp2, 0, 0},
		{domain.FieldPH, 70, 7},
		{domain.FieldSeamLeft, 12, 12},
		{domain.FieldLevel, 80, 80},
	}
	for _, tt := range tests {
		t.Run(string(tt.field), func(t *testing.T) {
			if got := tt.field.Scale(tt.raw); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestField_Tier(t *testing.T) {
	tests := []struct {
		field domain.Field
		want  domain.Tier
	}{
		{domain.FieldSeamRight, domain.TierHighFrequency},
		{domain.FieldMachineOn, domain.TierMediumFrequency},
		{domain.FieldSealReelLeftHours, domain.TierMediumFrequency},
		{domain.FieldBatch, domain.TierCycleContext},
		{domain.FieldOffReason, domain.TierCycleContext},
		{domain.FieldResetID, domain.TierMaintenance},
	}
	for _, tt := range tests {
		got, ok := tt.field.Tier()
		if !ok || got != tt.want {
			t.Errorf("%s: expected %s, got %s (known=%v)", tt.field, tt.want, got, ok)
		}
	}
	if domain.Field("spare_42").IsKnown() {
		t.Error("unexpected known field")
	}
	if domain.TierMaintenance.Measurement() != "maintenance_events" {
		t.Error("unexpected maintenance measurement")
	}
	if domain.TierHighFrequency.Measurement() != "high_frequency_data" {
		t.Error("unexpected high frequency measurement")
	}
}
