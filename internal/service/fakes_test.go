package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexus-edge/machine-gateway/internal/domain"
)

type ioCall struct {
	op      string
	machine int
	address uint16
	values  []uint16
}

// fakeIO is an in-memory register map per machine that records every call.
type fakeIO struct {
	mu         sync.Mutex
	registers  map[int]map[uint16]uint16
	calls      []ioCall
	connectErr error
	readErr    error
	writeErr   error
	failAt     uint16
	onWrite    func(op string, address uint16)
}

func newFakeIO() *fakeIO {
	return &fakeIO{registers: make(map[int]map[uint16]uint16)}
}

func (f *fakeIO) set(machine int, address, value uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registers[machine] == nil {
		f.registers[machine] = make(map[uint16]uint16)
	}
	f.registers[machine][address] = value
}

func (f *fakeIO) setWords(machine int, address uint16, words []uint16) {
	for i, w := range words {
		f.set(machine, address+uint16(i), w)
	}
}

func (f *fakeIO) get(machine int, address uint16) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers[machine][address]
}

func (f *fakeIO) record(c ioCall) {
	f.calls = append(f.calls, c)
}

// afterWrite runs the hook with the lock held; hooks must not call back into f.
func (f *fakeIO) afterWrite(op string, address uint16) {
	if f.onWrite != nil {
		f.onWrite(op, address)
	}
}

func (f *fakeIO) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == "read" {
			n++
		}
	}
	return n
}

func (f *fakeIO) writes() []ioCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ioCall
	for _, c := range f.calls {
		if c.op != "read" && c.op != "connect" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeIO) Connect(_ context.Context, m *domain.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ioCall{op: "connect", machine: m.ID})
	return f.connectErr
}

func (f *fakeIO) ReadHoldingRegisters(_ context.Context, m *domain.Machine, address, quantity uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ioCall{op: "read", machine: m.ID, address: address})
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = f.registers[m.ID][address+uint16(i)]
	}
	return out, nil
}

func (f *fakeIO) WriteMultipleRegisters(ctx context.Context, m *domain.Machine, address uint16, values []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record(ioCall{op: "write_multiple", machine: m.ID, address: address, values: append([]uint16(nil), values...)})
	defer f.afterWrite("write_multiple", address)
	if f.writeErr != nil && (f.failAt == 0 || f.failAt == address) {
		return f.writeErr
	}
	if f.registers[m.ID] == nil {
		f.registers[m.ID] = make(map[uint16]uint16)
	}
	for i, v := range values {
		f.registers[m.ID][address+uint16(i)] = v
	}
	return nil
}

func (f *fakeIO) WriteSingleRegister(ctx context.Context, m *domain.Machine, address, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record(ioCall{op: "write_single", machine: m.ID, address: address, values: []uint16{value}})
	defer f.afterWrite("write_single", address)
	if f.writeErr != nil && (f.failAt == 0 || f.failAt == address) {
		return f.writeErr
	}
	if f.registers[m.ID] == nil {
		f.registers[m.ID] = make(map[uint16]uint16)
	}
	f.registers[m.ID][address] = value
	return nil
}

// fakeSink records change sets.
type fakeSink struct {
	mu   sync.Mutex
	sets []domain.ChangeSet
	err  error
}

func (s *fakeSink) WriteChangeSet(_ context.Context, cs domain.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sets = append(s.sets, cs)
	return nil
}

func (s *fakeSink) written() []domain.ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChangeSet(nil), s.sets...)
}

// fakePlane stands in for the control plane.
type fakePlane struct {
	mu          sync.Mutex
	commands    []domain.PendingCommand
	fetchErr    error
	batches     []string
	triggers    int
	confirmed   []int
	submitErr   error
	triggerErr  error
	confirmErr  error
	fetchCalled int
}

func (p *fakePlane) FetchCommands(context.Context) ([]domain.PendingCommand, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalled++
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return append([]domain.PendingCommand(nil), p.commands...), nil
}

func (p *fakePlane) SubmitBatch(_ context.Context, batch string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	return p.submitErr
}

func (p *fakePlane) NotifyCompletion(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggers++
	return p.triggerErr
}

func (p *fakePlane) ConfirmCommand(_ context.Context, machineID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, machineID)
	return p.confirmErr
}

func (p *fakePlane) snapshot() (batches []string, triggers int, confirmed []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.batches...), p.triggers, append([]int(nil), p.confirmed...)
}

// fakeMirror records what the pollers mirror.
type fakeMirror struct {
	mu          sync.Mutex
	sets        int
	completions []domain.CompletionEvent
}

func (m *fakeMirror) PublishChangeSet(context.Context, domain.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	return nil
}

func (m *fakeMirror) PublishCompletion(_ context.Context, ev domain.CompletionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, ev)
	return nil
}

func tcpMachine(id int) *domain.Machine {
	return &domain.Machine{
		ID: id,
		Transport: domain.Transport{
			Kind:   domain.TransportTCP,
			Host:   fmt.Sprintf("10.0.0.%d", id),
			Port:   502,
			UnitID: 1,
		},
		Registers: []domain.RegisterBinding{
			{Field: domain.FieldTemp1, Address: 100},
			{Field: domain.FieldProcess, Address: 101},
			{Field: domain.FieldMachineOn, Address: 102},
		},
		BatchAddress: 200,
		HasBatch:     true,
		Write: domain.WriteRegisters{
			StatusRegisters: []uint16{300, 301, 302, 303, 304, 305, 306},
			BatchMap: map[int]uint16{
				1: 400, 2: 410, 3: 420, 4: 430, 5: 440, 6: 450, 7: 460,
			},
		},
	}
}
