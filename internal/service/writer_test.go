package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/machine-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/machine-gateway/internal/arbiter"
	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/rs/zerolog"
)

func newTestCommands(t *testing.T, io RegisterIO, plane ControlPlane, machines ...*domain.Machine) *CommandService {
	t.Helper()
	arb, err := arbiter.New(arbiter.PolicyFlag, arbiter.Options{})
	if err != nil {
		t.Fatalf("arbiter: %v", err)
	}
	cfg := DefaultCommandConfig()
	cfg.FetchInterval = 20 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	svc := NewCommandService(cfg, io, arb, plane, nil, zerolog.Nop(), nil)
	for _, m := range machines {
		if err := svc.RegisterMachine(m); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return svc
}

func command(machineID int, slots ...string) domain.PendingCommand {
	cmd := domain.PendingCommand{MachineID: machineID, Status: true}
	copy(cmd.Slots[:], slots)
	return cmd
}

func TestCommandService_WritesSlotPairs(t *testing.T) {
	io := newFakeIO()
	plane := &fakePlane{}
	svc := newTestCommands(t, io, plane, tcpMachine(1))

	res, err := svc.Process(context.Background(), command(1, "LOT42", "", "B3"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("unexpected command error: %v", res.Err)
	}
	if res.SlotsWritten != 2 || !res.Confirmed {
		t.Errorf("expected 2 slots written and confirmed, got %+v", res)
	}

	writes := io.writes()
	expected := []struct {
		op      string
		address uint16
	}{
		{"write_multiple", 400},
		{"write_single", 300},
		{"write_multiple", 420},
		{"write_single", 302},
	}
	if len(writes) != len(expected) {
		t.Fatalf("expected %d writes, got %+v", len(expected), writes)
	}
	for i, e := range expected {
		if writes[i].op != e.op || writes[i].address != e.address {
			t.Errorf("write %d: expected %s@%d, got %s@%d", i, e.op, e.address, writes[i].op, writes[i].address)
		}
	}
	if len(writes[0].values) != domain.BatchRegisterCount {
		t.Errorf("expected %d data words, got %d", domain.BatchRegisterCount, len(writes[0].values))
	}
	if got := modbus.DecodeASCII(writes[0].values, true); got != "LOT42" {
		t.Errorf("expected LOT42 on the HMI, got %q", got)
	}
	if writes[1].values[0] != 1 {
		t.Errorf("expected status value 1, got %d", writes[1].values[0])
	}

	if _, _, confirmed := plane.snapshot(); len(confirmed) != 1 || confirmed[0] != 1 {
		t.Errorf("expected confirmation for machine 1, got %v", confirmed)
	}
}

func TestCommandService_BadStatusRegistersStillConfirm(t *testing.T) {
	m := tcpMachine(1)
	m.Write.StatusRegisters = m.Write.StatusRegisters[:6]

	io := newFakeIO()
	plane := &fakePlane{}
	svc := newTestCommands(t, io, plane, m)

	res, _ := svc.Process(context.Background(), command(1, "LOT42", "LOT43"))
	if !errors.Is(res.Err, domain.ErrInvalidStatusRegisters) {
		t.Errorf("expected ErrInvalidStatusRegisters, got %v", res.Err)
	}
	if len(io.writes()) != 0 {
		t.Errorf("expected zero transport writes, got %+v", io.writes())
	}
	if _, _, confirmed := plane.snapshot(); len(confirmed) != 1 {
		t.Errorf("expected confirmation to still be sent, got %v", confirmed)
	}
	if svc.Stats().CommandsRejected != 1 {
		t.Errorf("expected 1 rejected command, got %d", svc.Stats().CommandsRejected)
	}
}

func TestCommandService_EmptyCommandIsConfirmed(t *testing.T) {
	io := newFakeIO()
	plane := &fakePlane{}
	svc := newTestCommands(t, io, plane, tcpMachine(1))

	res, _ := svc.Process(context.Background(), command(1))
	if res.SlotsWritten != 0 || !res.Confirmed {
		t.Errorf("expected a confirmed no-op, got %+v", res)
	}
	if len(io.writes()) != 0 {
		t.Errorf("expected no writes, got %+v", io.writes())
	}
}

func TestCommandService_InactiveCommandIgnored(t *testing.T) {
	io := newFakeIO()
	plane := &fakePlane{}
	svc := newTestCommands(t, io, plane, tcpMachine(1))

	cmd := command(1, "LOT42")
	cmd.Status = false
	res, _ := svc.Process(context.Background(), cmd)
	if res.Confirmed || len(io.writes()) != 0 {
		t.Errorf("expected an inactive command to do nothing, got %+v", res)
	}
}

func TestCommandService_SkipsBadSlots(t *testing.T) {
	m := tcpMachine(1)
	delete(m.Write.BatchMap, 2)

	io := newFakeIO()
	plane := &fakePlane{}
	svc := newTestCommands(t, io, plane, m)

	res, _ := svc.Process(context.Background(), command(1,
		"LOT42",
		"NO-MAP",
		strings.Repeat("X", 15),
		"ŁÓDŹ",
		"LOT45",
	))
	if res.SlotsWritten != 2 || res.SlotsSkipped != 3 {
		t.Errorf("expected 2 written and 3 skipped, got %+v", res)
	}
	if !res.Confirmed {
		t.Error("expected confirmation after skipped slots")
	}
	writes := io.writes()
	if len(writes) != 4 || writes[2].address != 440 || writes[3].address != 304 {
		t.Errorf("expected slots 1 and 5 only, got %+v", writes)
	}
}

func TestCommandService_TransportErrorAbandons(t *testing.T) {
	io := newFakeIO()
	io.writeErr = domain.ErrWriteFailed
	io.failAt = 420
	plane := &fakePlane{}
	svc := newTestCommands(t, io, plane, tcpMachine(1))

	res, _ := svc.Process(context.Background(), command(1, "A", "", "C", "D"))
	if !errors.Is(res.Err, domain.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", res.Err)
	}
	if res.SlotsWritten != 1 {
		t.Errorf("expected 1 slot before the failure, got %d", res.SlotsWritten)
	}
	if res.Confirmed {
		t.Error("an abandoned command must not be confirmed")
	}
	for _, w := range io.writes() {
		if w.address == 430 {
			t.Error("slots after the failure must not be written")
		}
	}
	if _, _, confirmed := plane.snapshot(); len(confirmed) != 0 {
		t.Errorf("expected no confirmation, got %v", confirmed)
	}
}

func TestCommandService_CancelDoesNotSplitSlotPair(t *testing.T) {
	io := newFakeIO()
	plane := &fakePlane{}
	svc := newTestCommands(t, io, plane, tcpMachine(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	io.onWrite = func(op string, address uint16) {
		if op == "write_multiple" && address == 400 {
			cancel()
		}
	}

	res, _ := svc.Process(ctx, command(1, "A", "", "C"))
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.Err)
	}
	if res.SlotsWritten != 1 || res.Confirmed {
		t.Errorf("expected slot 1 written and no confirmation, got %+v", res)
	}
	if io.get(1, 300) != 1 {
		t.Error("expected the status flag of the started slot to be written")
	}
	for _, w := range io.writes() {
		if w.address == 420 || w.address == 302 {
			t.Errorf("slot 3 must not start after cancellation, got %s@%d", w.op, w.address)
		}
	}
}

func TestCommandService_ConfirmFailureIsLogged(t *testing.T) {
	plane := &fakePlane{confirmErr: errors.New("503")}
	svc := newTestCommands(t, newFakeIO(), plane, tcpMachine(1))

	res, _ := svc.Process(context.Background(), command(1, "LOT42"))
	if res.Err != nil || res.Confirmed {
		t.Errorf("expected a written but unconfirmed command, got %+v", res)
	}
	if svc.Stats().ConfirmFailures != 1 {
		t.Errorf("expected 1 confirm failure, got %d", svc.Stats().ConfirmFailures)
	}
}

func TestCommandService_UnknownMachine(t *testing.T) {
	svc := newTestCommands(t, newFakeIO(), &fakePlane{})
	if _, err := svc.Process(context.Background(), command(5, "A")); !errors.Is(err, domain.ErrMachineNotFound) {
		t.Errorf("expected ErrMachineNotFound, got %v", err)
	}
}

func TestCommandService_FetchAndWrite(t *testing.T) {
	io := newFakeIO()
	plane := &fakePlane{commands: []domain.PendingCommand{
		command(1, "LOT42"),
		command(42, "NOT-CONFIGURED"),
		{MachineID: 2, Status: false, Slots: [domain.SlotCount]string{"IDLE"}},
	}}
	svc := newTestCommands(t, io, plane, tcpMachine(1), tcpMachine(2))

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, confirmed := plane.snapshot(); len(confirmed) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := modbus.DecodeASCII([]uint16{
		io.get(1, 400), io.get(1, 401), io.get(1, 402), io.get(1, 403),
		io.get(1, 404), io.get(1, 405), io.get(1, 406),
	}, true); got != "LOT42" {
		t.Errorf("expected LOT42 written to machine 1, got %q", got)
	}
	if io.get(1, 300) != 1 {
		t.Error("expected status register of slot 1 set")
	}
	for _, w := range io.writes() {
		if w.machine != 1 {
			t.Errorf("unexpected write to machine %d", w.machine)
		}
	}
}

func TestFetcher_QueuesActiveKnownCommands(t *testing.T) {
	q := NewCommandQueue()
	plane := &fakePlane{commands: []domain.PendingCommand{
		command(1, "A"),
		command(3, "B"),
		{MachineID: 2, Status: false},
	}}
	f := &fetcher{
		source:   plane,
		queue:    q,
		known:    map[int]struct{}{1: {}, 2: {}},
		interval: time.Second,
		timeout:  time.Second,
		logger:   zerolog.Nop(),
	}

	if n := f.fetchOnce(context.Background()); n != 1 {
		t.Errorf("expected 1 queued command, got %d", n)
	}
	if ids := q.Pending(); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("expected [1], got %v", ids)
	}

	failures := 0
	plane.fetchErr = errors.New("timeout")
	f.onError = func() { failures++ }
	f.fetchOnce(context.Background())
	if failures != 1 {
		t.Errorf("expected 1 fetch failure, got %d", failures)
	}
}
