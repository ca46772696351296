package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// fakeServer is a minimal Modbus TCP slave serving holding registers.
type fakeServer struct {
	ln        net.Listener
	mu        sync.Mutex
	registers map[uint16]uint16
	units     []byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, registers: make(map[uint16]uint16)}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) hostPort(t *testing.T) (string, int) {
	host, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (s *fakeServer) set(addr, value uint16) {
	s.mu.Lock()
	s.registers[addr] = value
	s.mu.Unlock()
}

func (s *fakeServer) get(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers[addr]
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		s.mu.Lock()
		s.units = append(s.units, header[6])
		resp := s.respond(pdu)
		s.mu.Unlock()

		out := make([]byte, 7+len(resp))
		copy(out, header[:4])
		binary.BigEndian.PutUint16(out[4:], uint16(len(resp)+1))
		out[6] = header[6]
		copy(out[7:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *fakeServer) respond(pdu []byte) []byte {
	addr := binary.BigEndian.Uint16(pdu[1:3])
	switch pdu[0] {
	case 0x03:
		qty := binary.BigEndian.Uint16(pdu[3:5])
		if addr >= 9000 {
			return []byte{0x83, 0x02}
		}
		resp := []byte{0x03, byte(qty * 2)}
		for i := uint16(0); i < qty; i++ {
			resp = binary.BigEndian.AppendUint16(resp, s.registers[addr+i])
		}
		return resp
	case 0x06:
		s.registers[addr] = binary.BigEndian.Uint16(pdu[3:5])
		return pdu[:5]
	case 0x10:
		qty := binary.BigEndian.Uint16(pdu[3:5])
		for i := uint16(0); i < qty; i++ {
			s.registers[addr+i] = binary.BigEndian.Uint16(pdu[6+i*2:])
		}
		return pdu[:5]
	default:
		return []byte{pdu[0] | 0x80, 0x01}
	}
}

func testMachine(t *testing.T, s *fakeServer, id int) *domain.Machine {
	host, port := s.hostPort(t)
	return &domain.Machine{
		ID: id,
		Transport: domain.Transport{
			Kind:   domain.TransportTCP,
			Host:   host,
			Port:   port,
			UnitID: byte(id),
		},
		Registers: []domain.RegisterBinding{{Field: domain.FieldProcess, Address: 10}},
	}
}

func newTestPool(t *testing.T) *ConnectionPool {
	p := NewConnectionPool(PoolConfig{
		TCPTimeout:        time.Second,
		ConnectionTimeout: time.Second,
		BreakerFailures:   2,
		BreakerTimeout:    time.Minute,
	}, zerolog.Nop(), nil)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestConnectionPool_ReadWrite(t *testing.T) {
	srv := newFakeServer(t)
	srv.set(10, 305)
	pool := newTestPool(t)
	m := testMachine(t, srv, 3)
	if err := pool.Register(m); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if err := pool.Connect(ctx, m); err != nil {
		t.Fatalf("connect: %v", err)
	}

	words, err := pool.ReadHoldingRegisters(ctx, m, 10, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if words[0] != 305 {
		t.Errorf("expected 305, got %d", words[0])
	}

	payload, _ := EncodeASCII("LOT42 ", true)
	if err := pool.WriteMultipleRegisters(ctx, m, 200, payload); err != nil {
		t.Fatalf("write multiple: %v", err)
	}
	if err := pool.WriteSingleRegister(ctx, m, 300, 1); err != nil {
		t.Fatalf("write single: %v", err)
	}
	if srv.get(300) != 1 {
		t.Errorf("expected status register set")
	}

	block, err := pool.ReadHoldingRegisters(ctx, m, 200, 3)
	if err != nil {
		t.Fatalf("read block: %v", err)
	}
	if got := DecodeASCII(block, true); got != "LOT42" {
		t.Errorf("expected LOT42, got %q", got)
	}

	srv.mu.Lock()
	for _, u := range srv.units {
		if u != 3 {
			t.Errorf("expected unit id 3 on every request, got %d", u)
		}
	}
	srv.mu.Unlock()

	h, ok := pool.MachineHealth(3)
	if !ok || !h.Connected || h.CircuitBreakerOpen {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestConnectionPool_ExceptionMapsToDomainError(t *testing.T) {
	srv := newFakeServer(t)
	pool := newTestPool(t)
	m := testMachine(t, srv, 1)
	if err := pool.Register(m); err != nil {
		t.Fatal(err)
	}

	_, err := pool.ReadHoldingRegisters(context.Background(), m, 9000, 1)
	if !errors.Is(err, domain.ErrReadFailed) {
		t.Errorf("expected ErrReadFailed, got %v", err)
	}
	if !errors.Is(err, domain.ErrModbusIllegalAddress) {
		t.Errorf("expected ErrModbusIllegalAddress, got %v", err)
	}
}

func TestConnectionPool_BreakerOpens(t *testing.T) {
	srv := newFakeServer(t)
	pool := newTestPool(t)
	m := testMachine(t, srv, 1)
	if err := pool.Register(m); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := pool.ReadHoldingRegisters(ctx, m, 9000, 1); err == nil {
			t.Fatal("expected read failure")
		}
	}
	if _, err := pool.ReadHoldingRegisters(ctx, m, 10, 1); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
	if pool.Stats().OpenBreakers != 1 {
		t.Errorf("expected one open breaker, got %d", pool.Stats().OpenBreakers)
	}
}

func TestConnectionPool_RegisterErrors(t *testing.T) {
	srv := newFakeServer(t)
	pool := newTestPool(t)
	m := testMachine(t, srv, 1)
	if err := pool.Register(m); err != nil {
		t.Fatal(err)
	}
	if err := pool.Register(m); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig on duplicate, got %v", err)
	}

	other := &domain.Machine{ID: 99}
	if _, err := pool.ReadHoldingRegisters(context.Background(), other, 0, 1); !errors.Is(err, domain.ErrMachineNotFound) {
		t.Errorf("expected ErrMachineNotFound, got %v", err)
	}
}

func TestConnectionPool_SharedSerialLink(t *testing.T) {
	pool := newTestPool(t)
	pool.config.Serial = SerialConfig{Port: "/dev/ttyTEST0"}

	for id := 1; id <= 3; id++ {
		m := &domain.Machine{ID: id, Transport: domain.Transport{Kind: domain.TransportSerial, UnitID: byte(id)}}
		if err := pool.Register(m); err != nil {
			t.Fatalf("register %d: %v", id, err)
		}
	}
	stats := pool.Stats()
	if stats.Machines != 3 || stats.Links != 1 {
		t.Errorf("expected 3 machines on 1 link, got %+v", stats)
	}
}

func TestConnectionPool_Closed(t *testing.T) {
	pool := newTestPool(t)
	if err := pool.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy pool, got %v", err)
	}
	pool.Close()
	if err := pool.HealthCheck(context.Background()); !errors.Is(err, domain.ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if err := pool.Register(&domain.Machine{ID: 1}); !errors.Is(err, domain.ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
