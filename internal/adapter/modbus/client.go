// Package modbus provides the holding-register link used to reach machines,
// over one TCP socket per machine or one serial line shared by unit id.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// handler is the part of goburrow's TCP and RTU handlers the link drives.
type handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// Link is one physical Modbus connection. All operations are serialised on
// opMu since the goburrow client is not safe for concurrent use, and on a
// shared serial line the unit id is switched per transaction.
type Link struct {
	name      string
	kind      domain.TransportKind
	tcp       *modbus.TCPClientHandler
	rtu       *modbus.RTUClientHandler
	handler   handler
	client    modbus.Client
	logger    zerolog.Logger
	mu        sync.RWMutex
	opMu      sync.Mutex
	connected atomic.Bool
	lastError error
	lastUsed  time.Time
	stats     *LinkStats
}

// LinkStats tracks per-link counters.
type LinkStats struct {
	ReadCount      atomic.Uint64
	WriteCount     atomic.Uint64
	ErrorCount     atomic.Uint64
	ReconnectCount atomic.Uint64
	TotalReadTime  atomic.Int64 // nanoseconds
	TotalWriteTime atomic.Int64 // nanoseconds
}

// SerialConfig holds the serial line parameters of an RTU link.
type SerialConfig struct {
	Port     string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
	Timeout  time.Duration
}

// DefaultSerialConfig returns 9600 8E1 with a one second timeout.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		Port:     "/dev/ttyUSB0",
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "E",
		StopBits: 1,
		Timeout:  time.Second,
	}
}

// NewTCPLink creates a link to one TCP endpoint.
func NewTCPLink(address string, timeout, idleTimeout time.Duration, logger zerolog.Logger) (*Link, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: modbus address is required", domain.ErrInvalidConfig)
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if idleTimeout == 0 {
		idleTimeout = time.Minute
	}

	h := modbus.NewTCPClientHandler(address)
	h.Timeout = timeout
	h.IdleTimeout = idleTimeout

	return &Link{
		name:     "tcp://" + address,
		kind:     domain.TransportTCP,
		tcp:      h,
		handler:  h,
		client:   modbus.NewClient(h),
		logger:   logger.With().Str("link", address).Logger(),
		stats:    &LinkStats{},
		lastUsed: time.Now(),
	}, nil
}

// NewSerialLink creates the shared RTU link for one serial port.
func NewSerialLink(cfg SerialConfig, logger zerolog.Logger) (*Link, error) {
	def := DefaultSerialConfig()
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: serial port is required", domain.ErrInvalidConfig)
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = def.DataBits
	}
	if cfg.Parity == "" {
		cfg.Parity = def.Parity
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = def.StopBits
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	h := modbus.NewRTUClientHandler(cfg.Port)
	h.BaudRate = cfg.BaudRate
	h.DataBits = cfg.DataBits
	h.Parity = cfg.Parity
	h.StopBits = cfg.StopBits
	h.Timeout = cfg.Timeout

	return &Link{
		name:     "rtu://" + cfg.Port,
		kind:     domain.TransportSerial,
		rtu:      h,
		handler:  h,
		client:   modbus.NewClient(h),
		logger:   logger.With().Str("link", cfg.Port).Logger(),
		stats:    &LinkStats{},
		lastUsed: time.Now(),
	}, nil
}

// Name identifies the link in logs and status output.
func (l *Link) Name() string {
	return l.name
}

// Kind returns the transport kind.
func (l *Link) Kind() domain.TransportKind {
	return l.kind
}

// Connect opens the physical connection if it is not open yet.
func (l *Link) Connect(ctx context.Context) error {
	if l.connected.Load() {
		return nil
	}

	l.opMu.Lock()
	defer l.opMu.Unlock()

	if l.connected.Load() {
		return nil
	}

	l.logger.Debug().Msg("Connecting Modbus link")

	done := make(chan error, 1)
	go func() {
		done <- l.handler.Connect()
	}()

	select {
	case err := <-done:
		if err != nil {
			l.setLastError(err)
			return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())
	}

	l.connected.Store(true)
	l.setLastError(nil)
	l.logger.Info().Msg("Modbus link connected")
	return nil
}

// Disconnect closes the physical connection.
func (l *Link) Disconnect() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.closeLocked()
}

func (l *Link) closeLocked() error {
	if !l.connected.Swap(false) {
		return nil
	}
	err := l.handler.Close()
	if err != nil {
		l.logger.Warn().Err(err).Msg("Error closing Modbus link")
	}
	l.logger.Debug().Msg("Modbus link disconnected")
	return err
}

// IsConnected reports whether the link is open.
func (l *Link) IsConnected() bool {
	return l.connected.Load()
}

// ReadHoldingRegisters reads quantity words starting at address from unit.
func (l *Link) ReadHoldingRegisters(ctx context.Context, unit byte, address, quantity uint16) ([]uint16, error) {
	start := time.Now()
	defer func() {
		l.stats.TotalReadTime.Add(time.Since(start).Nanoseconds())
	}()

	var words []uint16
	err := l.do(ctx, unit, func(c modbus.Client) error {
		data, err := c.ReadHoldingRegisters(address, quantity)
		if err != nil {
			return translateError(domain.ErrReadFailed, err)
		}
		words, err = wordsFromBytes(data)
		if err != nil {
			return err
		}
		if len(words) != int(quantity) {
			return fmt.Errorf("%w: expected %d words, got %d", domain.ErrInvalidDataLength, quantity, len(words))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.stats.ReadCount.Add(1)
	return words, nil
}

// WriteSingleRegister writes one word to unit.
func (l *Link) WriteSingleRegister(ctx context.Context, unit byte, address, value uint16) error {
	start := time.Now()
	defer func() {
		l.stats.TotalWriteTime.Add(time.Since(start).Nanoseconds())
	}()

	err := l.do(ctx, unit, func(c modbus.Client) error {
		if _, err := c.WriteSingleRegister(address, value); err != nil {
			return translateError(domain.ErrWriteFailed, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.stats.WriteCount.Add(1)
	return nil
}

// WriteMultipleRegisters writes consecutive words starting at address.
func (l *Link) WriteMultipleRegisters(ctx context.Context, unit byte, address uint16, values []uint16) error {
	if len(values) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		l.stats.TotalWriteTime.Add(time.Since(start).Nanoseconds())
	}()

	err := l.do(ctx, unit, func(c modbus.Client) error {
		if _, err := c.WriteMultipleRegisters(address, uint16(len(values)), bytesFromWords(values)); err != nil {
			return translateError(domain.ErrWriteFailed, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.stats.WriteCount.Add(1)
	return nil
}

// do runs one transaction for unit. Connection errors close the link so the
// next attempt starts from a fresh connection.
func (l *Link) do(ctx context.Context, unit byte, fn func(modbus.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.connected.Load() {
		return domain.ErrConnectionClosed
	}

	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	l.lastUsed = time.Now()
	l.mu.Unlock()

	switch {
	case l.tcp != nil:
		l.tcp.SlaveId = unit
	case l.rtu != nil:
		l.rtu.SlaveId = unit
	}

	err := fn(l.client)
	if err == nil {
		return nil
	}

	l.stats.ErrorCount.Add(1)
	l.setLastError(err)
	if isConnectionError(err) {
		l.logger.Warn().Err(err).Msg("Connection error, closing link")
		_ = l.closeLocked()
		l.stats.ReconnectCount.Add(1)
	}
	return err
}

func (l *Link) setLastError(err error) {
	l.mu.Lock()
	l.lastError = err
	l.mu.Unlock()
}

// LastError returns the last transport error seen on the link.
func (l *Link) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastError
}

// LastUsed returns when the link last carried a transaction.
func (l *Link) LastUsed() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastUsed
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() map[string]uint64 {
	return map[string]uint64{
		"read_count":      l.stats.ReadCount.Load(),
		"write_count":     l.stats.WriteCount.Load(),
		"error_count":     l.stats.ErrorCount.Load(),
		"reconnect_count": l.stats.ReconnectCount.Load(),
		"total_read_ns":   uint64(l.stats.TotalReadTime.Load()),
		"total_write_ns":  uint64(l.stats.TotalWriteTime.Load()),
	}
}

// translateError maps goburrow errors onto domain errors.
func translateError(op error, err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: %w", op, domain.ModbusExceptionToError(mbErr.ExceptionCode))
	}
	return fmt.Errorf("%w: %w", op, err)
}

// isConnectionError reports whether the error leaves the connection unusable.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
