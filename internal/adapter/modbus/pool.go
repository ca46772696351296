package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/nexus-edge/machine-gateway/internal/metrics"
	"github.com/nexus-edge/machine-gateway/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ConnectionPool resolves each machine to its link and guards every machine
// with its own circuit breaker.
type ConnectionPool struct {
	config   PoolConfig
	links    map[string]*Link
	machines map[int]*pooledMachine
	mu       sync.RWMutex
	logger   zerolog.Logger
	metrics  *metrics.Registry
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// pooledMachine binds a machine to its link and breaker.
type pooledMachine struct {
	machine   *domain.Machine
	link      *Link
	breaker   *gobreaker.CircuitBreaker
	lastError error
	mu        sync.Mutex
}

// PoolConfig holds configuration for the connection pool.
type PoolConfig struct {
	// TCPTimeout is the response timeout of TCP links
	TCPTimeout time.Duration

	// IdleTimeout closes TCP sockets idle for longer than this
	IdleTimeout time.Duration

	// ConnectionTimeout bounds establishing a connection
	ConnectionTimeout time.Duration

	// HealthCheckPeriod is how often link gauges are refreshed
	HealthCheckPeriod time.Duration

	// Serial configures the shared RTU line
	Serial SerialConfig

	// BreakerTimeout is how long an open breaker stays open
	BreakerTimeout time.Duration

	// BreakerFailures is the consecutive failure count that trips a breaker
	BreakerFailures uint32
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		TCPTimeout:        5 * time.Second,
		IdleTimeout:       time.Minute,
		ConnectionTimeout: 5 * time.Second,
		HealthCheckPeriod: 30 * time.Second,
		Serial:            DefaultSerialConfig(),
		BreakerTimeout:    30 * time.Second,
		BreakerFailures:   5,
	}
}

// NewConnectionPool creates a new connection pool.
func NewConnectionPool(config PoolConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *ConnectionPool {
	def := DefaultPoolConfig()
	if config.TCPTimeout == 0 {
		config.TCPTimeout = def.TCPTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.ConnectionTimeout == 0 {
		config.ConnectionTimeout = def.ConnectionTimeout
	}
	if config.HealthCheckPeriod == 0 {
		config.HealthCheckPeriod = def.HealthCheckPeriod
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = def.BreakerTimeout
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = def.BreakerFailures
	}

	pool := &ConnectionPool{
		config:   config,
		links:    make(map[string]*Link),
		machines: make(map[int]*pooledMachine),
		logger:   logging.WithComponent(logger, "modbus-pool"),
		metrics:  metricsReg,
		done:     make(chan struct{}),
	}

	pool.wg.Add(1)
	go pool.healthCheckLoop()

	return pool
}

// createCircuitBreaker creates a per-machine circuit breaker.
func (p *ConnectionPool) createCircuitBreaker(machineID int) *gobreaker.CircuitBreaker {
	threshold := p.config.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("MC-%d", machineID),
		MaxRequests: 1,
		Timeout:     p.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Info().
				Str("machine", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
			if p.metrics != nil {
				p.metrics.SetBreakerOpen(machineID, to == gobreaker.StateOpen)
			}
		},
	})
}

// Register binds a machine to its link. TCP machines get their own link,
// serial machines share the one RTU link of the configured port.
func (p *ConnectionPool) Register(machine *domain.Machine) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.ErrServiceStopped
	}
	if _, exists := p.machines[machine.ID]; exists {
		return fmt.Errorf("%w: machine %d registered twice", domain.ErrInvalidConfig, machine.ID)
	}

	var key string
	switch machine.Transport.Kind {
	case domain.TransportTCP:
		key = "tcp://" + machine.Transport.Address()
	case domain.TransportSerial:
		key = "rtu://" + p.config.Serial.Port
	default:
		return fmt.Errorf("%w: unknown transport %q", domain.ErrInvalidConfig, machine.Transport.Kind)
	}

	link, ok := p.links[key]
	if !ok {
		var err error
		if machine.Transport.Kind == domain.TransportTCP {
			link, err = NewTCPLink(machine.Transport.Address(), p.config.TCPTimeout, p.config.IdleTimeout, p.logger)
		} else {
			link, err = NewSerialLink(p.config.Serial, p.logger)
		}
		if err != nil {
			return err
		}
		p.links[key] = link
	}

	p.machines[machine.ID] = &pooledMachine{
		machine: machine,
		link:    link,
		breaker: p.createCircuitBreaker(machine.ID),
	}

	p.logger.Debug().
		Int("machine_id", machine.ID).
		Str("link", link.Name()).
		Uint8("unit_id", machine.Transport.UnitID).
		Msg("Registered machine")
	return nil
}

func (p *ConnectionPool) get(machineID int) (*pooledMachine, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, domain.ErrServiceStopped
	}
	pm, ok := p.machines[machineID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrMachineNotFound, machineID)
	}
	return pm, nil
}

// Connect makes sure the machine's link is open.
func (p *ConnectionPool) Connect(ctx context.Context, machine *domain.Machine) error {
	pm, err := p.get(machine.ID)
	if err != nil {
		return err
	}
	return p.execute(pm, func() error {
		return p.connectLink(ctx, pm.link)
	})
}

func (p *ConnectionPool) connectLink(ctx context.Context, link *Link) error {
	if link.IsConnected() {
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, p.config.ConnectionTimeout)
	defer cancel()

	start := time.Now()
	err := link.Connect(connectCtx)
	if p.metrics != nil {
		p.metrics.RecordConnection(string(link.Kind()), err == nil, time.Since(start).Seconds())
	}
	return err
}

// ReadHoldingRegisters reads quantity words from the machine.
func (p *ConnectionPool) ReadHoldingRegisters(ctx context.Context, machine *domain.Machine, address, quantity uint16) ([]uint16, error) {
	pm, err := p.get(machine.ID)
	if err != nil {
		return nil, err
	}

	var words []uint16
	err = p.execute(pm, func() error {
		if err := p.connectLink(ctx, pm.link); err != nil {
			return err
		}
		var rerr error
		words, rerr = pm.link.ReadHoldingRegisters(ctx, machine.Transport.UnitID, address, quantity)
		return rerr
	})
	return words, err
}

// WriteMultipleRegisters writes consecutive words to the machine.
func (p *ConnectionPool) WriteMultipleRegisters(ctx context.Context, machine *domain.Machine, address uint16, values []uint16) error {
	pm, err := p.get(machine.ID)
	if err != nil {
		return err
	}
	return p.execute(pm, func() error {
		if err := p.connectLink(ctx, pm.link); err != nil {
			return err
		}
		return pm.link.WriteMultipleRegisters(ctx, machine.Transport.UnitID, address, values)
	})
}

// WriteSingleRegister writes one word to the machine.
func (p *ConnectionPool) WriteSingleRegister(ctx context.Context, machine *domain.Machine, address, value uint16) error {
	pm, err := p.get(machine.ID)
	if err != nil {
		return err
	}
	return p.execute(pm, func() error {
		if err := p.connectLink(ctx, pm.link); err != nil {
			return err
		}
		return pm.link.WriteSingleRegister(ctx, machine.Transport.UnitID, address, value)
	})
}

// execute runs fn behind the machine's breaker.
func (p *ConnectionPool) execute(pm *pooledMachine, fn func() error) error {
	_, err := pm.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	pm.mu.Lock()
	pm.lastError = err
	pm.mu.Unlock()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.ErrCircuitBreakerOpen
	}
	return err
}

// Close closes all links and stops the pool.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for name, link := range p.links {
		if err := link.Disconnect(); err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Str("link", name).Msg("Error closing link")
		}
	}
	p.logger.Info().Msg("Connection pool closed")
	return lastErr
}

// healthCheckLoop refreshes the active link gauges.
func (p *ConnectionPool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.publishActiveLinkMetrics()
		}
	}
}

func (p *ConnectionPool) publishActiveLinkMetrics() {
	if p.metrics == nil {
		return
	}

	counts := map[domain.TransportKind]int{
		domain.TransportTCP:    0,
		domain.TransportSerial: 0,
	}
	p.mu.RLock()
	for _, link := range p.links {
		if link.IsConnected() {
			counts[link.Kind()]++
		}
	}
	p.mu.RUnlock()

	for kind, n := range counts {
		p.metrics.UpdateActiveLinks(string(kind), n)
	}
}

// Stats returns pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Machines: len(p.machines),
		Links:    len(p.links),
	}
	for _, link := range p.links {
		if link.IsConnected() {
			stats.ActiveLinks++
		}
	}
	for _, pm := range p.machines {
		if pm.breaker.State() == gobreaker.StateOpen {
			stats.OpenBreakers++
		}
	}
	return stats
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Machines     int `json:"machines"`
	Links        int `json:"links"`
	ActiveLinks  int `json:"active_links"`
	OpenBreakers int `json:"open_breakers"`
}

// HealthCheck implements the health.Checker interface. The pool is healthy
// while it is open, even if some machines are unreachable.
func (p *ConnectionPool) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return domain.ErrServiceStopped
	}
	return nil
}

// MachineHealth returns link health for a machine.
func (p *ConnectionPool) MachineHealth(machineID int) (MachineHealth, bool) {
	p.mu.RLock()
	pm, exists := p.machines[machineID]
	p.mu.RUnlock()

	if !exists {
		return MachineHealth{}, false
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	h := MachineHealth{
		MachineID:          machineID,
		Link:               pm.link.Name(),
		Connected:          pm.link.IsConnected(),
		CircuitBreakerOpen: pm.breaker.State() == gobreaker.StateOpen,
	}
	if pm.lastError != nil {
		h.LastError = pm.lastError.Error()
	}
	return h, true
}

// MachineHealth contains link health for a single machine.
type MachineHealth struct {
	MachineID          int    `json:"machine_id"`
	Link               string `json:"link"`
	Connected          bool   `json:"connected"`
	CircuitBreakerOpen bool   `json:"circuit_breaker_open"`
	LastError          string `json:"last_error,omitempty"`
}
