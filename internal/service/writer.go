package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/machine-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/machine-gateway/internal/arbiter"
	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/nexus-edge/machine-gateway/internal/metrics"
	"github.com/nexus-edge/machine-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

// ControlPlane is the command side of the control plane.
type ControlPlane interface {
	CommandSource
	ConfirmCommand(ctx context.Context, machineID int) error
}

// CommandService runs the command fetcher and one writer per machine.
type CommandService struct {
	config   CommandConfig
	io       RegisterIO
	arbiter  arbiter.Arbiter
	plane    ControlPlane
	queue    *CommandQueue
	logger   zerolog.Logger
	metrics  *metrics.Registry
	machines map[int]*domain.Machine
	mu       sync.RWMutex
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stats    *CommandStats
}

// CommandConfig holds configuration for the command service.
type CommandConfig struct {
	// FetchInterval is how often the control plane is asked for commands
	FetchInterval time.Duration

	// FetchTimeout bounds one fetch
	FetchTimeout time.Duration

	// PollInterval is the writer's fallback wake-up when no signal arrives
	PollInterval time.Duration

	// CallTimeout bounds each confirmation call
	CallTimeout time.Duration

	// WriteTimeout bounds one register write
	WriteTimeout time.Duration

	// ByteSwap selects low,high byte order for slot text
	ByteSwap bool
}

// DefaultCommandConfig returns the reference deployment settings.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		FetchInterval: 10 * time.Second,
		FetchTimeout:  5 * time.Second,
		PollInterval:  time.Second,
		CallTimeout:   10 * time.Second,
		WriteTimeout:  5 * time.Second,
		ByteSwap:      true,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
	SlotsWritten      atomic.Uint64
	SlotsSkipped      atomic.Uint64
	Confirmations     atomic.Uint64
	ConfirmFailures   atomic.Uint64
	FetchFailures     atomic.Uint64
}

// CommandResult describes what processing one command did.
type CommandResult struct {
	MachineID    int
	SlotsWritten int
	SlotsSkipped int
	Confirmed    bool
	Err          error
}

// NewCommandService creates a new command service.
func NewCommandService(
	config CommandConfig,
	io RegisterIO,
	arb arbiter.Arbiter,
	plane ControlPlane,
	queue *CommandQueue,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandService {
	def := DefaultCommandConfig()
	if config.FetchInterval <= 0 {
		config.FetchInterval = def.FetchInterval
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if queue == nil {
		queue = NewCommandQueue()
	}

	return &CommandService{
		config:   config,
		io:       io,
		arbiter:  arb,
		plane:    plane,
		queue:    queue,
		logger:   logging.WithComponent(logger, "command-service"),
		metrics:  metricsReg,
		machines: make(map[int]*domain.Machine),
		stats:    &CommandStats{},
	}
}

// RegisterMachine adds a machine that can receive commands. Call before Start.
func (s *CommandService) RegisterMachine(machine *domain.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.machines[machine.ID]; exists {
		return domain.ErrInvalidConfig
	}
	s.machines[machine.ID] = machine

	if err := machine.Write.ValidateStatusRegisters(); err != nil {
		// reported again on every command; the machine still gets confirmations
		s.logger.Warn().Err(err).Int("machine_id", machine.ID).Msg("Machine cannot accept batch writes")
	}
	return nil
}

// Queue returns the command mailbox.
func (s *CommandService) Queue() *CommandQueue {
	return s.queue
}

// Start launches the fetcher and the writers.
func (s *CommandService) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.mu.RLock()
	known := make(map[int]struct{}, len(s.machines))
	for id := range s.machines {
		known[id] = struct{}{}
	}
	machines := make([]*domain.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		machines = append(machines, m)
	}
	s.mu.RUnlock()

	f := &fetcher{
		source:   s.plane,
		queue:    s.queue,
		known:    known,
		interval: s.config.FetchInterval,
		timeout:  s.config.FetchTimeout,
		logger:   s.logger.With().Str("worker", "fetcher").Logger(),
		onError: func() {
			s.stats.FetchFailures.Add(1)
			if s.metrics != nil {
				s.metrics.RecordControlPlaneError("fetch")
			}
		},
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f.run(s.ctx)
	}()

	for _, m := range machines {
		s.wg.Add(1)
		go s.writerLoop(m)
	}

	s.logger.Info().
		Int("machines", len(machines)).
		Dur("fetch_interval", s.config.FetchInterval).
		Msg("Command service started")
	return nil
}

// Stop stops every worker and waits for them, bounded by ctx.
func (s *CommandService) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}
	s.logger.Info().Msg("Stopping command service")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Command service stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for command writers to stop")
	}
	s.running.Store(false)
	return nil
}

// writerLoop waits for its machine's command and processes it.
func (s *CommandService) writerLoop(m *domain.Machine) {
	defer s.wg.Done()

	logger := logging.WithMachineContext(s.logger, m.ID, string(m.Transport.Kind))
	signal := s.queue.Signal(m.ID)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-signal:
		case <-ticker.C:
		}

		cmd, ok := s.queue.Take(m.ID)
		if s.metrics != nil {
			s.metrics.UpdatePendingCommands(s.queue.Len())
		}
		if !ok {
			continue
		}
		res := s.process(s.ctx, m, cmd, logger)
		if res.Err != nil && !errors.Is(res.Err, domain.ErrInvalidStatusRegisters) {
			logger.Error().Err(res.Err).Int("slots_written", res.SlotsWritten).Msg("Command abandoned")
		}
	}
}

// Process runs one command for a configured machine outside the writer loop.
func (s *CommandService) Process(ctx context.Context, cmd domain.PendingCommand) (CommandResult, error) {
	s.mu.RLock()
	m, ok := s.machines[cmd.MachineID]
	s.mu.RUnlock()
	if !ok {
		return CommandResult{MachineID: cmd.MachineID}, domain.ErrMachineNotFound
	}
	logger := logging.WithMachineContext(s.logger, m.ID, string(m.Transport.Kind))
	return s.process(ctx, m, cmd, logger), nil
}

// process writes the command's slots and confirms it. A transport error
// abandons the command unconfirmed so the control plane serves it again.
func (s *CommandService) process(ctx context.Context, m *domain.Machine, cmd domain.PendingCommand, logger zerolog.Logger) CommandResult {
	res := CommandResult{MachineID: m.ID}
	if !cmd.Status {
		return res
	}
	s.stats.CommandsReceived.Add(1)

	if err := m.Write.ValidateStatusRegisters(); err != nil {
		s.stats.CommandsRejected.Add(1)
		logger.Error().Err(err).Msg("Refusing batch write")
		res.Err = err
		s.record(m.ID, "rejected", 0)
		res.Confirmed = s.confirm(ctx, m.ID, logger)
		return res
	}

	err := s.arbiter.Write(m.ID, func() error {
		for i, text := range cmd.Slots {
			if text == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			slot := i + 1
			words, err := s.slotWords(m, slot, text)
			if err != nil {
				res.SlotsSkipped++
				s.stats.SlotsSkipped.Add(1)
				logger.Warn().Err(err).Int("slot", slot).Msg("Skipping batch slot")
				continue
			}
			dataAddr := m.Write.BatchMap[slot]
			statusAddr := m.Write.StatusRegisters[i]

			// a started pair always finishes, shutdown only stops the next slot
			err = s.arbiter.Pair(func() error {
				wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.WriteTimeout)
				defer cancel()
				if err := s.io.WriteMultipleRegisters(wctx, m, dataAddr, words); err != nil {
					return fmt.Errorf("slot %d data: %w", slot, err)
				}
				if err := s.io.WriteSingleRegister(wctx, m, statusAddr, 1); err != nil {
					return fmt.Errorf("slot %d status: %w", slot, err)
				}
				return nil
			})
			if err != nil {
				return err
			}
			res.SlotsWritten++
			s.stats.SlotsWritten.Add(1)
			slotLogger := logging.WithSlot(logger, slot, dataAddr)
			slotLogger.Debug().Msg("Batch slot written")
		}
		return nil
	})

	if err != nil {
		s.stats.CommandsFailed.Add(1)
		s.record(m.ID, "failed", res.SlotsWritten)
		res.Err = err
		return res
	}

	s.stats.CommandsSucceeded.Add(1)
	s.record(m.ID, "succeeded", res.SlotsWritten)
	logger.Info().
		Int("slots_written", res.SlotsWritten).
		Int("slots_skipped", res.SlotsSkipped).
		Msg("Batch command written")

	res.Confirmed = s.confirm(ctx, m.ID, logger)
	return res
}

// slotWords encodes one slot's text for its data block.
func (s *CommandService) slotWords(m *domain.Machine, slot int, text string) ([]uint16, error) {
	if _, ok := m.Write.BatchMap[slot]; !ok {
		return nil, fmt.Errorf("%w: no batch_map entry for %s", domain.ErrInvalidConfig, domain.SlotKey(slot))
	}
	padded, err := modbus.PadBatch(text)
	if err != nil {
		return nil, err
	}
	return modbus.EncodeASCII(padded, s.config.ByteSwap)
}

func (s *CommandService) confirm(ctx context.Context, machineID int, logger zerolog.Logger) bool {
	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	if err := s.plane.ConfirmCommand(callCtx, machineID); err != nil {
		s.stats.ConfirmFailures.Add(1)
		if s.metrics != nil {
			s.metrics.RecordControlPlaneError("confirm")
		}
		logger.Warn().Err(err).Msg("Failed to confirm command")
		return false
	}
	s.stats.Confirmations.Add(1)
	return true
}

func (s *CommandService) record(machineID int, outcome string, slots int) {
	if s.metrics != nil {
		s.metrics.RecordCommand(machineID, outcome, slots)
	}
}

// CommandStatsSnapshot is a point-in-time copy of CommandStats.
type CommandStatsSnapshot struct {
	CommandsReceived  uint64 `json:"commands_received"`
	CommandsSucceeded uint64 `json:"commands_succeeded"`
	CommandsFailed    uint64 `json:"commands_failed"`
	CommandsRejected  uint64 `json:"commands_rejected"`
	SlotsWritten      uint64 `json:"slots_written"`
	SlotsSkipped      uint64 `json:"slots_skipped"`
	Confirmations     uint64 `json:"confirmations"`
	ConfirmFailures   uint64 `json:"confirm_failures"`
	FetchFailures     uint64 `json:"fetch_failures"`
	Pending           int    `json:"pending"`
}

// Stats returns command service statistics.
func (s *CommandService) Stats() CommandStatsSnapshot {
	return CommandStatsSnapshot{
		CommandsReceived:  s.stats.CommandsReceived.Load(),
		CommandsSucceeded: s.stats.CommandsSucceeded.Load(),
		CommandsFailed:    s.stats.CommandsFailed.Load(),
		CommandsRejected:  s.stats.CommandsRejected.Load(),
		SlotsWritten:      s.stats.SlotsWritten.Load(),
		SlotsSkipped:      s.stats.SlotsSkipped.Load(),
		Confirmations:     s.stats.Confirmations.Load(),
		ConfirmFailures:   s.stats.ConfirmFailures.Load(),
		FetchFailures:     s.stats.FetchFailures.Load(),
		Pending:           s.queue.Len(),
	}
}
