// Package service runs the per-machine read loops, change detection and the
// HMI batch command writers.
package service

import (
	"context"
	"errors"
	"sort"
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

// RegisterIO is the register transport shared by pollers and writers.
type RegisterIO interface {
	Connect(ctx context.Context, machine *domain.Machine) error
	ReadHoldingRegisters(ctx context.Context, machine *domain.Machine, address, quantity uint16) ([]uint16, error)
	WriteMultipleRegisters(ctx context.Context, machine *domain.Machine, address uint16, values []uint16) error
	WriteSingleRegister(ctx context.Context, machine *domain.Machine, address, value uint16) error
}

// TelemetrySink receives one write per change set.
type TelemetrySink interface {
	WriteChangeSet(ctx context.Context, cs domain.ChangeSet) error
}

// CompletionNotifier receives completion events.
type CompletionNotifier interface {
	SubmitBatch(ctx context.Context, batch string) error
	NotifyCompletion(ctx context.Context) error
}

// EventMirror optionally republishes what the pollers emit.
type EventMirror interface {
	PublishChangeSet(ctx context.Context, cs domain.ChangeSet) error
	PublishCompletion(ctx context.Context, ev domain.CompletionEvent) error
}

// PollingService owns one poller per machine.
type PollingService struct {
	config   PollingConfig
	io       RegisterIO
	arbiter  arbiter.Arbiter
	sink     TelemetrySink
	notifier CompletionNotifier
	mirror   EventMirror
	logger   zerolog.Logger
	metrics  *metrics.Registry
	machines map[int]*machinePoller
	mu       sync.RWMutex
	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stats    *PollingStats
}

// PollingConfig holds configuration for the polling service.
type PollingConfig struct {
	// Interval is the pause after every cycle, whatever the cycle took
	Interval time.Duration

	// Sentinel is the deployment completion value of the process field
	Sentinel int64

	// ByteSwap selects low,high byte order for the batch block
	ByteSwap bool

	// CallTimeout bounds each sink and control plane call
	CallTimeout time.Duration
}

// DefaultPollingConfig returns the reference deployment settings.
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		Interval:    5 * time.Second,
		Sentinel:    DefaultSentinel,
		ByteSwap:    true,
		CallTimeout: 10 * time.Second,
	}
}

// PollingStats tracks polling statistics.
type PollingStats struct {
	TotalCycles   atomic.Uint64
	SuccessCycles atomic.Uint64
	FailedCycles  atomic.Uint64
	SkippedCycles atomic.Uint64
	ChangeSets    atomic.Uint64
	SinkFailures  atomic.Uint64
	Completions   atomic.Uint64
}

// machinePoller holds the loop state of one machine. prev is only touched
// by RunCycle, which cycleMu keeps single-threaded.
type machinePoller struct {
	machine *domain.Machine
	trigger *CompletionTrigger
	logger  zerolog.Logger
	cycleMu sync.Mutex
	prev    domain.Snapshot
	running atomic.Bool

	mu         sync.RWMutex
	state      domain.PollerState
	lastCycle  time.Time
	lastError  error
	lastResult domain.CycleResult

	cycles      atomic.Uint64
	errors      atomic.Uint64
	skipped     atomic.Uint64
	changeSets  atomic.Uint64
	completions atomic.Uint64
}

func (mp *machinePoller) setState(s domain.PollerState) {
	mp.mu.Lock()
	mp.state = s
	mp.mu.Unlock()
}

// NewPollingService creates a new polling service.
func NewPollingService(
	config PollingConfig,
	io RegisterIO,
	arb arbiter.Arbiter,
	sink TelemetrySink,
	notifier CompletionNotifier,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *PollingService {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.Sentinel == 0 {
		config.Sentinel = DefaultSentinel
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}

	return &PollingService{
		config:   config,
		io:       io,
		arbiter:  arb,
		sink:     sink,
		notifier: notifier,
		logger:   logging.WithComponent(logger, "polling-service"),
		metrics:  metricsReg,
		machines: make(map[int]*machinePoller),
		stats:    &PollingStats{},
	}
}

// SetMirror attaches an optional event mirror. Call before Start.
func (s *PollingService) SetMirror(m EventMirror) {
	s.mirror = m
}

// RegisterMachine adds a machine. Machines registered after Start are
// started immediately.
func (s *PollingService) RegisterMachine(machine *domain.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.machines[machine.ID]; exists {
		return domain.ErrInvalidConfig
	}

	mp := &machinePoller{
		machine: machine,
		trigger: NewCompletionTrigger(machine.ID, machine.Sentinel(s.config.Sentinel)),
		logger:  logging.WithMachineContext(s.logger, machine.ID, string(machine.Transport.Kind)),
		state:   domain.StateIdle,
	}
	s.machines[machine.ID] = mp

	mp.logger.Info().
		Int("registers", len(machine.Registers)).
		Bool("batch", machine.HasBatch).
		Int64("sentinel", mp.trigger.Sentinel).
		Msg("Registered machine for polling")

	if s.started.Load() {
		s.startPoller(mp)
	}
	return nil
}

// Start begins polling every registered machine.
func (s *PollingService) Start(ctx context.Context) error {
	if s.started.Load() {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	s.mu.RLock()
	defer s.mu.RUnlock()

	s.logger.Info().
		Int("machines", len(s.machines)).
		Dur("interval", s.config.Interval).
		Str("arbitration", string(s.arbiter.Policy())).
		Msg("Starting polling service")

	for _, mp := range s.machines {
		s.startPoller(mp)
	}
	return nil
}

// Stop cancels every poller and waits for them, bounded by ctx.
func (s *PollingService) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	s.logger.Info().Msg("Stopping polling service")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All pollers stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for pollers to stop")
	}

	s.started.Store(false)
	return nil
}

// startPoller runs the fixed-delay loop of one machine.
func (s *PollingService) startPoller(mp *machinePoller) {
	if mp.running.Swap(true) {
		return
	}
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer mp.running.Store(false)

		mp.logger.Debug().Dur("interval", s.config.Interval).Msg("Starting machine poller")

		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-s.ctx.Done():
				mp.setState(domain.StateIdle)
				return
			case <-timer.C:
			}

			s.runCycle(s.ctx, mp)

			mp.setState(domain.StateSleeping)
			timer.Reset(s.config.Interval)
		}
	}()
}

// RunCycle performs one read cycle for a machine outside the loop.
func (s *PollingService) RunCycle(ctx context.Context, machineID int) (domain.CycleResult, error) {
	s.mu.RLock()
	mp, ok := s.machines[machineID]
	s.mu.RUnlock()
	if !ok {
		return domain.CycleResult{}, domain.ErrMachineNotFound
	}
	return s.runCycle(ctx, mp), nil
}

// runCycle is one CONNECTING, READING, DIFFING, PUBLISHING pass. The
// arbiter is released as soon as the transport is no longer needed.
func (s *PollingService) runCycle(ctx context.Context, mp *machinePoller) domain.CycleResult {
	mp.cycleMu.Lock()
	defer mp.cycleMu.Unlock()

	m := mp.machine
	result := domain.CycleResult{MachineID: m.ID, StartedAt: time.Now()}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		mp.mu.Lock()
		mp.lastResult = result
		mp.mu.Unlock()
	}()

	mp.setState(domain.StateConnecting)
	if !s.arbiter.BeginCycle(m.ID) {
		s.skip(mp, "write_pause")
		mp.logger.Debug().Msg("Cycle skipped: batch write in progress")
		result.Skipped = true
		result.Err = domain.ErrWriteInProgress
		return result
	}

	cur, err := s.readMachine(ctx, mp)
	s.arbiter.EndCycle(m.ID)

	if err != nil {
		if errors.Is(err, domain.ErrCircuitBreakerOpen) {
			s.skip(mp, "breaker_open")
			mp.logger.Debug().Err(err).Msg("Cycle skipped: circuit breaker open")
			result.Skipped = true
		} else {
			s.fail(mp, err, time.Since(result.StartedAt))
		}
		mp.mu.Lock()
		mp.lastError = err
		mp.mu.Unlock()
		result.Err = err
		return result
	}

	mp.setState(domain.StateDiffing)
	sets := Classify(m.ID, mp.prev, cur)
	event, fired := mp.trigger.Evaluate(mp.prev, cur)

	mp.setState(domain.StatePublishing)
	for _, cs := range sets {
		s.publish(ctx, mp, cs)
	}
	if fired {
		s.complete(ctx, mp, event)
	}

	mp.prev = cur

	s.stats.TotalCycles.Add(1)
	s.stats.SuccessCycles.Add(1)
	mp.cycles.Add(1)
	mp.mu.Lock()
	mp.lastCycle = result.StartedAt
	mp.lastError = nil
	mp.mu.Unlock()

	result.ChangeSets = len(sets)
	result.Completed = fired

	if s.metrics != nil {
		s.metrics.RecordCycle(m.ID, "success", time.Since(result.StartedAt).Seconds())
		s.updateMachineGauge()
	}
	mp.logger.Debug().
		Int("fields", cur.Len()).
		Int("changesets", len(sets)).
		Bool("completed", fired).
		Dur("duration", time.Since(result.StartedAt)).
		Msg("Cycle completed")
	return result
}

// readMachine reads every bound register, then the batch block. The first
// failure aborts the cycle so no partial snapshot is ever diffed.
func (s *PollingService) readMachine(ctx context.Context, mp *machinePoller) (domain.Snapshot, error) {
	m := mp.machine
	if err := s.io.Connect(ctx, m); err != nil {
		return domain.Snapshot{}, err
	}

	mp.setState(domain.StateReading)
	cur := domain.NewSnapshot(time.Now())
	gap := s.arbiter.ReadGap()
	reads := 0

	pace := func() error {
		if reads > 0 && gap > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(gap):
			}
		}
		reads++
		return nil
	}

	for _, rb := range m.Registers {
		if err := pace(); err != nil {
			return domain.Snapshot{}, err
		}
		var words []uint16
		err := s.arbiter.Transaction(func() error {
			var rerr error
			words, rerr = s.io.ReadHoldingRegisters(ctx, m, rb.Address, 1)
			return rerr
		})
		if err != nil {
			return domain.Snapshot{}, err
		}
		if len(words) != 1 {
			return domain.Snapshot{}, domain.ErrInvalidDataLength
		}
		cur.Set(rb.Field, int64(words[0]))
	}

	if m.HasBatch {
		if err := pace(); err != nil {
			return domain.Snapshot{}, err
		}
		var words []uint16
		err := s.arbiter.Transaction(func() error {
			var rerr error
			words, rerr = s.io.ReadHoldingRegisters(ctx, m, m.BatchAddress, domain.BatchRegisterCount)
			return rerr
		})
		if err != nil {
			return domain.Snapshot{}, err
		}
		cur.SetBatch(modbus.DecodeASCII(words, s.config.ByteSwap))
	}

	return cur, nil
}

// publish writes one change set. Failures are dropped for this cycle.
func (s *PollingService) publish(ctx context.Context, mp *machinePoller, cs domain.ChangeSet) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	err := s.sink.WriteChangeSet(callCtx, cs)
	if s.metrics != nil {
		s.metrics.RecordChangeSet(string(cs.Tier), err == nil)
	}
	if err != nil {
		s.stats.SinkFailures.Add(1)
		mp.logger.Warn().Err(err).Str("tier", string(cs.Tier)).Msg("Failed to write change set")
	} else {
		s.stats.ChangeSets.Add(1)
		mp.changeSets.Add(1)
		mp.logger.Debug().Str("tier", string(cs.Tier)).Int("fields", len(cs.Fields)).Msg("Change set written")
	}

	if s.mirror != nil {
		if err := s.mirror.PublishChangeSet(callCtx, cs); err != nil {
			mp.logger.Debug().Err(err).Str("tier", string(cs.Tier)).Msg("Mirror publish failed")
		}
	}
}

// complete forwards a completion event. The two control plane calls are
// independent of each other.
func (s *PollingService) complete(ctx context.Context, mp *machinePoller, ev domain.CompletionEvent) {
	s.stats.Completions.Add(1)
	mp.completions.Add(1)
	if s.metrics != nil {
		s.metrics.RecordCompletion(ev.MachineID)
	}
	mp.logger.Info().Str("batch", ev.Batch).Str("event_id", ev.ID).Msg("Process completed")

	if s.notifier != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		if err := s.notifier.SubmitBatch(callCtx, ev.Batch); err != nil {
			mp.logger.Warn().Err(err).Str("batch", ev.Batch).Msg("Failed to submit batch")
		}
		cancel()

		callCtx, cancel = context.WithTimeout(ctx, s.config.CallTimeout)
		if err := s.notifier.NotifyCompletion(callCtx); err != nil {
			mp.logger.Warn().Err(err).Msg("Failed to send completion trigger")
		}
		cancel()
	}

	if s.mirror != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		if err := s.mirror.PublishCompletion(callCtx, ev); err != nil {
			mp.logger.Debug().Err(err).Msg("Mirror publish failed")
		}
		cancel()
	}
}

func (s *PollingService) skip(mp *machinePoller, reason string) {
	s.stats.SkippedCycles.Add(1)
	mp.skipped.Add(1)
	if s.metrics != nil {
		s.metrics.RecordCycleSkipped(mp.machine.ID, reason)
	}
}

func (s *PollingService) fail(mp *machinePoller, err error, took time.Duration) {
	s.stats.TotalCycles.Add(1)
	s.stats.FailedCycles.Add(1)
	mp.errors.Add(1)
	if s.metrics != nil {
		s.metrics.RecordCycle(mp.machine.ID, "error", took.Seconds())
		s.updateMachineGauge()
	}
	mp.logger.Error().Err(err).Msg("Read cycle failed")
}

func (s *PollingService) updateMachineGauge() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	online := 0
	for _, mp := range s.machines {
		mp.mu.RLock()
		if mp.lastError == nil && !mp.lastCycle.IsZero() {
			online++
		}
		mp.mu.RUnlock()
	}
	s.metrics.UpdateMachineCount(len(s.machines), online)
}

// MachineView is the status of one machine poller.
type MachineView struct {
	MachineID   int                    `json:"machine_id"`
	Transport   domain.TransportKind   `json:"transport"`
	Status      domain.MachineStatus   `json:"status"`
	State       domain.PollerState     `json:"state"`
	Running     bool                   `json:"running"`
	LastCycle   time.Time              `json:"last_cycle,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
	Cycles      uint64                 `json:"cycles"`
	Errors      uint64                 `json:"errors"`
	Skipped     uint64                 `json:"skipped"`
	ChangeSets  uint64                 `json:"changesets"`
	Completions uint64                 `json:"completions"`
	Snapshot    map[string]interface{} `json:"snapshot,omitempty"`
}

// MachineStatus returns the status of a machine poller.
func (s *PollingService) MachineStatus(machineID int) (*MachineView, error) {
	s.mu.RLock()
	mp, exists := s.machines[machineID]
	s.mu.RUnlock()

	if !exists {
		return nil, domain.ErrMachineNotFound
	}
	return s.view(mp, true), nil
}

// Machines returns the status of every machine, ordered by id.
func (s *PollingService) Machines() []*MachineView {
	s.mu.RLock()
	pollers := make([]*machinePoller, 0, len(s.machines))
	for _, mp := range s.machines {
		pollers = append(pollers, mp)
	}
	s.mu.RUnlock()

	sort.Slice(pollers, func(i, j int) bool { return pollers[i].machine.ID < pollers[j].machine.ID })
	views := make([]*MachineView, 0, len(pollers))
	for _, mp := range pollers {
		views = append(views, s.view(mp, false))
	}
	return views
}

func (s *PollingService) view(mp *machinePoller, withSnapshot bool) *MachineView {
	mp.mu.RLock()
	v := &MachineView{
		MachineID:   mp.machine.ID,
		Transport:   mp.machine.Transport.Kind,
		State:       mp.state,
		Running:     mp.running.Load(),
		LastCycle:   mp.lastCycle,
		Cycles:      mp.cycles.Load(),
		Errors:      mp.errors.Load(),
		Skipped:     mp.skipped.Load(),
		ChangeSets:  mp.changeSets.Load(),
		Completions: mp.completions.Load(),
	}
	lastErr := mp.lastError
	mp.mu.RUnlock()

	switch {
	case lastErr != nil && errors.Is(lastErr, domain.ErrCircuitBreakerOpen):
		v.Status = domain.MachineStatusPaused
	case lastErr != nil:
		v.Status = domain.MachineStatusError
	case !v.LastCycle.IsZero():
		v.Status = domain.MachineStatusOnline
	default:
		v.Status = domain.MachineStatusUnknown
	}
	if lastErr != nil {
		v.LastError = lastErr.Error()
	}

	if withSnapshot && mp.cycleMu.TryLock() {
		v.Snapshot = mp.prev.Values()
		mp.cycleMu.Unlock()
	}
	return v
}

// StatsSnapshot holds a point-in-time snapshot of polling statistics.
type StatsSnapshot struct {
	TotalCycles   uint64 `json:"total_cycles"`
	SuccessCycles uint64 `json:"success_cycles"`
	FailedCycles  uint64 `json:"failed_cycles"`
	SkippedCycles uint64 `json:"skipped_cycles"`
	ChangeSets    uint64 `json:"changesets"`
	SinkFailures  uint64 `json:"sink_failures"`
	Completions   uint64 `json:"completions"`
}

// Stats returns a snapshot of the polling service statistics.
func (s *PollingService) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalCycles:   s.stats.TotalCycles.Load(),
		SuccessCycles: s.stats.SuccessCycles.Load(),
		FailedCycles:  s.stats.FailedCycles.Load(),
		SkippedCycles: s.stats.SkippedCycles.Load(),
		ChangeSets:    s.stats.ChangeSets.Load(),
		SinkFailures:  s.stats.SinkFailures.Load(),
		Completions:   s.stats.Completions.Load(),
	}
}

// HealthCheck implements the health.Checker interface.
func (s *PollingService) HealthCheck(ctx context.Context) error {
	if !s.started.Load() {
		return domain.ErrServiceNotStarted
	}
	return nil
}
