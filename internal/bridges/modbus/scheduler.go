package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/machine-telemetry/internal/telemetry"
)

// SchedulerOptions holds the dependencies for creating a scheduler.
type SchedulerOptions struct {
	// Config holds polling and supervision settings. Zero values take defaults.
	Config SchedulerConfig

	// Devices are the controllers to poll. Machine codes must be unique.
	Devices []Device

	// Dialer opens device sessions. Defaults to TCPDialer.
	Dialer Dialer

	// Publisher receives emitted change events.
	Publisher EventPublisher

	// Detector is optional; a fresh detector is created when nil.
	Detector *telemetry.ChangeDetector

	// Logger is optional structured logger.
	Logger Logger
}

// SchedulerMetrics contains polling counters for the API and health reporter.
type SchedulerMetrics struct {
	Devices          int       `json:"devices"`
	DevicesConnected int       `json:"devices_connected"`
	Ticks            uint64    `json:"ticks"`
	TicksCoalesced   uint64    `json:"ticks_coalesced"`
	Reads            uint64    `json:"reads"`
	ReadErrors       uint64    `json:"read_errors"`
	ReconnectSkips   uint64    `json:"reconnect_skips"`
	Changes          uint64    `json:"changes"`
	Suppressed       uint64    `json:"suppressed"`
	PublishErrors    uint64    `json:"publish_errors"`
	Restarts         uint64    `json:"restarts"`
	Panics           uint64    `json:"panics"`
	LoopRestarts     uint64    `json:"loop_restarts"`
	MaxRetrySignals  uint64    `json:"max_retry_signals"`
	LastTick         time.Time `json:"last_tick,omitzero"`
}

// worker is the per-device polling task. Ticks are buffered by one so a
// busy device coalesces ticks instead of holding up the fan-out.
type worker struct {
	dev  Device
	conn *Connection
	tick chan time.Time
}

// Scheduler polls every device on a fixed interval.
//
// One ticker goroutine fans ticks out to one worker goroutine per device,
// so reads are sequential within a device and independent across devices.
// Each worker counts consecutive failures and runs a restart cycle
// (disconnect, wait, connect) at the threshold. A watchdog restarts the
// tick loop if it dies.
//
// Thread Safety: All methods are safe for concurrent use.
type Scheduler struct {
	cfg       SchedulerConfig
	publisher EventPublisher
	detector  *telemetry.ChangeDetector
	logger    Logger

	workers []*worker
	byCode  map[string]*worker
	signals chan Signal

	// pollCtx is passed to reads and publishes; cancelled when the grace period ends.
	pollCtx    context.Context
	pollCancel context.CancelFunc

	// Lifecycle
	mu       sync.Mutex
	started  bool
	quit     chan struct{}
	workerWG sync.WaitGroup
	bgWG     sync.WaitGroup
	stopOnce sync.Once

	// Tick loop, replaced by the watchdog when it dies
	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	heartbeat  atomic.Int64

	ticks           atomic.Uint64
	coalesced       atomic.Uint64
	reads           atomic.Uint64
	readErrors      atomic.Uint64
	skipped         atomic.Uint64
	changes         atomic.Uint64
	suppressed      atomic.Uint64
	publishErrors   atomic.Uint64
	restarts        atomic.Uint64
	panics          atomic.Uint64
	loopRestarts    atomic.Uint64
	maxRetrySignals atomic.Uint64
}

// NewScheduler validates the devices and builds one Connection per device.
// Call Start to connect and begin polling.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	cfg := opts.Config.withDefaults()
	if err := validateDevices(opts.Devices, cfg.Layout); err != nil {
		return nil, fmt.Errorf("invalid devices: %w", err)
	}

	detector := opts.Detector
	if detector == nil {
		detector = telemetry.NewChangeDetector()
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:        cfg,
		publisher:  opts.Publisher,
		detector:   detector,
		logger:     opts.Logger,
		byCode:     make(map[string]*worker, len(opts.Devices)),
		signals:    make(chan Signal, len(opts.Devices)+1),
		pollCtx:    pollCtx,
		pollCancel: pollCancel,
		quit:       make(chan struct{}),
	}

	for _, dev := range opts.Devices {
		w := &worker{
			dev: dev,
			conn: NewConnection(ConnectionOptions{
				Device:         dev,
				Dialer:         opts.Dialer,
				MaxRetries:     cfg.MaxRetries,
				ReconnectDelay: cfg.ReconnectDelay,
				Signals:        s.signals,
				Logger:         opts.Logger,
			}),
			tick: make(chan time.Time, 1),
		}
		s.workers = append(s.workers, w)
		s.byCode[dev.MachineCode] = w
	}

	return s, nil
}

// Start connects every device and begins polling.
//
// Devices are connected concurrently, spaced by ConnectStagger. With
// StrictStartup each device gets MaxRetries attempts and any device that
// stays unreachable fails Start. Otherwise an unreachable device is logged
// and handed to its reconnect state machine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	select {
	case <-s.quit:
		s.mu.Unlock()
		return errors.New("scheduler stopped")
	default:
	}
	s.started = true
	s.mu.Unlock()

	if err := s.connectAll(ctx); err != nil {
		s.disconnectAll()
		return err
	}

	s.bgWG.Add(1)
	go s.supervise()

	for _, w := range s.workers {
		s.workerWG.Add(1)
		go s.runWorker(w)
	}

	s.startLoop()

	s.bgWG.Add(1)
	go s.watchdog()

	s.logInfo("scheduler started",
		"devices", len(s.workers),
		"poll_interval", s.cfg.PollInterval.String(),
		"max_retries", s.cfg.MaxRetries)
	return nil
}

// Stop halts the tick loop, lets in-flight polls finish until ctx ends,
// then cancels whatever is left and disconnects every device.
// Returns ctx.Err() if the grace period expired. Safe to call multiple times.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()

		close(s.quit)

		if started {
			s.bgWG.Wait()
			s.stopLoop()

			done := make(chan struct{})
			go func() {
				s.workerWG.Wait()
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				s.logWarn("shutdown grace period expired, cancelling in-flight polls")
				err = ctx.Err()
				s.pollCancel()
				s.disconnectAll()
				<-done
			}
		}

		s.pollCancel()
		s.disconnectAll()
		s.logInfo("scheduler stopped")
	})
	return err
}

// connectAll runs the startup connects.
func (s *Scheduler) connectAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i, w := range s.workers {
		w := w
		delay := time.Duration(i) * s.cfg.ConnectStagger
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(delay):
				}
			}
			return s.connectDevice(gctx, w)
		})
	}

	return g.Wait()
}

// connectDevice performs the startup connect for one device.
func (s *Scheduler) connectDevice(ctx context.Context, w *worker) error {
	if !s.cfg.StrictStartup {
		err := w.conn.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logWarn("device unreachable at startup, reconnecting in background",
			"machine_code", w.dev.MachineCode,
			"address", w.dev.Address,
			"error", err)
		w.conn.ScheduleReconnect(err)
		return nil
	}

	var err error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if err = w.conn.Connect(ctx); err == nil {
			return nil
		}
		s.logWarn("startup connect failed",
			"machine_code", w.dev.MachineCode,
			"attempt", attempt,
			"max_retries", s.cfg.MaxRetries,
			"error", err)

		if attempt == s.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}

	return fmt.Errorf("%w: %s unreachable at startup: %w", ErrMaxRetriesExceeded, w.dev.MachineCode, err)
}

// runWorker polls one device for every tick it receives.
func (s *Scheduler) runWorker(w *worker) {
	defer s.workerWG.Done()

	for {
		select {
		case <-s.quit:
			return
		case <-w.tick:
			select {
			case <-s.quit:
				return
			default:
			}
			s.safePoll(w)
		}
	}
}

// safePoll runs one poll and turns a panic into a counted failure.
func (s *Scheduler) safePoll(w *worker) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logError("poll panicked", "machine_code", w.dev.MachineCode, "panic", r)
			s.handleFailure(s.pollCtx, w, fmt.Errorf("poll panic: %v", r))
		}
	}()

	s.pollDevice(s.pollCtx, w)
}

// pollDevice reads the window, runs the detector and publishes a change.
// The failure counter is reset only when the whole poll succeeds.
func (s *Scheduler) pollDevice(ctx context.Context, w *worker) {
	code := w.dev.MachineCode

	regs, err := w.conn.ReadRegisters(ctx, w.dev.StartAddress, w.dev.Length)
	if err != nil && s.reconnectPending(w, err) {
		s.skipped.Add(1)
		s.logDebug("poll skipped, reconnect pending", "machine_code", code, "state", w.conn.State().String())
		return
	}
	if err != nil {
		s.readErrors.Add(1)
		s.handleFailure(ctx, w, err)
		return
	}
	s.reads.Add(1)

	reading := telemetry.NewReading(code, regs, time.Now())

	changed, err := s.detector.ObserveReading(reading, s.cfg.Layout)
	if err != nil {
		s.handleFailure(ctx, w, &ProtocolError{MachineCode: code, Err: err})
		return
	}

	if !changed {
		s.suppressed.Add(1)
		w.conn.ResetFailures()
		return
	}

	ev := telemetry.ChangeEvent{Reading: reading, IsUpdate: true}
	if err := s.publisher.Publish(ctx, code, ev); err != nil {
		s.publishErrors.Add(1)
		// Forget the pair so the next reading is published again.
		s.detector.Invalidate(code)
		s.handleFailure(ctx, w, err)
		return
	}

	s.changes.Add(1)
	w.conn.ResetFailures()
	s.logDebug("change published", "machine_code", code, "data", regs)
}

// reconnectPending reports whether a poll found the connection's own
// reconnect timer in charge. Such polls are not failures: the connection
// owns retries until its budget runs out and it falls back to
// Disconnected, after which failures count toward a restart cycle again.
func (s *Scheduler) reconnectPending(w *worker, err error) bool {
	if !errors.Is(err, ErrNotConnected) {
		return false
	}
	switch w.conn.State() {
	case StateReconnectWaiting, StateConnecting:
		return true
	}
	return false
}

// handleFailure counts a failed poll and starts a restart cycle at the threshold.
func (s *Scheduler) handleFailure(ctx context.Context, w *worker, err error) {
	failures := w.conn.RecordFailure(err)

	s.logWarn("poll failed",
		"machine_code", w.dev.MachineCode,
		"error", err,
		"failures", failures,
		"max_retries", s.cfg.MaxRetries)

	if failures < s.cfg.MaxRetries {
		return
	}
	s.restartDevice(ctx, w, failures)
}

// restartDevice runs one restart cycle: disconnect, wait, connect. The
// failure counter is reset afterwards whatever the outcome, so the next
// cycle needs a fresh run of failures.
func (s *Scheduler) restartDevice(ctx context.Context, w *worker, failures int) {
	s.restarts.Add(1)
	s.logWarn("restarting device",
		"machine_code", w.dev.MachineCode,
		"failures", failures,
		"restart_delay", s.cfg.RestartDelay.String())

	w.conn.Disconnect()
	defer w.conn.ResetFailures()

	select {
	case <-ctx.Done():
		return
	case <-s.quit:
		return
	case <-time.After(s.cfg.RestartDelay):
	}

	if err := w.conn.Connect(ctx); err != nil {
		s.logWarn("restart connect failed", "machine_code", w.dev.MachineCode, "error", err)
		return
	}
	s.logInfo("device restarted", "machine_code", w.dev.MachineCode)
}

// supervise consumes reconnect-exhausted signals. Devices are re-armed by
// the next restart cycle, so a signal is only logged and counted.
func (s *Scheduler) supervise() {
	defer s.bgWG.Done()

	for {
		select {
		case <-s.quit:
			return
		case sig := <-s.signals:
			s.maxRetrySignals.Add(1)
			s.logError("device reconnect budget exhausted",
				"machine_code", sig.MachineCode,
				"error", sig.Err,
				"max_retries", s.cfg.MaxRetries)
		}
	}
}

// startLoop launches a new tick loop.
func (s *Scheduler) startLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.loopMu.Lock()
	s.loopCancel = cancel
	s.loopDone = done
	s.loopMu.Unlock()

	s.heartbeat.Store(time.Now().UnixNano())
	go s.tickLoop(ctx, done)
}

// stopLoop cancels the current tick loop and waits for it to exit.
func (s *Scheduler) stopLoop() {
	s.loopMu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// tickLoop fans a tick out to every worker on each interval.
func (s *Scheduler) tickLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logError("tick loop panicked", "panic", r)
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.fanOut(time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.fanOut(t)
		}
	}
}

// fanOut hands t to every worker without blocking.
func (s *Scheduler) fanOut(t time.Time) {
	s.heartbeat.Store(t.UnixNano())
	s.ticks.Add(1)

	for _, w := range s.workers {
		select {
		case w.tick <- t:
		default:
			s.coalesced.Add(1)
		}
	}
}

// watchdog restarts the tick loop when it has exited or stopped beating.
func (s *Scheduler) watchdog() {
	defer s.bgWG.Done()

	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.checkLoop()
		}
	}
}

// checkLoop is one watchdog check.
func (s *Scheduler) checkLoop() {
	s.loopMu.Lock()
	done := s.loopDone
	s.loopMu.Unlock()

	exited := false
	select {
	case <-done:
		exited = true
	default:
	}

	age := time.Since(time.Unix(0, s.heartbeat.Load()))
	stalled := age > s.cfg.WatchdogInterval

	if !exited && !stalled {
		return
	}

	s.loopRestarts.Add(1)
	s.logWarn("tick loop not running, restarting",
		"exited", exited,
		"last_tick_age", age.String())

	s.loopMu.Lock()
	if s.loopCancel != nil {
		s.loopCancel()
	}
	s.loopMu.Unlock()

	s.startLoop()
}

// disconnectAll disconnects every device.
func (s *Scheduler) disconnectAll() {
	for _, w := range s.workers {
		w.conn.Disconnect()
	}
}

// Detector returns the change detector used by the scheduler.
func (s *Scheduler) Detector() *telemetry.ChangeDetector {
	return s.detector
}

// Connection returns the connection for machineCode.
func (s *Scheduler) Connection(machineCode string) (*Connection, bool) {
	w, ok := s.byCode[machineCode]
	if !ok {
		return nil, false
	}
	return w.conn, true
}

// Snapshot returns every device's connection snapshot in config order.
func (s *Scheduler) Snapshot() []ConnectionSnapshot {
	out := make([]ConnectionSnapshot, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.conn.Snapshot())
	}
	return out
}

// Metrics returns current polling counters.
func (s *Scheduler) Metrics() SchedulerMetrics {
	connected := 0
	for _, w := range s.workers {
		if w.conn.IsConnected() {
			connected++
		}
	}

	m := SchedulerMetrics{
		Devices:          len(s.workers),
		DevicesConnected: connected,
		Ticks:            s.ticks.Load(),
		TicksCoalesced:   s.coalesced.Load(),
		Reads:            s.reads.Load(),
		ReadErrors:       s.readErrors.Load(),
		ReconnectSkips:   s.skipped.Load(),
		Changes:          s.changes.Load(),
		Suppressed:       s.suppressed.Load(),
		PublishErrors:    s.publishErrors.Load(),
		Restarts:         s.restarts.Load(),
		Panics:           s.panics.Load(),
		LoopRestarts:     s.loopRestarts.Load(),
		MaxRetrySignals:  s.maxRetrySignals.Load(),
	}
	if s.ticks.Load() > 0 {
		m.LastTick = time.Unix(0, s.heartbeat.Load())
	}
	return m
}

func (s *Scheduler) logInfo(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Info(msg, keysAndValues...)
	}
}

func (s *Scheduler) logWarn(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, keysAndValues...)
	}
}

func (s *Scheduler) logError(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Error(msg, keysAndValues...)
	}
}

func (s *Scheduler) logDebug(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, keysAndValues...)
	}
}
