package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xoelrdgz/sshguard/internal/domain"
	"github.com/xoelrdgz/sshguard/internal/ports"
	"github.com/xoelrdgz/sshguard/pkg/sanitize"
)

const (
	DefaultStopTimeout   = 2 * time.Second
	DefaultSweepInterval = time.Minute

	rawLogLength = 256
)

var (
	ErrAlreadyStarted = errors.New("monitor already started")
	ErrStopTimeout    = errors.New("pipeline did not stop in time")
)

// State is the monitor lifecycle: Idle -> Running -> Stopping -> Stopped.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SourceSelector chooses the log source once per Start.
type SourceSelector interface {
	Select(ctx context.Context) (ports.LogSource, error)
}

type MonitorDeps struct {
	Selector  SourceSelector
	Extractor ports.EventExtractor
	Detector  ports.FailureDetector
	Firewall  ports.Firewall
	Observers []ports.PipelineObserver
	Logger    zerolog.Logger
}

// Monitor runs one pipeline goroutine:
// source -> extractor -> detector -> firewall -> detector.Resolve.
type Monitor struct {
	cfg       Config
	selector  SourceSelector
	extractor ports.EventExtractor
	detector  ports.FailureDetector
	firewall  ports.Firewall
	observers []ports.PipelineObserver

	logger     zerolog.Logger
	warnLogger zerolog.Logger

	mu     sync.Mutex
	state  State
	source ports.LogSource
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewMonitor(cfg Config, deps MonitorDeps) *Monitor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	logger := deps.Logger.With().Str("component", "monitor").Logger()
	return &Monitor{
		cfg:       cfg,
		selector:  deps.Selector,
		extractor: deps.Extractor,
		detector:  deps.Detector,
		firewall:  deps.Firewall,
		observers: deps.Observers,
		logger:    logger,
		warnLogger: logger.Sample(&zerolog.BurstSampler{
			Burst:  5,
			Period: time.Minute,
		}),
		done: make(chan struct{}),
	}
}

// Start validates the configuration, selects and starts a source, and
// launches the pipeline. Only valid from Idle.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return ErrAlreadyStarted
	}
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	src, err := m.selector.Select(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Source unavailable")
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	lines, errs := src.Start(runCtx)

	m.source = src
	m.cancel = cancel
	m.state = StateRunning

	m.logger.Info().
		Str("source", src.Name()).
		Str("format", string(src.Format())).
		Msg("Monitor started")

	go m.run(runCtx, src, lines, errs)
	return nil
}

func (m *Monitor) run(ctx context.Context, src ports.LogSource, lines <-chan string, errs <-chan error) {
	defer close(m.done)

	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := m.detector.Sweep(); n > 0 {
				m.logger.Debug().Int("removed", n).Msg("Swept expired histories")
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if errors.Is(err, domain.ErrSourceLost) {
				m.fail(src, err)
				return
			}
			m.logger.Warn().Err(err).Str("source", src.Name()).Msg("Transient source error")
		case line, ok := <-lines:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				m.fail(src, m.lossReason(errs))
				return
			}
			m.handleLine(ctx, src.Format(), line)
		}
	}
}

// lossReason prefers an ErrSourceLost already queued by the source over a
// generic closed-channel error.
func (m *Monitor) lossReason(errs <-chan error) error {
	for errs != nil {
		select {
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if errors.Is(err, domain.ErrSourceLost) {
				return err
			}
		default:
			errs = nil
		}
	}
	return fmt.Errorf("%w: line stream closed", domain.ErrSourceLost)
}

func (m *Monitor) fail(src ports.LogSource, err error) {
	m.logger.Error().Err(err).Str("source", src.Name()).Msg("Source lost")

	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.err = err
	m.state = StateStopping
	m.mu.Unlock()

	if serr := src.Stop(); serr != nil {
		m.logger.Warn().Err(serr).Msg("Error releasing source")
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
}

func (m *Monitor) handleLine(ctx context.Context, format domain.SourceFormat, line string) {
	ev, err := m.extractor.Extract(line, format)
	if err != nil {
		m.warnLogger.Warn().
			Err(err).
			Str("raw", sanitize.ForLog(line, rawLogLength)).
			Msg("Parse warning")
		m.notifyLine(ports.LineParseWarning)
		return
	}
	if ev == nil {
		m.notifyLine(ports.LineIgnored)
		return
	}
	m.notifyLine(ports.LineFailure)

	m.logger.Debug().
		Str("ip", ev.Addr.String()).
		Str("kind", string(ev.Kind)).
		Time("ts", ev.Timestamp).
		Msg("Failure recorded")

	decision, ok := m.detector.RecordFailure(ev.Addr, ev.Timestamp)
	if !ok {
		return
	}

	m.logger.Warn().
		Str("ip", decision.AddrString()).
		Int("failures", decision.Count).
		Dur("window", decision.Window).
		Str("decision_id", decision.ID).
		Msg("Threshold exceeded")

	err = m.firewall.Block(ctx, decision.Addr)
	m.detector.Resolve(decision.Addr, err == nil)

	backend := m.firewall.BackendName()
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("ip", decision.AddrString()).
			Str("backend", backend).
			Msg("Block failed")
	} else {
		m.logger.Info().
			Str("ip", decision.AddrString()).
			Str("backend", backend).
			Bool("simulated", m.firewall.Simulated()).
			Msg("Block succeeded")
	}

	for _, obs := range m.observers {
		obs.OnBlock(decision, backend, m.firewall.Simulated(), err)
	}
}

func (m *Monitor) notifyLine(result string) {
	for _, obs := range m.observers {
		obs.OnLine(result)
	}
}

// Stop is safe in any state and idempotent. It cancels the pipeline, waits
// up to StopTimeout for it, then releases the source whatever the outcome.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.state = StateStopped
		close(m.done)
		m.mu.Unlock()
		return nil
	case StateStopping, StateStopped:
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	cancel, src, done := m.cancel, m.source, m.done
	m.mu.Unlock()

	m.logger.Info().Msg("Stopping monitor")
	cancel()

	var err error
	select {
	case <-done:
	case <-time.After(m.cfg.StopTimeout):
		err = ErrStopTimeout
		m.logger.Warn().Dur("timeout", m.cfg.StopTimeout).Msg("Pipeline did not stop in time")
	}

	if serr := src.Stop(); serr != nil {
		m.logger.Error().Err(serr).Msg("Error stopping source")
		if err == nil {
			err = serr
		}
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	m.logger.Info().Msg("Monitor stopped")
	return err
}

// Done is closed when the pipeline has ended, for whatever reason.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Err reports the fatal error that ended the pipeline, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) StateName() string {
	return m.State().String()
}

// SourceName is empty until Start has selected a source.
func (m *Monitor) SourceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.source == nil {
		return ""
	}
	return m.source.Name()
}
