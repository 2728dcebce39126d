package app

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/sshguard/internal/adapters/detection"
	"github.com/xoelrdgz/sshguard/internal/adapters/input"
	"github.com/xoelrdgz/sshguard/internal/domain"
	"github.com/xoelrdgz/sshguard/internal/ports"
)

type fakeSource struct {
	lines chan string
	errs  chan error
	mu    sync.Mutex
	stops int
}

func newFakeSource() *fakeSource {
	return &fakeSource{lines: make(chan string, 100), errs: make(chan error, 10)}
}

func (s *fakeSource) Start(context.Context) (<-chan string, <-chan error) {
	return s.lines, s.errs
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSource) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *fakeSource) Format() domain.SourceFormat { return domain.FormatStructured }
func (s *fakeSource) Name() string                { return "fake" }

type fakeSelector struct {
	src ports.LogSource
	err error
}

func (s fakeSelector) Select(context.Context) (ports.LogSource, error) { return s.src, s.err }

type fakeFirewall struct {
	mu      sync.Mutex
	blocked []netip.Addr
	fail    int // number of leading calls that fail
	block   chan struct{}
}

func (f *fakeFirewall) Block(ctx context.Context, addr netip.Addr) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return &domain.FirewallActionError{Backend: "fake", Addr: addr, Err: errors.New("exit status 1")}
	}
	f.blocked = append(f.blocked, addr)
	return nil
}

func (f *fakeFirewall) Blocked() []netip.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.Addr(nil), f.blocked...)
}

func (f *fakeFirewall) BackendName() string { return "fake" }
func (f *fakeFirewall) Simulated() bool     { return false }

type recordingObserver struct {
	mu     sync.Mutex
	lines  map[string]int
	blocks []error
}

func (o *recordingObserver) OnLine(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lines == nil {
		o.lines = make(map[string]int)
	}
	o.lines[result]++
}

func (o *recordingObserver) OnBlock(_ *domain.BlockDecision, _ string, _ bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blocks = append(o.blocks, err)
}

func (o *recordingObserver) snapshot() (map[string]int, []error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	lines := make(map[string]int, len(o.lines))
	for k, v := range o.lines {
		lines[k] = v
	}
	return lines, append([]error(nil), o.blocks...)
}

func testConfig() Config {
	return Config{
		Threshold:     3,
		Window:        time.Minute,
		SweepInterval: time.Hour,
		StopTimeout:   time.Second,
	}
}

type harness struct {
	mon *Monitor
	src *fakeSource
	fw  *fakeFirewall
	obs *recordingObserver
	det *detection.WindowDetector
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	det, err := detection.NewWindowDetector(detection.WindowConfig{
		Threshold: cfg.Threshold,
		Window:    cfg.Window,
		Whitelist: cfg.Whitelist,
	})
	require.NoError(t, err)

	h := &harness{src: newFakeSource(), fw: &fakeFirewall{}, obs: &recordingObserver{}, det: det}
	h.mon = NewMonitor(cfg, MonitorDeps{
		Selector:  fakeSelector{src: h.src},
		Extractor: input.NewSSHExtractor(),
		Detector:  det,
		Firewall:  h.fw,
		Observers: []ports.PipelineObserver{h.obs},
		Logger:    zerolog.Nop(),
	})
	return h
}

func failureLine(addr string) string {
	ts := time.Now().Format("2006-01-02T15:04:05.000000-07:00")
	return fmt.Sprintf("%s host sshd[4242]: Failed password for root from %s port 51122 ssh2", ts, addr)
}

func TestMonitor_BlocksAtThreshold(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.mon.Start(context.Background()))
	defer h.mon.Stop()
	assert.Equal(t, StateRunning, h.mon.State())
	assert.Equal(t, "fake", h.mon.SourceName())

	h.src.lines <- "unrelated cron line"
	for i := 0; i < 5; i++ {
		h.src.lines <- failureLine("203.0.113.50")
	}

	addr := netip.MustParseAddr("203.0.113.50")
	require.Eventually(t, func() bool {
		lines, _ := h.obs.snapshot()
		return lines[ports.LineFailure] == 5
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []netip.Addr{addr}, h.fw.Blocked())
	assert.Equal(t, domain.StateBlocked, h.det.State(addr))

	lines, blocks := h.obs.snapshot()
	assert.Equal(t, 1, lines[ports.LineIgnored])
	require.Len(t, blocks, 1)
	assert.NoError(t, blocks[0])
}

func TestMonitor_FailedBlockRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fw.fail = 1
	require.NoError(t, h.mon.Start(context.Background()))
	defer h.mon.Stop()

	for i := 0; i < 4; i++ {
		h.src.lines <- failureLine("198.51.100.60")
	}

	require.Eventually(t, func() bool {
		_, blocks := h.obs.snapshot()
		return len(blocks) == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, blocks := h.obs.snapshot()
	var actionErr *domain.FirewallActionError
	assert.True(t, errors.As(blocks[0], &actionErr))
	assert.NoError(t, blocks[1])
	assert.Len(t, h.fw.Blocked(), 1)
}

func TestMonitor_WhitelistNeverBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"10.0.0.0/8"}
	h := newHarness(t, cfg)
	require.NoError(t, h.mon.Start(context.Background()))
	defer h.mon.Stop()

	for i := 0; i < 20; i++ {
		h.src.lines <- failureLine("10.1.2.3")
	}
	require.Eventually(t, func() bool {
		lines, _ := h.obs.snapshot()
		return lines[ports.LineFailure] == 20
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, h.fw.Blocked())
}

func TestMonitor_ParseWarningContinues(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.mon.Start(context.Background()))
	defer h.mon.Stop()

	h.src.lines <- "2025-13-45T99:99:99+00:00 host sshd[1]: Failed password for root from 192.0.2.1 port 22 ssh2"
	h.src.lines <- failureLine("192.0.2.1")

	require.Eventually(t, func() bool {
		lines, _ := h.obs.snapshot()
		return lines[ports.LineParseWarning] == 1 && lines[ports.LineFailure] == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, h.mon.State())
}

func TestMonitor_TransientErrorKeepsRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.mon.Start(context.Background()))
	defer h.mon.Stop()

	h.src.errs <- errors.New("read: resource temporarily unavailable")
	h.src.lines <- failureLine("192.0.2.2")

	require.Eventually(t, func() bool {
		lines, _ := h.obs.snapshot()
		return lines[ports.LineFailure] == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, h.mon.State())
	assert.NoError(t, h.mon.Err())
}

func TestMonitor_SourceLostIsFatal(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.mon.Start(context.Background()))

	h.src.errs <- fmt.Errorf("%w: /var/log/auth.log removed", domain.ErrSourceLost)

	select {
	case <-h.mon.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not end on source loss")
	}
	assert.True(t, errors.Is(h.mon.Err(), domain.ErrSourceLost))
	assert.Equal(t, StateStopped, h.mon.State())
	assert.Equal(t, 1, h.src.Stops())

	require.NoError(t, h.mon.Stop())
	assert.Equal(t, 1, h.src.Stops(), "source released once")
}

func TestMonitor_ClosedLinesIsFatal(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.mon.Start(context.Background()))

	close(h.src.lines)

	select {
	case <-h.mon.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not end on closed line channel")
	}
	assert.True(t, errors.Is(h.mon.Err(), domain.ErrSourceLost))
}

func TestMonitor_StartValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Threshold = 0
	src := newFakeSource()
	mon := NewMonitor(cfg, MonitorDeps{Selector: fakeSelector{src: src}, Logger: zerolog.Nop()})

	err := mon.Start(context.Background())
	var cfgErr *domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "detection.threshold", cfgErr.Field)
	assert.Equal(t, StateIdle, mon.State())
}

func TestMonitor_NoSource(t *testing.T) {
	noSource := &domain.ConfigurationError{Field: "source", Reason: "nothing readable", Err: domain.ErrNoLogSource}
	mon := NewMonitor(testConfig(), MonitorDeps{Selector: fakeSelector{err: noSource}, Logger: zerolog.Nop()})

	err := mon.Start(context.Background())
	assert.True(t, errors.Is(err, domain.ErrNoLogSource))
	assert.Equal(t, StateIdle, mon.State())
}

func TestMonitor_StartTwice(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.mon.Start(context.Background()))
	defer h.mon.Stop()

	assert.ErrorIs(t, h.mon.Start(context.Background()), ErrAlreadyStarted)
}

func TestMonitor_StopIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.mon.Start(context.Background()))

	require.NoError(t, h.mon.Stop())
	require.NoError(t, h.mon.Stop())
	assert.Equal(t, StateStopped, h.mon.State())
	assert.Equal(t, 1, h.src.Stops())
	assert.NoError(t, h.mon.Err())

	select {
	case <-h.mon.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestMonitor_StopFromIdle(t *testing.T) {
	mon := NewMonitor(testConfig(), MonitorDeps{Logger: zerolog.Nop()})
	require.NoError(t, mon.Stop())
	assert.Equal(t, StateStopped, mon.State())
	<-mon.Done()
	assert.ErrorIs(t, mon.Start(context.Background()), ErrAlreadyStarted)
}

func TestMonitor_StopInterruptsBlockingFirewall(t *testing.T) {
	cfg := testConfig()
	cfg.Threshold = 1
	h := newHarness(t, cfg)
	h.fw.block = make(chan struct{})
	require.NoError(t, h.mon.Start(context.Background()))

	h.src.lines <- failureLine("192.0.2.30")
	require.Eventually(t, func() bool {
		lines, _ := h.obs.snapshot()
		return lines[ports.LineFailure] == 1
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.mon.Stop())
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, domain.StateWatching, h.det.State(netip.MustParseAddr("192.0.2.30")),
		"cancelled block must not mark the address blocked")
}

func TestMonitor_StopTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Threshold = 1
	cfg.StopTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.mon.firewall = stuckFirewall{}
	require.NoError(t, h.mon.Start(context.Background()))

	h.src.lines <- failureLine("192.0.2.31")
	require.Eventually(t, func() bool {
		lines, _ := h.obs.snapshot()
		return lines[ports.LineFailure] == 1
	}, 2*time.Second, 5*time.Millisecond)

	err := h.mon.Stop()
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Equal(t, 1, h.src.Stops(), "source released even when the join times out")
	assert.Equal(t, StateStopped, h.mon.State())
}

// stuckFirewall ignores cancellation for a while.
type stuckFirewall struct{}

func (stuckFirewall) Block(context.Context, netip.Addr) error {
	time.Sleep(300 * time.Millisecond)
	return nil
}
func (stuckFirewall) BackendName() string { return "stuck" }
func (stuckFirewall) Simulated() bool     { return false }
