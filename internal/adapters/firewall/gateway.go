package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/xoelrdgz/sshguard/internal/domain"
	"github.com/xoelrdgz/sshguard/internal/ports"
)

const (
	DefaultCommandTimeout = 5 * time.Second
	DefaultRatePerSecond  = 10.0
)

type GatewayConfig struct {
	Simulate       bool
	CommandTimeout time.Duration
	RatePerSecond  float64
}

// Gateway owns the resolved backend and issues block commands through a
// ports.CommandRunner.
//
// The backend probe runs lazily on the first real Block and is memoized; a
// simulated gateway never touches the runner.
type Gateway struct {
	cfg     GatewayConfig
	runner  ports.CommandRunner
	logger  zerolog.Logger
	limiter *rate.Limiter

	probeOnce sync.Once
	resolved  atomic.Bool
	backend   Backend
}

func NewGateway(cfg GatewayConfig, runner ports.CommandRunner, logger zerolog.Logger) *Gateway {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Gateway{
		cfg:     cfg,
		runner:  runner,
		logger:  logger.With().Str("component", "firewall").Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
	}
}

// Backend resolves (once) and returns the active backend.
func (g *Gateway) Backend(ctx context.Context) Backend {
	g.probeOnce.Do(func() {
		g.backend = g.probe(ctx)
		g.resolved.Store(true)
		g.logger.Info().Str("backend", g.backend.String()).Msg("Firewall backend selected")
	})
	return g.backend
}

// BackendName does not trigger the probe; it reports "unresolved" until the
// first real Block.
func (g *Gateway) BackendName() string {
	if g.cfg.Simulate {
		return "simulation"
	}
	if !g.resolved.Load() {
		return "unresolved"
	}
	return g.backend.String()
}

func (g *Gateway) Simulated() bool {
	return g.cfg.Simulate
}

// Block adds a drop rule for addr.
//
// Returns:
//   - nil in simulation mode, with no command run
//   - domain.ErrFirewallDisabled when no backend is available
//   - *domain.FirewallActionError when a command fails or times out
func (g *Gateway) Block(ctx context.Context, addr netip.Addr) error {
	addr = addr.Unmap()
	if g.cfg.Simulate {
		g.logger.Info().Str("ip", addr.String()).Msg("Simulation: would block address")
		return nil
	}

	backend := g.Backend(ctx)
	switch backend {
	case BackendRuleFrontend:
		return g.run(ctx, backend, addr, "ufw", "deny", "from", addr.String(), "to", "any")
	case BackendPacketFilter:
		return g.blockPacketFilter(ctx, addr)
	default:
		return domain.ErrFirewallDisabled
	}
}

// blockPacketFilter checks for an existing rule before appending one.
func (g *Gateway) blockPacketFilter(ctx context.Context, addr netip.Addr) error {
	tool := "iptables"
	if addr.Is6() {
		tool = "ip6tables"
	}
	rule := []string{"INPUT", "-s", addr.String(), "-j", "DROP"}

	if err := g.run(ctx, BackendPacketFilter, addr, tool, append([]string{"-C"}, rule...)...); err == nil {
		g.logger.Debug().Str("ip", addr.String()).Msg("Rule already present")
		return nil
	}
	return g.run(ctx, BackendPacketFilter, addr, tool, append([]string{"-A"}, rule...)...)
}

func (g *Gateway) run(ctx context.Context, backend Backend, addr netip.Addr, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return &domain.FirewallActionError{Backend: backend.String(), Addr: addr, Err: fmt.Errorf("rate limit: %w", err)}
	}

	out, err := g.runner.Run(ctx, name, args...)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%s timed out after %s: %w", name, g.cfg.CommandTimeout, ctx.Err())
		}
		return &domain.FirewallActionError{
			Backend: backend.String(),
			Addr:    addr,
			Output:  strings.TrimSpace(string(out)),
			Err:     err,
		}
	}
	return nil
}
