// Package firewall translates block decisions into OS-level drop rules.
package firewall

import (
	"context"
	"strings"
)

// Backend is the firewall tool resolved once per process.
type Backend int

const (
	BackendDisabled Backend = iota
	BackendRuleFrontend
	BackendPacketFilter
)

func (b Backend) String() string {
	switch b {
	case BackendRuleFrontend:
		return "ufw"
	case BackendPacketFilter:
		return "iptables"
	default:
		return "disabled"
	}
}

// probe picks the first usable backend: an active ufw, then iptables.
// The result is kept for the process lifetime, so it ignores cancellation
// of ctx and bounds each command by CommandTimeout instead.
func (g *Gateway) probe(ctx context.Context) Backend {
	ctx = context.WithoutCancel(ctx)

	out, err := g.probeRun(ctx, "ufw", "status")
	if err == nil && strings.Contains(string(out), "Status: active") {
		return BackendRuleFrontend
	}
	g.logger.Debug().Err(err).Msg("ufw not active")

	if _, err := g.probeRun(ctx, "iptables", "--version"); err == nil {
		return BackendPacketFilter
	} else {
		g.logger.Debug().Err(err).Msg("iptables unavailable")
	}

	return BackendDisabled
}

func (g *Gateway) probeRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
	defer cancel()
	return g.runner.Run(ctx, name, args...)
}
