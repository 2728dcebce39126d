package firewall

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

type response struct {
	out []byte
	err error
}

// recordingRunner records every invocation and answers from a table keyed
// by the joined argument vector. Unknown commands fail.
type recordingRunner struct {
	mu        sync.Mutex
	calls     []string
	responses map[string][]response
	delay     time.Duration
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{responses: make(map[string][]response)}
}

func (r *recordingRunner) on(cmd string, out string, err error) *recordingRunner {
	r.responses[cmd] = append(r.responses[cmd], response{out: []byte(out), err: err})
	return r
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	key := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	r.calls = append(r.calls, key)
	queue := r.responses[key]
	var resp response
	switch {
	case len(queue) == 0:
		resp = response{err: errors.New("exec: " + name + ": not found")}
	case len(queue) == 1:
		resp = queue[0]
	default:
		resp = queue[0]
		r.responses[key] = queue[1:]
	}
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp.out, resp.err
}

func (r *recordingRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingRunner) count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

var errExit1 = errors.New("exit status 1")

func TestGateway_SimulationMakesNoCalls(t *testing.T) {
	runner := newRecordingRunner()
	gw := NewGateway(GatewayConfig{Simulate: true}, runner, zerolog.Nop())

	for _, a := range []string{"192.0.2.1", "2001:db8::1", "192.0.2.1"} {
		assert.NoError(t, gw.Block(context.Background(), netip.MustParseAddr(a)))
	}
	assert.Empty(t, runner.Calls())
	assert.True(t, gw.Simulated())
	assert.Equal(t, "simulation", gw.BackendName())
}

func TestGateway_PacketFilterIdempotent(t *testing.T) {
	runner := newRecordingRunner().
		on("ufw status", "", errExit1).
		on("iptables --version", "iptables v1.8.9 (nf_tables)", nil).
		on("iptables -C INPUT -s 203.0.113.9 -j DROP", "iptables: Bad rule", errExit1).
		on("iptables -C INPUT -s 203.0.113.9 -j DROP", "", nil).
		on("iptables -A INPUT -s 203.0.113.9 -j DROP", "", nil)
	gw := NewGateway(GatewayConfig{}, runner, zerolog.Nop())
	addr := netip.MustParseAddr("203.0.113.9")

	require.NoError(t, gw.Block(context.Background(), addr))
	require.NoError(t, gw.Block(context.Background(), addr))

	assert.Equal(t, 1, runner.count("iptables -A"))
	assert.Equal(t, 2, runner.count("iptables -C"))
	assert.Equal(t, "iptables", gw.BackendName())
}

func TestGateway_ProbeMemoized(t *testing.T) {
	runner := newRecordingRunner().
		on("ufw status", "Status: active\n\nTo Action From", nil).
		on("ufw deny from 198.51.100.4 to any", "Rule added", nil).
		on("ufw deny from 198.51.100.5 to any", "Rule added", nil)
	gw := NewGateway(GatewayConfig{}, runner, zerolog.Nop())
	assert.Equal(t, "unresolved", gw.BackendName())

	require.NoError(t, gw.Block(context.Background(), netip.MustParseAddr("198.51.100.4")))
	require.NoError(t, gw.Block(context.Background(), netip.MustParseAddr("198.51.100.5")))

	assert.Equal(t, 1, runner.count("ufw status"))
	assert.Equal(t, 0, runner.count("iptables"))
	assert.Equal(t, "ufw", gw.BackendName())
	assert.Equal(t, BackendRuleFrontend, gw.Backend(context.Background()))
}

func TestGateway_InactiveUfwFallsBack(t *testing.T) {
	runner := newRecordingRunner().
		on("ufw status", "Status: inactive", nil).
		on("iptables --version", "iptables v1.8.9", nil)
	gw := NewGateway(GatewayConfig{}, runner, zerolog.Nop())

	assert.Equal(t, BackendPacketFilter, gw.Backend(context.Background()))
}

func TestGateway_ProbeIgnoresCallerCancel(t *testing.T) {
	runner := newRecordingRunner().
		on("ufw status", "Status: active", nil)
	runner.delay = 10 * time.Millisecond
	gw := NewGateway(GatewayConfig{}, runner, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, BackendRuleFrontend, gw.Backend(ctx))
	assert.Equal(t, "ufw", gw.BackendName())
}

func TestGateway_ProbeTimeoutPerCommand(t *testing.T) {
	// Each probe command gets the full timeout; a shared budget would leave
	// nothing for iptables after a slow ufw.
	runner := newRecordingRunner().
		on("ufw status", "", errExit1).
		on("iptables --version", "iptables v1.8.9", nil)
	runner.delay = 60 * time.Millisecond
	gw := NewGateway(GatewayConfig{CommandTimeout: 100 * time.Millisecond}, runner, zerolog.Nop())

	assert.Equal(t, BackendPacketFilter, gw.Backend(context.Background()))
}

func TestGateway_IPv6UsesIp6tables(t *testing.T) {
	runner := newRecordingRunner().
		on("iptables --version", "iptables v1.8.9", nil).
		on("ip6tables -A INPUT -s 2001:db8::7 -j DROP", "", nil)
	gw := NewGateway(GatewayConfig{}, runner, zerolog.Nop())

	require.NoError(t, gw.Block(context.Background(), netip.MustParseAddr("2001:db8::7")))
	assert.Equal(t, 1, runner.count("ip6tables -C"))
	assert.Equal(t, 1, runner.count("ip6tables -A"))
	assert.Equal(t, 0, runner.count("iptables -A"))
}

func TestGateway_Disabled(t *testing.T) {
	runner := newRecordingRunner()
	gw := NewGateway(GatewayConfig{}, runner, zerolog.Nop())

	err := gw.Block(context.Background(), netip.MustParseAddr("192.0.2.8"))
	assert.True(t, errors.Is(err, domain.ErrFirewallDisabled))
	assert.Equal(t, "disabled", gw.BackendName())

	err = gw.Block(context.Background(), netip.MustParseAddr("192.0.2.9"))
	assert.True(t, errors.Is(err, domain.ErrFirewallDisabled))
	assert.Equal(t, 1, runner.count("ufw status"), "probe runs once even when disabled")
}

func TestGateway_ActionError(t *testing.T) {
	runner := newRecordingRunner().
		on("ufw status", "Status: active", nil).
		on("ufw deny from 192.0.2.10 to any", "ERROR: You need to be root to run this script\n", errExit1)
	gw := NewGateway(GatewayConfig{}, runner, zerolog.Nop())
	addr := netip.MustParseAddr("192.0.2.10")

	err := gw.Block(context.Background(), addr)
	var actionErr *domain.FirewallActionError
	require.True(t, errors.As(err, &actionErr))
	assert.Equal(t, "ufw", actionErr.Backend)
	assert.Equal(t, addr, actionErr.Addr)
	assert.Equal(t, "ERROR: You need to be root to run this script", actionErr.Output)
	assert.True(t, errors.Is(err, errExit1))
}

func TestGateway_Timeout(t *testing.T) {
	runner := newRecordingRunner().
		on("ufw status", "Status: active", nil).
		on("ufw deny from 192.0.2.11 to any", "", nil)
	gw := NewGateway(GatewayConfig{CommandTimeout: 50 * time.Millisecond}, runner, zerolog.Nop())
	gw.Backend(context.Background())
	runner.delay = time.Second

	start := time.Now()
	err := gw.Block(context.Background(), netip.MustParseAddr("192.0.2.11"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var actionErr *domain.FirewallActionError
	require.True(t, errors.As(err, &actionErr))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGateway_MappedAddressIsUnmapped(t *testing.T) {
	runner := newRecordingRunner().
		on("iptables --version", "iptables v1.8.9", nil).
		on("iptables -A INPUT -s 192.0.2.12 -j DROP", "", nil)
	gw := NewGateway(GatewayConfig{}, runner, zerolog.Nop())

	require.NoError(t, gw.Block(context.Background(), netip.MustParseAddr("::ffff:192.0.2.12")))
	assert.Equal(t, 1, runner.count("iptables -A INPUT -s 192.0.2.12"))
}

func TestBackend_String(t *testing.T) {
	assert.Equal(t, "ufw", BackendRuleFrontend.String())
	assert.Equal(t, "iptables", BackendPacketFilter.String())
	assert.Equal(t, "disabled", BackendDisabled.String())
}
