package ports

import (
	"context"
	"net/netip"
)

// Firewall applies an OS-level drop for a single address.
type Firewall interface {
	// Block must be idempotent: blocking an address twice leaves one rule.
	//
	// Returns:
	//   - nil on success (or in simulation mode)
	//   - *domain.FirewallActionError or domain.ErrFirewallDisabled otherwise
	Block(ctx context.Context, addr netip.Addr) error

	// BackendName reports the resolved backend for logs and the journal.
	BackendName() string

	// Simulated reports whether Block is a no-op dry run.
	Simulated() bool
}

// CommandRunner executes an external tool with a fixed argument vector.
// Only the exit status (err) and captured output matter to callers.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}
