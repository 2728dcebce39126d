// Package detection implements sliding-window brute-force detection for
// sshguard.
//
// Each source address owns an ordered list of failure timestamps. A failure
// is appended, entries at or before now-window are pruned, and when the
// remaining count reaches the threshold a BlockDecision is emitted.
//
// Decision Lifecycle:
//   - RecordFailure emits a decision and marks the address pending
//   - Resolve(addr, true) moves the address to the blocked set
//   - Resolve(addr, false) clears pending and keeps the history, so the next
//     qualifying failure emits a fresh decision
//
// Thread Safety: one mutex guards every map; several sources may feed a
// single detector.
package detection

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

// WindowConfig configures the sliding-window detector.
type WindowConfig struct {
	Threshold int           // Failures that trigger a block (must be > 0)
	Window    time.Duration // Retention window (must be > 0)
	Whitelist []string      // Addresses or CIDR prefixes never counted
	Now       func() time.Time
}

// DefaultWindowConfig returns 5 failures in 60 seconds.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		Threshold: 5,
		Window:    60 * time.Second,
	}
}

// WindowDetector tracks failure history per address.
type WindowDetector struct {
	threshold int
	window    time.Duration
	now       func() time.Time

	allowAddrs    map[netip.Addr]struct{}
	allowPrefixes []netip.Prefix

	mu        sync.Mutex
	histories map[netip.Addr][]time.Time
	pending   map[netip.Addr]struct{}
	blocked   map[netip.Addr]struct{}
}

// NewWindowDetector validates cfg and builds a detector.
//
// Returns:
//   - *domain.ConfigurationError for a non-positive threshold or window, or
//     for a whitelist entry that is neither an address nor a prefix
func NewWindowDetector(cfg WindowConfig) (*WindowDetector, error) {
	if cfg.Threshold <= 0 {
		return nil, &domain.ConfigurationError{
			Field: "detection.threshold", Value: cfg.Threshold, Reason: "must be positive",
		}
	}
	if cfg.Window <= 0 {
		return nil, &domain.ConfigurationError{
			Field: "detection.window_seconds", Value: cfg.Window, Reason: "must be positive",
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := &WindowDetector{
		threshold:  cfg.Threshold,
		window:     cfg.Window,
		now:        cfg.Now,
		allowAddrs: make(map[netip.Addr]struct{}),
		histories:  make(map[netip.Addr][]time.Time),
		pending:    make(map[netip.Addr]struct{}),
		blocked:    make(map[netip.Addr]struct{}),
	}

	for _, entry := range cfg.Whitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, &domain.ConfigurationError{
					Field: "detection.whitelist", Value: entry, Reason: "invalid prefix", Err: err,
				}
			}
			d.allowPrefixes = append(d.allowPrefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, &domain.ConfigurationError{
				Field: "detection.whitelist", Value: entry, Reason: "invalid address", Err: err,
			}
		}
		d.allowAddrs[addr.Unmap()] = struct{}{}
	}

	return d, nil
}

// IsWhitelisted reports whether addr matches a whitelist address or prefix.
func (d *WindowDetector) IsWhitelisted(addr netip.Addr) bool {
	addr = addr.Unmap()
	if _, ok := d.allowAddrs[addr]; ok {
		return true
	}
	for _, p := range d.allowPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// RecordFailure registers one failure at ts for addr.
//
// Behavior:
//  1. Whitelisted or blocked addresses are ignored
//  2. ts is appended to the history
//  3. Entries with timestamp <= now-window are dropped
//  4. If no decision is pending and the remaining count reaches the
//     threshold, the address becomes pending and a decision is returned
//
// Complexity: O(k), k = history length
func (d *WindowDetector) RecordFailure(addr netip.Addr, ts time.Time) (*domain.BlockDecision, bool) {
	if !addr.IsValid() {
		return nil, false
	}
	addr = addr.Unmap()
	if d.IsWhitelisted(addr) {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.blocked[addr]; ok {
		return nil, false
	}

	now := d.now()
	history := d.prune(append(d.histories[addr], ts), now)
	if len(history) == 0 {
		delete(d.histories, addr)
		return nil, false
	}
	d.histories[addr] = history

	if _, ok := d.pending[addr]; ok {
		return nil, false
	}
	if len(history) < d.threshold {
		return nil, false
	}

	d.pending[addr] = struct{}{}
	return domain.NewBlockDecision(addr, len(history), now, d.window), true
}

// prune filters history in place, keeping arrival order. An entry exactly at
// now-window is evicted.
func (d *WindowDetector) prune(history []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-d.window)
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Resolve settles the pending decision for addr.
func (d *WindowDetector) Resolve(addr netip.Addr, blocked bool) {
	addr = addr.Unmap()

	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.pending, addr)
	if blocked {
		d.blocked[addr] = struct{}{}
		delete(d.histories, addr)
	}
}

// State returns the lifecycle state of addr at the current clock.
func (d *WindowDetector) State(addr netip.Addr) domain.IPState {
	addr = addr.Unmap()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.blocked[addr]; ok {
		return domain.StateBlocked
	}
	cutoff := d.now().Add(-d.window)
	for _, ts := range d.histories[addr] {
		if ts.After(cutoff) {
			return domain.StateWatching
		}
	}
	return domain.StateClean
}

// HistoryLen returns the number of stored, not yet pruned, failures.
func (d *WindowDetector) HistoryLen(addr netip.Addr) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.histories[addr.Unmap()])
}

// Sweep prunes every history and removes the empty ones. Pending addresses
// keep their entry until resolved.
//
// Returns:
//   - Number of addresses removed
func (d *WindowDetector) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for addr, history := range d.histories {
		history = d.prune(history, now)
		if len(history) == 0 {
			if _, ok := d.pending[addr]; ok {
				d.histories[addr] = history
				continue
			}
			delete(d.histories, addr)
			removed++
			continue
		}
		d.histories[addr] = history
	}
	return removed
}

// Tracked returns the number of addresses with a stored history.
func (d *WindowDetector) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.histories)
}

// BlockedCount returns the size of the blocked set.
func (d *WindowDetector) BlockedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blocked)
}

// Threshold returns the configured failure threshold.
func (d *WindowDetector) Threshold() int { return d.threshold }

// Window returns the configured retention window.
func (d *WindowDetector) Window() time.Duration { return d.window }

func (d *WindowDetector) String() string {
	return fmt.Sprintf("window(threshold=%d, window=%s)", d.threshold, d.window)
}
