package ports

import (
	"net/netip"
	"time"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

// FailureDetector owns per-address failure history and decides escalation.
//
// Thread Safety: implementations guard all state behind one lock so several
// sources may feed a single detector.
type FailureDetector interface {
	// RecordFailure registers one failure and returns a decision when the
	// address has just crossed the threshold.
	RecordFailure(addr netip.Addr, ts time.Time) (*domain.BlockDecision, bool)

	// Resolve settles an emitted decision. blocked=false keeps the history
	// so the next qualifying failure retries.
	Resolve(addr netip.Addr, blocked bool)

	// Sweep drops histories whose entries have all expired.
	Sweep() int
}
