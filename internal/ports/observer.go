package ports

import "github.com/xoelrdgz/sshguard/internal/domain"

// Line classifications reported to observers.
const (
	LineIgnored      = "ignored"
	LineFailure      = "failure"
	LineParseWarning = "parse_warning"
)

// PipelineObserver is notified synchronously by the monitor pipeline.
// Implementations should return quickly.
type PipelineObserver interface {
	// OnLine records how one raw line was classified.
	OnLine(result string)

	// OnBlock is called after every block attempt; err is nil on success.
	OnBlock(decision *domain.BlockDecision, backend string, simulated bool, err error)
}
