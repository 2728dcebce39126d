// Package ports defines the interfaces between the monitoring core and its
// infrastructure adapters (log sources, firewall tools, observers).
//
// Design Principles:
//   - Interfaces are small and focused
//   - Dependencies flow inward: domain has no knowledge of adapters
//   - Implementations live in internal/adapters/
package ports

import (
	"context"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

// LogSource produces raw log lines from a file or a subprocess.
//
// Implementations:
//   - FileTail: follows an append-only file, survives truncation and rotation
//   - StreamSource: reads stdout of a long-running log query command
type LogSource interface {
	// Start begins background production.
	//
	// Returns:
	//   - Line channel, closed when the source ends for any reason
	//   - Error channel; transient errors are plain, permanent loss wraps
	//     domain.ErrSourceLost
	Start(ctx context.Context) (<-chan string, <-chan error)

	// Stop releases the file handle or subprocess. Idempotent.
	Stop() error

	// Format is the timestamp grammar of the produced lines.
	Format() domain.SourceFormat

	// Name identifies the source in logs.
	Name() string
}

// EventExtractor turns a raw line into a normalized failure event.
//
// Contract:
//   - (nil, nil) when the line is not a failed authentication
//   - (nil, *domain.ParseWarning) when it matched but the timestamp is bad
//   - MUST be safe for concurrent calls
type EventExtractor interface {
	Extract(line string, format domain.SourceFormat) (*domain.AuthEvent, error)
}
