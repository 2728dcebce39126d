package domain

import (
	"net/netip"
	"time"
)

// MaxLineLength caps a single log line; longer lines are truncated by the sources.
const MaxLineLength = 8192

type FailureKind string

const (
	FailureKindPassword    FailureKind = "FAILED_PASSWORD"
	FailureKindInvalidUser FailureKind = "INVALID_USER"
)

// SourceFormat tags a line with the timestamp grammar it was written in.
type SourceFormat string

const (
	// FormatSyslog is the classic auth.log layout ("Mar 15 21:34:56"), no year.
	FormatSyslog SourceFormat = "syslog"
	// FormatStructured carries the year ("2024-03-15T21:34:56+0000").
	FormatStructured SourceFormat = "structured"
)

// AuthEvent is one failed authentication observed on the stream.
type AuthEvent struct {
	Addr      netip.Addr  `json:"addr"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      FailureKind `json:"kind"`
	Raw       string      `json:"raw,omitempty"`
}

type IPState int

const (
	StateClean IPState = iota
	StateWatching
	StateBlocked
)

func (s IPState) String() string {
	switch s {
	case StateWatching:
		return "WATCHING"
	case StateBlocked:
		return "BLOCKED"
	default:
		return "CLEAN"
	}
}
