package domain

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrNoLogSource      = errors.New("no usable log source")
	ErrSourceLost       = errors.New("log source lost")
	ErrFirewallDisabled = errors.New("no supported firewall backend available")
)

// ConfigurationError is fatal: the monitor refuses to start.
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error: %s = %v - %s", e.Field, e.Value, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ParseWarning reports a matching line whose timestamp could not be parsed.
type ParseWarning struct {
	Raw       string
	Timestamp string
	Err       error
}

func (w *ParseWarning) Error() string {
	return fmt.Sprintf("unparseable timestamp %q: %v", w.Timestamp, w.Err)
}

func (w *ParseWarning) Unwrap() error {
	return w.Err
}

// FirewallActionError is returned by a failed block; the address stays unblocked.
type FirewallActionError struct {
	Backend string
	Addr    netip.Addr
	Output  string
	Err     error
}

func (e *FirewallActionError) Error() string {
	msg := fmt.Sprintf("%s: block %s failed: %v", e.Backend, e.Addr, e.Err)
	if e.Output != "" {
		msg += " (" + e.Output + ")"
	}
	return msg
}

func (e *FirewallActionError) Unwrap() error {
	return e.Err
}
