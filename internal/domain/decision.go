package domain

import (
	"encoding/json"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// BlockDecision is emitted once when an address crosses the failure threshold.
type BlockDecision struct {
	ID        string        `json:"id"`
	Addr      netip.Addr    `json:"addr"`
	Count     int           `json:"count"`
	Timestamp time.Time     `json:"timestamp"`
	Window    time.Duration `json:"window_ns"`
}

func NewBlockDecision(addr netip.Addr, count int, ts time.Time, window time.Duration) *BlockDecision {
	return &BlockDecision{
		ID:        uuid.NewString(),
		Addr:      addr,
		Count:     count,
		Timestamp: ts,
		Window:    window,
	}
}

func (d *BlockDecision) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}

func (d *BlockDecision) AddrString() string {
	if !d.Addr.IsValid() {
		return "unknown"
	}
	return d.Addr.String()
}

// BlockRecord is a journal entry for a block that was actually applied.
type BlockRecord struct {
	Decision  BlockDecision `json:"decision"`
	Backend   string        `json:"backend"`
	Simulated bool          `json:"simulated"`
	AppliedAt time.Time     `json:"applied_at"`
}
