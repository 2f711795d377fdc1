// Package history persists validated test results to a capped,
// most-recent-first list over a simple key-value store.
package history

import (
	"time"

	"github.com/google/uuid"
)

// Realistic floors applied before any result is persisted or returned.
const (
	MinPingMs         = 1.0
	MinThroughputMbps = 0.1
)

// User-facing defaults replacing empty or sentinel "unknown" fields.
const (
	DefaultLocation = "Local network"
	DefaultProvider = "Local ISP"
	DefaultIP       = "0.0.0.0"
)

// TestResult is one completed run. Serialized form matches the persisted
// history format.
type TestResult struct {
	ID           string    `json:"id"`
	PingMs       float64   `json:"ping"`
	DownloadMbps float64   `json:"download"`
	UploadMbps   float64   `json:"upload"`
	Location     string    `json:"location"`
	Provider     string    `json:"provider"`
	IP           string    `json:"ip"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewID returns a unique, time-ordered result identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// repair coerces a result into its invariant-satisfying form. Returns true
// when anything changed.
func repair(r *TestResult) bool {
	changed := false
	if r.ID == "" {
		r.ID = NewID()
		changed = true
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
		changed = true
	}
	if r.PingMs < MinPingMs {
		r.PingMs = MinPingMs
		changed = true
	}
	if r.DownloadMbps < MinThroughputMbps {
		r.DownloadMbps = MinThroughputMbps
		changed = true
	}
	if r.UploadMbps < MinThroughputMbps {
		r.UploadMbps = MinThroughputMbps
		changed = true
	}
	if fixed, ok := repairString(r.Location, DefaultLocation); ok {
		r.Location = fixed
		changed = true
	}
	if fixed, ok := repairString(r.Provider, DefaultProvider); ok {
		r.Provider = fixed
		changed = true
	}
	if fixed, ok := repairString(r.IP, DefaultIP); ok {
		r.IP = fixed
		changed = true
	}
	return changed
}

func repairString(v, fallback string) (string, bool) {
	switch v {
	case "", "unknown", "Unknown", "UNKNOWN":
		return fallback, true
	}
	return v, false
}
