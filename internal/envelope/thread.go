package envelope

import (
	"strconv"
	"time"
)

// Thread is one addressable conversation (spec §3). Thread 1 is the
// distinguished "master" thread.
type Thread struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	WorkingDir  string    `json:"workingDir"`
	Model       Tier      `json:"model"`
	SessionID   string    `json:"sessionId,omitempty"`
	LastActive  time.Time `json:"lastActive"`
	IsMaster    bool      `json:"isMaster,omitempty"`
}

// MasterThreadID is the always-present master thread.
const MasterThreadID = 1

// DefaultThreadName returns the generic placeholder name assigned to a
// thread created on first contact (spec §4.8.1 step 4: "backfill name
// when the stored name is still the generic Thread <id>").
func DefaultThreadName(id int) string {
	return "Thread " + strconv.Itoa(id)
}

// Settings is process-wide configuration (spec §3).
type Settings struct {
	Timezone              string `json:"timezone"`
	ChatBotToken          string `json:"chatBotToken,omitempty"`
	HeartbeatIntervalSec  int    `json:"heartbeatIntervalSec"`
	MaxConcurrentSessions int    `json:"maxConcurrentSessions"`
	IdleTimeoutSec        int    `json:"idleTimeoutSec"`
}

// DefaultSettings returns the documented defaults used when settings.json
// is absent or corrupt (spec §4.1 / §3 "missing file yields documented
// defaults").
func DefaultSettings() Settings {
	return Settings{
		Timezone:              "UTC",
		HeartbeatIntervalSec:  900,
		MaxConcurrentSessions: 3,
		IdleTimeoutSec:        1800,
	}
}

// Normalize enforces settings invariants (spec §3: maxConcurrentSessions ≥ 1).
func (s *Settings) Normalize() {
	if s.MaxConcurrentSessions < 1 {
		s.MaxConcurrentSessions = 1
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
}
