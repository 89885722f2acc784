package bus

import (
	"time"

	"github.com/stationd/stationd/internal/state"
)

// Type identifies an event on the bus.
type Type string

const (
	// TypeStateChange is published on every test state update.
	TypeStateChange Type = "STATE_CHANGE"
	// TypePendingShutdown announces that a pending shutdown was scheduled
	// or cancelled.
	TypePendingShutdown Type = "PENDING_SHUTDOWN"

	// Inbound control requests.
	TypeRestartTests       Type = "RESTART_TESTS"
	TypeAutoRun            Type = "AUTO_RUN"
	TypeRunTestsWithStatus Type = "RUN_TESTS_WITH_STATUS"
	TypeStop               Type = "STOP"
	TypeClearState         Type = "CLEAR_STATE"
)

// Event is the unit of traffic on the bus. Fields are populated per type;
// Path names the test (or subtree root) the event refers to.
type Event struct {
	Type     Type              `json:"type"`
	Path     string            `json:"path,omitempty"`
	State    *state.TestState  `json:"state,omitempty"`
	Statuses []state.Status    `json:"statuses,omitempty"`
	Fail     bool              `json:"fail,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Time     time.Time         `json:"time,omitempty"`
}
