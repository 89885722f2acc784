package state

// Status is the lifecycle status of a test node.
type Status string

const (
	StatusUntested Status = "UNTESTED"
	StatusActive   Status = "ACTIVE"
	StatusPassed   Status = "PASSED"
	StatusFailed   Status = "FAILED"
	StatusSkipped  Status = "SKIPPED"
)

// Terminal reports whether the status is a resting state, i.e. the test is
// not currently running.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// TestState is the persisted state of one test node, keyed by its path.
type TestState struct {
	Status         Status `json:"status"`
	Count          int    `json:"count"`
	IterationsLeft int    `json:"iterations_left"`
	RetriesLeft    int    `json:"retries_left"`
	ErrorMsg       string `json:"error_msg"`
	Invocation     string `json:"invocation"`
	ShutdownCount  int    `json:"shutdown_count"`
}

// Update is a partial update to a TestState. Nil pointer fields are left
// unchanged; the increment/decrement flags are applied after the sets.
type Update struct {
	Status         Status
	ErrorMsg       *string
	Invocation     *string
	IterationsLeft *int
	RetriesLeft    *int
	ShutdownCount  *int

	IncrementCount          bool
	IncrementShutdownCount  bool
	DecrementIterationsLeft bool
	DecrementRetriesLeft    bool
}

func (u Update) apply(ts TestState) TestState {
	if u.Status != "" {
		ts.Status = u.Status
	}
	if u.ErrorMsg != nil {
		ts.ErrorMsg = *u.ErrorMsg
	}
	if u.Invocation != nil {
		ts.Invocation = *u.Invocation
	}
	if u.IterationsLeft != nil {
		ts.IterationsLeft = *u.IterationsLeft
	}
	if u.RetriesLeft != nil {
		ts.RetriesLeft = *u.RetriesLeft
	}
	if u.ShutdownCount != nil {
		ts.ShutdownCount = *u.ShutdownCount
	}
	if u.IncrementCount {
		ts.Count++
	}
	if u.IncrementShutdownCount {
		ts.ShutdownCount++
	}
	if u.DecrementIterationsLeft {
		ts.IterationsLeft--
	}
	if u.DecrementRetriesLeft {
		ts.RetriesLeft--
	}
	return ts
}

// Str returns a pointer to s, for use in Update literals.
func Str(s string) *string { return &s }

// Int returns a pointer to v, for use in Update literals.
func Int(v int) *int { return &v }
