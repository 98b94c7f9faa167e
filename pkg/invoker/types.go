package invoker

import (
	"time"
)

// CapabilityCall is one observed capability invocation during a run.
type CapabilityCall struct {
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// Progress is delivered to the caller's progress sink while a run is active.
type Progress struct {
	Elapsed         time.Duration
	CapabilityCalls int
}

// ProgressFunc receives periodic progress updates. It is called from the
// run's timer goroutine and must not block.
type ProgressFunc func(Progress)

// Request describes one conversation turn.
type Request struct {
	// Key is the conversation key, used for logging and tracing only.
	Key string

	// SessionID is the resumption token for the underlying tool.
	SessionID string

	// FirstInvocation selects create mode over resume mode.
	FirstInvocation bool

	// Message is the inbound message text.
	Message string

	// ExtraCapabilities are permitted in addition to the baseline
	// whitelist, typically to grant a previously denied capability for
	// exactly one turn.
	ExtraCapabilities []string

	// OnProgress, when set, receives periodic progress updates.
	OnProgress ProgressFunc
}

// Result is the outcome of one conversation turn. Per-turn failures are
// reported here with IsError set rather than as Go errors, so the caller
// always has text to relay.
type Result struct {
	Text               string
	SessionID          string
	Duration           time.Duration
	IsError            bool
	Truncated          bool
	CapabilityCalls    []CapabilityCall
	DeniedCapabilities []CapabilityCall
}

// sessionMode selects how the session id is handed to the tool.
type sessionMode int

const (
	modeCreate sessionMode = iota
	modeResume
)

func (m sessionMode) String() string {
	if m == modeCreate {
		return "create"
	}
	return "resume"
}

// runOutcome tags how a single spawn attempt ended. The mode-mismatch
// tags drive the one-shot retry in Invoke.
type runOutcome int

const (
	outcomeOK runOutcome = iota
	outcomeAlreadyInUse
	outcomeNoConversation
	outcomeTimeout
	outcomeCrashed
	outcomeNoOutput
	outcomeSpawnError
)

func (o runOutcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeAlreadyInUse:
		return "already_in_use"
	case outcomeNoConversation:
		return "no_conversation"
	case outcomeTimeout:
		return "timeout"
	case outcomeCrashed:
		return "crashed"
	case outcomeNoOutput:
		return "no_output"
	case outcomeSpawnError:
		return "spawn_error"
	default:
		return "unknown"
	}
}
