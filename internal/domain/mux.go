package domain

import (
	"context"
	"time"
)

// StatePrefix is the literal prefix carried by state names in external
// encodings (file names, config keys). It is stripped to form the logical name.
const StatePrefix = "state-"

// Fragment is an opaque configuration payload owned by a single state.
// Engines accept only the fragment kinds they understand.
type Fragment interface {
	// Kind names the payload format (e.g. "dtbo", "pins").
	Kind() string
	// Release frees resources held by the fragment. Called once at teardown.
	Release() error
}

// SessionToken identifies one specific application of a fragment. Two
// activations of the same fragment yield different tokens.
type SessionToken string

// OverlayEngine applies and reverts configuration fragments. Implementations
// are called with the multiplexer lock held and must not call back into the
// multiplexer.
type OverlayEngine interface {
	// Activate applies frag and returns a token for this application.
	Activate(ctx context.Context, frag Fragment) (SessionToken, error)
	// Deactivate reverts the application identified by session.
	Deactivate(ctx context.Context, session SessionToken) error
}

// SwitchOutcome classifies a recorded switch attempt.
type SwitchOutcome string

const (
	OutcomeSwitched  SwitchOutcome = "switched"
	OutcomeUnchanged SwitchOutcome = "unchanged"
	OutcomeFailed    SwitchOutcome = "failed"
)

// SwitchRecord is one entry of the switch journal.
type SwitchRecord struct {
	ID        string        `json:"id"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to"`
	Active    string        `json:"active,omitempty"`
	Outcome   SwitchOutcome `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// SwitchJournal records switch attempts for auditing. It is never used to
// restore state.
type SwitchJournal interface {
	Append(ctx context.Context, rec SwitchRecord) error
	Recent(ctx context.Context, limit int) ([]SwitchRecord, error)
	Close() error
}
