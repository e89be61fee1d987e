package dispatch

import (
	"time"

	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/transport"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeDead      Outcome = "dead"
	// OutcomeLeaseLost means another worker reclaimed the job mid-pass.
	OutcomeLeaseLost Outcome = "lease_lost"
	OutcomeAckFailed Outcome = "ack_failed"
)

// Result describes what one worker did with one leased job.
type Result struct {
	JobID   string
	Worker  string
	Attempt int
	Outcome Outcome
	// State is the job state the queue recorded; empty when the ack failed.
	State  domain.State
	Sent   []string
	Failed map[string]transport.Kind
	Delay  time.Duration
	Err    error
}
