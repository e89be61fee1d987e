package domain

import (
	"time"

	"go.uber.org/zap/zapcore"
)

type State string

const (
	Queued    State = "queued"
	Active    State = "active"
	Delayed   State = "delayed"
	Completed State = "completed"
	Dead      State = "dead"
)

// Terminal reports whether no further processing will happen for the state.
func (s State) Terminal() bool { return s == Completed || s == Dead }

func (s State) Valid() bool {
	switch s {
	case Queued, Active, Delayed, Completed, Dead:
		return true
	}
	return false
}

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// DeadReason distinguishes why a job stopped for operator reporting.
type DeadReason string

const (
	DeadValidation DeadReason = "validation"
	DeadFatal      DeadReason = "fatal"
	DeadExhausted  DeadReason = "exhausted"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 3000 * time.Millisecond
	DefaultBackoffMax  = 10 * time.Minute
)

// Sender is the per-job credential pair used to open a transport session.
type Sender struct {
	From     string
	Username string
	Password string
}

// String never includes the password.
func (s Sender) String() string {
	if s.Password == "" {
		return s.Username
	}
	return s.Username + ":***"
}

func (s Sender) GoString() string { return "domain.Sender{" + s.String() + "}" }

func (s Sender) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("from", s.From)
	enc.AddString("user", s.Username)
	return nil
}

type Job struct {
	ID              string
	Sender          Sender
	Recipients      []string
	Subject         string
	Body            string
	AttemptCount    int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	RecipientStatus map[string]RecipientStatus
	State           State
	RunAt           time.Time
	LeaseToken      string
	LeasedBy        string
	LeaseExpiresAt  *time.Time
	LastError       string
	DeadReason      DeadReason
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewJob builds a queued job with default bookkeeping. The caller still has to
// validate it before handing it to a queue.
func NewJob(sender Sender, recipients []string, subject, body string) *Job {
	j := &Job{
		Sender:      sender,
		Recipients:  DedupeRecipients(recipients),
		Subject:     subject,
		Body:        body,
		MaxAttempts: DefaultMaxAttempts,
		BackoffBase: DefaultBackoffBase,
		BackoffMax:  DefaultBackoffMax,
		State:       Queued,
	}
	j.FillRecipientStatus()
	return j
}

// FillRecipientStatus marks recipients without a recorded status as pending.
func (j *Job) FillRecipientStatus() {
	if j.RecipientStatus == nil {
		j.RecipientStatus = make(map[string]RecipientStatus, len(j.Recipients))
	}
	for _, r := range j.Recipients {
		if _, ok := j.RecipientStatus[r]; !ok {
			j.RecipientStatus[r] = RecipientPending
		}
	}
}

// Pending returns recipients not yet sent, in recipient order.
func (j *Job) Pending() []string {
	out := make([]string, 0, len(j.Recipients))
	for _, r := range j.Recipients {
		if j.RecipientStatus[r] != RecipientSent {
			out = append(out, r)
		}
	}
	return out
}

// AllSent reports whether every recipient has a recorded successful send.
func (j *Job) AllSent() bool {
	for _, r := range j.Recipients {
		if j.RecipientStatus[r] != RecipientSent {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so queue internals and workers never share maps.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Recipients = append([]string(nil), j.Recipients...)
	c.RecipientStatus = make(map[string]RecipientStatus, len(j.RecipientStatus))
	for k, v := range j.RecipientStatus {
		c.RecipientStatus[k] = v
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}

// Redacted returns a copy without the sender secret, safe to expose.
func (j *Job) Redacted() *Job {
	c := j.Clone()
	if c != nil {
		c.Sender.Password = ""
	}
	return c
}
