package domain

import (
	"net/mail"
	"strings"

	"golang.org/x/text/cases"
)

var fold = cases.Fold()

// AddressKey is the comparison key for recipient addresses.
func AddressKey(addr string) string {
	return fold.String(strings.TrimSpace(addr))
}

// DedupeRecipients trims, drops empties and case-insensitive duplicates,
// keeping the first spelling and the original order.
func DedupeRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		k := AddressKey(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Validate checks the enqueue-time invariants of a job.
func (j *Job) Validate() error {
	if j == nil {
		return invalid("job", "missing")
	}
	if j.Sender.Username == "" || j.Sender.Password == "" {
		return invalid("credentials", "user and pass are required")
	}
	if j.Sender.From == "" {
		j.Sender.From = j.Sender.Username
	}
	if _, err := mail.ParseAddress(j.Sender.From); err != nil {
		return invalid("from", err.Error())
	}
	if len(j.Recipients) == 0 {
		return invalid("to", "at least one recipient is required")
	}
	for _, r := range j.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return invalid("to", r+": "+err.Error())
		}
	}
	if j.MaxAttempts < 1 {
		return invalid("max_attempts", "must be at least 1")
	}
	if j.BackoffBase <= 0 {
		return invalid("backoff", "base delay must be positive")
	}
	return nil
}
