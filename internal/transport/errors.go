package transport

import (
	"context"
	"io"
	"net"
	"net/textproto"

	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
)

// Kind categorises a transport failure for the retry decision.
type Kind int

const (
	Unknown Kind = iota
	AuthFailure
	RecipientRejected
	TransientNetworkFailure
)

func (k Kind) String() string {
	switch k {
	case AuthFailure:
		return "auth_failure"
	case RecipientRejected:
		return "recipient_rejected"
	case TransientNetworkFailure:
		return "transient_network_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same call may succeed later.
func (k Kind) Retryable() bool {
	return k == TransientNetworkFailure || k == Unknown
}

// Error is the only error type returned by a Dialer or Session.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err; errors that are not *Error are Unknown.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Unknown
}

// session phases
const (
	phaseDial = "dial"
	phaseSend = "send"
)

// classify maps an SMTP client error onto a Kind. A permanent (5xx) reply
// means bad credentials during dial and a rejected recipient during send.
func classify(phase string, err error) Kind {
	if err == nil {
		return Unknown
	}
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		switch {
		case sendErr.IsTemp():
			return TransientNetworkFailure
		case sendErr.Reason == mail.ErrSMTPRcptTo:
			return RecipientRejected
		case sendErr.Reason == mail.ErrSMTPMailFrom:
			return AuthFailure
		case sendErr.Reason == mail.ErrConnCheck:
			return TransientNetworkFailure
		}
		return Unknown
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		case tpErr.Code >= 400 && tpErr.Code < 500:
			return TransientNetworkFailure
		case tpErr.Code >= 500 && phase == phaseDial:
			return AuthFailure
		case tpErr.Code >= 500:
			return RecipientRejected
		}
		return Unknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientNetworkFailure
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return TransientNetworkFailure
	}
	return Unknown
}

func wrap(phase string, err error) error {
	return &Error{Kind: classify(phase, err), Op: phase, Err: err}
}
