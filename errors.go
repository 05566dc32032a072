package ratchet

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the session engine. Test against these with
// errors.Is; the concrete types below carry additional context reachable
// with errors.As.
var (
	// ErrSession covers generic session-layer failures: no record, no open
	// session, missing chain, closed chain, a message counter too far ahead
	// of its chain. Wrongly sized keys and unknown type names in a stored
	// record are reported as ErrInvalidArgument instead.
	ErrSession = errors.New("ratchet: session error")

	// ErrNoMatchingSession is returned by decryptWithSessions when a record
	// has no sessions, or when it has more than one and every one of them
	// fails to decrypt a message. With exactly one candidate, that
	// session's own error is returned instead.
	ErrNoMatchingSession = fmt.Errorf("%w: no matching session", ErrSession)

	// ErrBadMac indicates a message's MAC failed verification.
	ErrBadMac = errors.New("ratchet: bad MAC")

	// ErrBadMacLength indicates a MAC of the wrong length was supplied for
	// comparison.
	ErrBadMacLength = errors.New("ratchet: bad MAC length")

	// ErrIncompatibleVersion indicates a message's version byte lies
	// outside the range this implementation understands.
	ErrIncompatibleVersion = errors.New("ratchet: incompatible protocol version")

	// ErrInvalidArgument indicates a precondition violation: nil input,
	// wrong key size, malformed address, and similar caller errors.
	ErrInvalidArgument = errors.New("ratchet: invalid argument")
)

// UntrustedIdentityError is returned when a peer's identity key fails the
// trust check. It is surfaced to the caller directly; the session engine
// never attempts to recover from it locally.
type UntrustedIdentityError struct {
	PeerID string
	Key    []byte
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("ratchet: untrusted identity key for %q", e.PeerID)
}

// MessageCounterError is a SessionError subtype: the requested message
// counter was never filled or was already consumed. Callers that see this
// on decrypt are usually looking at a duplicate or a replay.
type MessageCounterError struct {
	Reason string
}

func (e *MessageCounterError) Error() string { return "ratchet: " + e.Reason }

func (e *MessageCounterError) Unwrap() error { return ErrSession }

// PreKeyError is a SessionError subtype raised while processing an
// incoming handshake: a referenced pre-key or signed pre-key could not be
// loaded.
type PreKeyError struct {
	Reason string
}

func (e *PreKeyError) Error() string { return "ratchet: " + e.Reason }

func (e *PreKeyError) Unwrap() error { return ErrSession }
