package rental

import "errors"

// ReasonCode is the stable numeric rejection reason surfaced to callers when
// an inbound message bounces. Codes are part of the wire contract and must
// not be renumbered.
type ReasonCode uint16

const (
	ReasonNone               ReasonCode = 0
	ReasonNotFound           ReasonCode = 100
	ReasonStateGuard         ReasonCode = 101
	ReasonUnauthorized       ReasonCode = 102
	ReasonDeadlineNotReached ReasonCode = 103
	ReasonAmountMismatch     ReasonCode = 104
	ReasonEnded              ReasonCode = 105
	ReasonWalletUnbound      ReasonCode = 106
	ReasonAlreadyPaused      ReasonCode = 107
	ReasonNotPaused          ReasonCode = 108
	ReasonInvalidOutcome     ReasonCode = 109
	ReasonBadMessage         ReasonCode = 110
)

var (
	// ErrNotFound is returned when no escrow instance exists for the ID.
	ErrNotFound = errors.New("rental: instance not found")
	// ErrStateGuard is returned for operations invalid in the current state.
	ErrStateGuard = errors.New("rental: operation not valid in current state")
	// ErrUnauthorized is returned when the sender does not hold the role an
	// operation requires.
	ErrUnauthorized = errors.New("rental: sender not authorized")
	// ErrDeadlineNotReached distinguishes "too early" from a wrong-state
	// rejection so callers can retry after the deadline.
	ErrDeadlineNotReached = errors.New("rental: deadline not reached")
	// ErrAmountMismatch is returned when an asset transfer does not carry
	// the expected amount, or arrives for a rail not awaiting funds.
	ErrAmountMismatch = errors.New("rental: transfer amount mismatch")
	// ErrEnded is the uniform rejection for any operation against an escrow
	// that has reached its terminal state.
	ErrEnded = errors.New("rental: escrow already ended")
	// ErrWalletUnbound is returned when a token-rail escrow is asked to move
	// funds before its wallet address has been discovered.
	ErrWalletUnbound = errors.New("rental: token wallet not bound")
	// ErrAlreadyPaused rejects a pause while a dispute pause is active.
	ErrAlreadyPaused = errors.New("rental: already paused")
	// ErrNotPaused rejects an unpause without an active pause.
	ErrNotPaused = errors.New("rental: not paused")
	// ErrInvalidOutcome rejects an unknown dispute outcome selector, and an
	// unpause resolved for the renter: when the renter prevails the
	// relationship terminates through the arbitrated cancel path instead.
	ErrInvalidOutcome = errors.New("rental: invalid dispute outcome")
	// ErrBadMessage is returned when an inbound message cannot be decoded.
	ErrBadMessage = errors.New("rental: malformed message")
)

var reasonByErr = map[error]ReasonCode{
	ErrNotFound:           ReasonNotFound,
	ErrStateGuard:         ReasonStateGuard,
	ErrUnauthorized:       ReasonUnauthorized,
	ErrDeadlineNotReached: ReasonDeadlineNotReached,
	ErrAmountMismatch:     ReasonAmountMismatch,
	ErrEnded:              ReasonEnded,
	ErrWalletUnbound:      ReasonWalletUnbound,
	ErrAlreadyPaused:      ReasonAlreadyPaused,
	ErrNotPaused:          ReasonNotPaused,
	ErrInvalidOutcome:     ReasonInvalidOutcome,
	ErrBadMessage:         ReasonBadMessage,
}

// Reason maps an engine error to its wire-level rejection code. Unknown
// errors report ReasonNone so infrastructure failures are not mistaken for
// protocol-level bounces.
func Reason(err error) ReasonCode {
	for sentinel, code := range reasonByErr {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ReasonNone
}
