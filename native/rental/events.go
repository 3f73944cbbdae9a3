package rental

import (
	"encoding/hex"
	"strconv"

	"p2prent/core/types"
)

const (
	EventTypeDeposited   = "rental.deposited"
	EventTypeFinished    = "rental.finished"
	EventTypePaid        = "rental.paid"
	EventTypeCancelled   = "rental.cancelled"
	EventTypeResolved    = "rental.resolved"
	EventTypeAborted     = "rental.aborted"
	EventTypePaused      = "rental.paused"
	EventTypeUnpaused    = "rental.unpaused"
	EventTypeWalletBound = "rental.wallet_bound"
)

// NewDepositedEvent returns the canonical payload emitted when the security
// deposit has been accepted and the rental clock started.
func NewDepositedEvent(i *Instance) *types.Event {
	evt := newRentalEvent(EventTypeDeposited, i)
	if i != nil {
		evt.Attributes["rentEndTime"] = strconv.FormatInt(i.Progress.RentEndTime, 10)
	}
	return evt
}

// NewFinishedEvent returns the payload emitted when the lessor has requested
// the rent and payment is due from the renter.
func NewFinishedEvent(i *Instance) *types.Event {
	evt := newRentalEvent(EventTypeFinished, i)
	if i != nil {
		evt.Attributes["delayDeadline"] = strconv.FormatInt(i.Progress.DelayDeadline, 10)
	}
	return evt
}

// NewPaidEvent returns the payload emitted when payment settled the escrow.
func NewPaidEvent(i *Instance, onTime bool) *types.Event {
	evt := newRentalEvent(EventTypePaid, i)
	evt.Attributes["onTime"] = strconv.FormatBool(onTime)
	return evt
}

// NewCancelledEvent returns the payload for the lessor's no-dispute cancel.
func NewCancelledEvent(i *Instance) *types.Event {
	return newRentalEvent(EventTypeCancelled, i)
}

// NewResolvedEvent returns the payload for an arbitrated cancel, recording
// which party the ruling favoured.
func NewResolvedEvent(i *Instance, outcome DisputeOutcome) *types.Event {
	evt := newRentalEvent(EventTypeResolved, i)
	evt.Attributes["outcome"] = outcome.String()
	return evt
}

// NewAbortedEvent returns the payload emitted when the arbitrator closed out
// an abandoned rental.
func NewAbortedEvent(i *Instance) *types.Event {
	return newRentalEvent(EventTypeAborted, i)
}

// NewPausedEvent returns the payload emitted when the deadline clock froze.
func NewPausedEvent(i *Instance) *types.Event {
	evt := newRentalEvent(EventTypePaused, i)
	if i != nil {
		evt.Attributes["pausedAt"] = strconv.FormatInt(i.Progress.PausedAt, 10)
		evt.Attributes["pauseCount"] = strconv.FormatUint(uint64(i.Progress.PauseCount), 10)
	}
	return evt
}

// NewUnpausedEvent returns the payload emitted when a pause resolved in the
// lessor's favour and the paused duration was deducted from the window.
func NewUnpausedEvent(i *Instance, pausedFor int64) *types.Event {
	evt := newRentalEvent(EventTypeUnpaused, i)
	evt.Attributes["pausedFor"] = strconv.FormatInt(pausedFor, 10)
	if i != nil {
		evt.Attributes["rentEndTime"] = strconv.FormatInt(i.Progress.RentEndTime, 10)
	}
	return evt
}

// NewWalletBoundEvent returns the payload emitted when the token rail's
// wallet discovery handshake completed.
func NewWalletBoundEvent(i *Instance) *types.Event {
	evt := newRentalEvent(EventTypeWalletBound, i)
	if i != nil {
		evt.Attributes["wallet"] = hex.EncodeToString(i.Progress.Wallet[:])
	}
	return evt
}

func newRentalEvent(eventType string, i *Instance) *types.Event {
	attrs := make(map[string]string)
	if i == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(i.Terms.ID[:])
	attrs["arbitrator"] = hex.EncodeToString(i.Terms.Arbitrator[:])
	attrs["lessor"] = hex.EncodeToString(i.Terms.Lessor[:])
	attrs["renter"] = hex.EncodeToString(i.Terms.Renter[:])
	attrs["rail"] = i.Terms.Rail.String()
	attrs["status"] = i.Status().String()
	if i.Progress.Deposit != nil {
		attrs["deposit"] = i.Progress.Deposit.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
