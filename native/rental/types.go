package rental

import (
	"fmt"
	"math/big"
)

// RailKind selects how an escrow instance moves value: the chain's native
// coin attached to inbound messages, or a fungible token settled through a
// wallet contract pair with asynchronous notifications.
type RailKind uint8

const (
	RailNative RailKind = iota
	RailToken
)

// Valid reports whether the rail kind is one of the supported variants.
func (r RailKind) Valid() bool {
	return r == RailNative || r == RailToken
}

func (r RailKind) String() string {
	switch r {
	case RailNative:
		return "native"
	case RailToken:
		return "token"
	default:
		return fmt.Sprintf("rail(%d)", uint8(r))
	}
}

// WalletState tracks the token rail's two-phase wallet discovery. A token
// escrow cannot accept a deposit until it has been told its own wallet
// address, because that address is derived off-chain from the token master.
type WalletState uint8

const (
	WalletUnbound WalletState = iota
	WalletBound
)

// DisputeOutcome is the explicit two-variant resolution selector carried by
// arbitrated operations. The zero value is deliberately invalid so a missing
// selector can never be mistaken for a decision.
type DisputeOutcome uint8

const (
	OutcomeLessorWins DisputeOutcome = 1
	OutcomeRenterWins DisputeOutcome = 2
)

// Valid reports whether the outcome is one of the two supported variants.
func (o DisputeOutcome) Valid() bool {
	return o == OutcomeLessorWins || o == OutcomeRenterWins
}

func (o DisputeOutcome) String() string {
	switch o {
	case OutcomeLessorWins:
		return "lessor"
	case OutcomeRenterWins:
		return "renter"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// FeeDenominator defines the fixed-point base for arbitrator fees. Fees are
// always expressed in basis points; a FeeBps of 300 is a 3% cut.
const FeeDenominator = 10_000

// Grace periods are fixed per rail. The token rail gets a wider window to
// absorb wallet-contract settlement latency.
const (
	NativeGracePeriod int64 = 3 * 60
	TokenGracePeriod  int64 = 10 * 60
)

// Status is the coarse lifecycle position derived from the progress flags.
type Status uint8

const (
	StatusCreated Status = iota
	StatusActive
	StatusRentRequested
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusActive:
		return "active"
	case StatusRentRequested:
		return "rent_requested"
	case StatusEnded:
		return "ended"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terms captures the immutable rental agreement fixed at creation time.
type Terms struct {
	ID         [32]byte
	Arbitrator [20]byte
	Lessor     [20]byte
	Renter     [20]byte
	Metadata   []byte
	Cost       *big.Int
	FeeBps     uint32
	Duration   int64
	Rail       RailKind
	// DepositSize is the nominal security deposit. The token rail enforces
	// it exactly; the native rail records whatever actually arrived.
	DepositSize *big.Int
	CreatedAt   int64
}

// Progress holds the mutable lifecycle fields of an escrow instance.
type Progress struct {
	Initialized   bool
	Deposit       *big.Int
	RentEndTime   int64
	Requested     bool
	DelayDeadline int64
	Ended         bool
	// PausedAt is the wall-clock second a dispute pause began, zero when
	// the instance is not paused.
	PausedAt   int64
	PauseCount uint32
	// Wallet fields are only meaningful on the token rail.
	Wallet      [20]byte
	WalletState WalletState
}

// Instance binds the immutable terms to the mutable progress of one escrow.
type Instance struct {
	Terms    Terms
	Progress Progress
}

// Status derives the lifecycle position. The paused flag is orthogonal and
// reported separately via IsPaused.
func (i *Instance) Status() Status {
	switch {
	case i == nil || !i.Progress.Initialized:
		return StatusCreated
	case i.Progress.Ended:
		return StatusEnded
	case i.Progress.Requested:
		return StatusRentRequested
	default:
		return StatusActive
	}
}

// IsPaused reports whether a dispute pause is currently active.
func (i *Instance) IsPaused() bool {
	return i != nil && i.Progress.PausedAt != 0
}

// Clone returns a deep copy of the instance so callers can safely mutate the
// copy without affecting the stored record.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Terms.Metadata = append([]byte(nil), i.Terms.Metadata...)
	if i.Terms.Cost != nil {
		clone.Terms.Cost = new(big.Int).Set(i.Terms.Cost)
	} else {
		clone.Terms.Cost = big.NewInt(0)
	}
	if i.Terms.DepositSize != nil {
		clone.Terms.DepositSize = new(big.Int).Set(i.Terms.DepositSize)
	} else {
		clone.Terms.DepositSize = big.NewInt(0)
	}
	if i.Progress.Deposit != nil {
		clone.Progress.Deposit = new(big.Int).Set(i.Progress.Deposit)
	} else {
		clone.Progress.Deposit = big.NewInt(0)
	}
	return &clone
}

// SanitizeInstance validates and normalises the supplied instance, returning
// a cloned value with non-nil amount fields. The original is not mutated.
func SanitizeInstance(i *Instance) (*Instance, error) {
	if i == nil {
		return nil, fmt.Errorf("rental: nil instance")
	}
	clone := i.Clone()
	if !clone.Terms.Rail.Valid() {
		return nil, fmt.Errorf("rental: unsupported rail %d", clone.Terms.Rail)
	}
	if clone.Terms.Cost.Sign() <= 0 {
		return nil, fmt.Errorf("rental: cost must be positive")
	}
	if clone.Terms.FeeBps > FeeDenominator {
		return nil, fmt.Errorf("rental: fee bps out of range: %d", clone.Terms.FeeBps)
	}
	if clone.Terms.Duration <= 0 {
		return nil, fmt.Errorf("rental: duration must be positive")
	}
	if clone.Terms.Rail == RailToken && clone.Terms.DepositSize.Sign() <= 0 {
		return nil, fmt.Errorf("rental: token rail requires a nominal deposit size")
	}
	if clone.Progress.Deposit.Sign() < 0 {
		return nil, fmt.Errorf("rental: deposit must be non-negative")
	}
	if clone.Progress.Requested && !clone.Progress.Initialized {
		return nil, fmt.Errorf("rental: requested before initialization")
	}
	return clone, nil
}
