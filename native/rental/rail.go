package rental

import (
	"errors"
	"fmt"
	"math/big"
)

// AssetRail abstracts how an escrow instance takes custody of inbound value
// and pays it back out. The state machine runs identically over both rails;
// only the custody mechanics differ.
type AssetRail interface {
	Kind() RailKind
	// GracePeriod returns the fixed post-rent payment window for this rail.
	GracePeriod() int64
	// Ready reports whether the rail can take custody of inbound funds for
	// the instance.
	Ready(inst *Instance) error
	// Collect takes custody of amount arriving from the given party.
	Collect(inst *Instance, from [20]byte, amount *big.Int) error
	// Send releases amount from the escrow's custody to the recipient. On
	// the token rail this is fire-and-forget: the transfer instruction is
	// issued to the escrow's wallet and settlement is not awaited.
	Send(inst *Instance, to [20]byte, amount *big.Int, memo string) error
}

// TokenMessenger delivers outbound transfer instructions to a token wallet
// contract. Delivery is asynchronous; implementations must not block on
// settlement.
type TokenMessenger interface {
	Transfer(wallet [20]byte, to [20]byte, amount *big.Int, memo string) error
}

var errNilMessenger = errors.New("rental: token messenger not configured")

// NativeRail moves the chain's native coin through the ledger. Inbound value
// is attached to the triggering message itself, so accept/reject happens in
// the same step as the operation.
type NativeRail struct {
	eng *Engine
}

func (r *NativeRail) Kind() RailKind        { return RailNative }
func (r *NativeRail) GracePeriod() int64    { return NativeGracePeriod }
func (r *NativeRail) Ready(*Instance) error { return nil }

func (r *NativeRail) Collect(inst *Instance, from [20]byte, amount *big.Int) error {
	vault, err := r.eng.state.VaultAddress()
	if err != nil {
		return err
	}
	if err := r.eng.transferBalance(from, vault, amount); err != nil {
		return err
	}
	return r.eng.state.RentalCredit(inst.Terms.ID, amount)
}

func (r *NativeRail) Send(inst *Instance, to [20]byte, amount *big.Int, memo string) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	vault, err := r.eng.state.VaultAddress()
	if err != nil {
		return err
	}
	if err := r.eng.state.RentalDebit(inst.Terms.ID, amount); err != nil {
		return err
	}
	return r.eng.transferBalance(vault, to, amount)
}

// TokenRail settles through the escrow's own token wallet contract. Inbound
// funds are confirmed by a transfer notification from that wallet; outbound
// sends issue a transfer instruction and assume success. The unconfirmed
// outbound leg is an accepted liveness gap, not an atomic settlement.
type TokenRail struct {
	eng       *Engine
	messenger TokenMessenger
}

func (r *TokenRail) Kind() RailKind     { return RailToken }
func (r *TokenRail) GracePeriod() int64 { return TokenGracePeriod }

func (r *TokenRail) Ready(inst *Instance) error {
	if inst.Progress.WalletState != WalletBound {
		return ErrWalletUnbound
	}
	return nil
}

func (r *TokenRail) Collect(inst *Instance, from [20]byte, amount *big.Int) error {
	// The tokens already sit in the escrow's wallet by the time the
	// notification is processed; custody tracking is ledger-internal.
	if err := r.Ready(inst); err != nil {
		return err
	}
	return r.eng.state.RentalCredit(inst.Terms.ID, amount)
}

func (r *TokenRail) Send(inst *Instance, to [20]byte, amount *big.Int, memo string) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := r.Ready(inst); err != nil {
		return err
	}
	if r.messenger == nil {
		return errNilMessenger
	}
	if err := r.eng.state.RentalDebit(inst.Terms.ID, amount); err != nil {
		return err
	}
	return r.messenger.Transfer(inst.Progress.Wallet, to, new(big.Int).Set(amount), memo)
}

// NopTokenMessenger discards transfer instructions. Useful for wiring a
// native-only deployment where the token rail is never exercised.
type NopTokenMessenger struct{}

func (NopTokenMessenger) Transfer([20]byte, [20]byte, *big.Int, string) error { return nil }

var _ TokenMessenger = NopTokenMessenger{}

func railMismatch(expected, got RailKind) error {
	return fmt.Errorf("%w: %s operation on %s rail", ErrStateGuard, expected, got)
}
