package rental

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"p2prent/core/events"
	"p2prent/core/types"
)

var (
	errNilState = errors.New("rental engine: state not configured")
)

type engineState interface {
	RentalPut(*Instance) error
	RentalGet(id [32]byte) (*Instance, bool)
	RentalCredit(id [32]byte, amt *big.Int) error
	RentalDebit(id [32]byte, amt *big.Int) error
	VaultAddress() ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type rentalEvent struct {
	evt *types.Event
}

func (e rentalEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e rentalEvent) Event() *types.Event { return e.evt }

// Engine processes every inbound operation against rental escrow instances.
// Each instance behaves as a single sequential actor: the engine evaluates
// one message at a time against (current state, sender, now) and either
// applies the full transition or rejects with no partial effect.
type Engine struct {
	state   engineState
	rails   map[RailKind]AssetRail
	token   *TokenRail
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a rental engine with a no-op emitter and wall-clock time
// source. Callers must wire a state backend before use.
func NewEngine() *Engine {
	e := &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
	e.token = &TokenRail{eng: e}
	e.rails = map[RailKind]AssetRail{
		RailNative: &NativeRail{eng: e},
		RailToken:  e.token,
	}
	return e
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokenMessenger wires the outbound instruction channel used by the token
// rail. Without it every token-rail payout fails.
func (e *Engine) SetTokenMessenger(m TokenMessenger) { e.token.messenger = m }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(rentalEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// effectiveNow freezes the deadline clock while a dispute pause is active:
// elapsed wall-clock time past PausedAt does not count against the renter.
func effectiveNow(inst *Instance, now int64) int64 {
	if inst.IsPaused() && now > inst.Progress.PausedAt {
		return inst.Progress.PausedAt
	}
	return now
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadInstance(id [32]byte) (*Instance, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	inst, ok := e.state.RentalGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return inst, nil
}

func (e *Engine) storeInstance(inst *Instance) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.RentalPut(inst)
}

func (e *Engine) rail(inst *Instance) AssetRail {
	return e.rails[inst.Terms.Rail]
}

func (e *Engine) transferBalance(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("rental: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("rental: insufficient balance")
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// feeShare computes principal*bps/10000, rounding down.
func feeShare(principal *big.Int, bps uint32) *big.Int {
	share := new(big.Int).Mul(cloneBigInt(principal), new(big.Int).SetUint64(uint64(bps)))
	return share.Div(share, big.NewInt(FeeDenominator))
}

// Deposit accepts the renter's security deposit on the native rail. Token
// rail deposits arrive through HandleTokenNotification instead.
func (e *Engine) Deposit(id [32]byte, from [20]byte, amount *big.Int) error {
	inst, err := e.loadInstance(id)
	if err != nil {
		return err
	}
	if inst.Progress.Ended {
		return ErrEnded
	}
	if inst.Terms.Rail != RailNative {
		return railMismatch(RailNative, inst.Terms.Rail)
	}
	if inst.Progress.Initialized {
		return fmt.Errorf("%w: deposit already accepted", ErrStateGuard)
	}
	if from != inst.Terms.Renter {
		return fmt.Errorf("%w: deposit requires the renter", ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be positive", ErrAmountMismatch)
	}
	return e.acceptDeposit(inst, from, amount)
}

func (e *Engine) acceptDeposit(inst *Instance, from [20]byte, amount *big.Int) error {
	rail := e.rail(inst)
	if err := rail.Ready(inst); err != nil {
		return err
	}
	if err := rail.Collect(inst, from, amount); err != nil {
		return err
	}
	now := e.now()
	inst.Progress.Initialized = true
	inst.Progress.Deposit = cloneBigInt(amount)
	inst.Progress.RentEndTime = now + inst.Terms.Duration
	if err := e.storeInstance(inst); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(inst))
	return nil
}

// Finish is the lessor's end-of-rental trigger. It fails with a distinct
// "too early" signal before RentEndTime; afterwards it opens the payment
// window and records the grace deadline.
func (e *Engine) Finish(id [32]byte, caller [20]byte) error {
	inst, err := e.loadInstance(id)
	if err != nil {
		return err
	}
	if inst.Progress.Ended {
		return ErrEnded
	}
	if !inst.Progress.Initialized || inst.Progress.Requested {
		return fmt.Errorf("%w: finish requires an active rental", ErrStateGuard)
	}
	if caller != inst.Terms.Lessor {
		return fmt.Errorf("%w: finish requires the lessor", ErrUnauthorized)
	}
	now := e.now()
	if effectiveNow(inst, now) < inst.Progress.RentEndTime {
		return ErrDeadlineNotReached
	}
	inst.Progress.Requested = true
	inst.Progress.DelayDeadline = inst.Progress.RentEndTime + e.rail(inst).GracePeriod()
	if err := e.storeInstance(inst); err != nil {
		return err
	}
	e.emit(NewFinishedEvent(inst))
	return nil
}

// Payment accepts the rental cost on the native rail and settles the escrow.
// Token rail payments arrive through HandleTokenNotification.
func (e *Engine) Payment(id [32]byte, from [20]byte, amount *big.Int) error {
	inst, err := e.loadInstance(id)
	if err != nil {
		return err
	}
	if inst.Progress.Ended {
		return ErrEnded
	}
	if inst.Terms.Rail != RailNative {
		return railMismatch(RailNative, inst.Terms.Rail)
	}
	if !inst.Progress.Requested {
		return fmt.Errorf("%w: payment before rent was requested", ErrStateGuard)
	}
	if from != inst.Terms.Renter {
		return fmt.Errorf("%w: payment requires the renter", ErrUnauthorized)
	}
	if amount == nil || amount.Cmp(inst.Terms.Cost) != 0 {
		return fmt.Errorf("%w: payment must equal the rental cost", ErrAmountMismatch)
	}
	return e.settlePayment(inst, from, amount)
}

// settlePayment splits the collected cost between arbitrator and lessor and
// routes the deposit by lateness: returned to the renter when the payment
// landed inside the grace window, forfeited to the lessor as a fine
// otherwise.
func (e *Engine) settlePayment(inst *Instance, from [20]byte, amount *big.Int) error {
	rail := e.rail(inst)
	if err := rail.Collect(inst, from, amount); err != nil {
		return err
	}
	fee := feeShare(inst.Terms.Cost, inst.Terms.FeeBps)
	lessorShare := new(big.Int).Sub(cloneBigInt(inst.Terms.Cost), fee)
	deposit := cloneBigInt(inst.Progress.Deposit)
	onTime := effectiveNow(inst, e.now()) <= inst.Progress.DelayDeadline

	if err := rail.Send(inst, inst.Terms.Arbitrator, fee, "arbitrator fee"); err != nil {
		return err
	}
	if onTime {
		if err := rail.Send(inst, inst.Terms.Lessor, lessorShare, "rent payment"); err != nil {
			return err
		}
		if err := rail.Send(inst, inst.Terms.Renter, deposit, "deposit returned"); err != nil {
			return err
		}
	} else {
		fined := new(big.Int).Add(lessorShare, deposit)
		if err := rail.Send(inst, inst.Terms.Lessor, fined, "rent payment and late fine"); err != nil {
			return err
		}
	}
	inst.Progress.Ended = true
	if err := e.storeInstance(inst); err != nil {
		return err
	}
	e.emit(NewPaidEvent(inst, onTime))
	return nil
}

// Cancel is the lessor's no-dispute termination, only available before the
// rent has been requested. The full deposit goes back to the renter and no
// fee is taken.
func (e *Engine) Cancel(id [32]byte, caller [20]byte) error {
	inst, err := e.loadInstance(id)
	if err != nil {
		return err
	}
	if inst.Progress.Ended {
		return ErrEnded
	}
	if inst.Progress.Requested {
		return fmt.Errorf("%w: cancel after rent was requested", ErrStateGuard)
	}
	if caller != inst.Terms.Lessor {
		return fmt.Errorf("%w: cancel requires the lessor", ErrUnauthorized)
	}
	if inst.Progress.Initialized {
		if err := e.rail(inst).Send(inst, inst.Terms.Renter, inst.Progress.Deposit, "deposit returned"); err != nil {
			return err
		}
	}
	inst.Progress.Ended = true
	if err := e.storeInstance(inst); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(inst))
	return nil
}

// ResolveCancel is the arbitrated termination. It is usable before and after
// the rent request and while paused. The arbitrator's fee share is computed
// against the deposit, not the cost; the remainder goes to whichever party
// the dispute favoured.
func (e *Engine) ResolveCancel(id [32]byte, caller [20]byte, outcome DisputeOutcome) error {
	inst, err := e.loadInstance(id)
	if err != nil {
		return err
	}
	if inst.Progress.Ended {
		return ErrEnded
	}
	if caller != inst.Terms.Arbitrator {
		return fmt.Errorf("%w: arbitrated cancel requires the arbitrator", ErrUnauthorized)
	}
	if !outcome.Valid() {
		return ErrInvalidOutcome
	}
	if inst.Progress.Initialized && inst.Progress.Deposit.Sign() > 0 {
		rail := e.rail(inst)
		fee := feeShare(inst.Progress.Deposit, inst.Terms.FeeBps)
		principal := new(big.Int).Sub(cloneBigInt(inst.Progress.Deposit), fee)
		winner := inst.Terms.Renter
		memo := "deposit returned by ruling"
		if outcome == OutcomeLessorWins {
			winner = inst.Terms.Lessor
			memo = "deposit forfeited by ruling"
		}
		if err := rail.Send(inst, inst.Terms.Arbitrator, fee, "arbitrator fee"); err != nil {
			return err
		}
		if err := rail.Send(inst, winner, principal, memo); err != nil {
			return err
		}
	}
	inst.Progress.Ended = true
	if err := e.storeInstance(inst); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(inst, outcome))
	return nil
}

// Abort lets the arbitrator close out an abandoned rental: rent was
// requested, the grace window and a further leeway of one grace period have
// elapsed, and no payment ever arrived. The deposit is forfeited to the
// lessor as a fine.
func (e *Engine) Abort(id [32]byte, caller [20]byte) error {
	inst, err := e.loadInstance(id)
	if err != nil {
		return err
	}
	if inst.Progress.Ended {
		return ErrEnded
	}
	if !inst.Progress.Requested {
		return fmt.Errorf("%w: abort before rent was requested", ErrStateGuard)
	}
	if caller != inst.Terms.Arbitrator {
		return fmt.Errorf("%w: abort requires the arbitrator", ErrUnauthorized)
	}
	rail := e.rail(inst)
	if effectiveNow(inst, e.now()) <= inst.Progress.DelayDeadline+rail.GracePeriod() {
		return ErrDeadlineNotReached
	}
	if err := rail.Send(inst, inst.Terms.Lessor, inst.Progress.Deposit, "abandonment fine"); err != nil {
		return err
	}
	inst.Progress.Ended = true
	if err := e.storeInstance(inst); err != nil {
		return err
	}
	e.emit(NewAbortedEvent(inst))
	return nil
}

// Pause freezes the deadline clock while the arbitrator investigates a
// dispute. Only one pause can be active at a time.
func (e *Engine) Pause(id [32]byte, caller [20]byte) error {
	inst, err := e.loadInstance(id)
	if err != nil {
		return err
	}
	if inst.Progress.Ended {
		return ErrEnded
	}
	if !inst.Progress.Initialized {
		return fmt.Errorf("%w: pause requires an active rental", ErrStateGuard)
	}
	if caller != inst.Terms.Arbitrator {
		return fmt.Errorf("%w: pause requires the arbitrator", ErrUnauthorized)
	}
	if inst.IsPaused() {
		return ErrAlreadyPaused
	}
	inst.Progress.PausedAt = e.now()
	inst.Progress.PauseCount++
	if err := e.storeInstance(inst); err != nil {
		return err
	}
	e.emit(NewPausedEvent(inst))
	return nil
}

// Unpause resumes a paused rental after a dispute resolved in the lessor's
// favour: the paused duration is deducted from the remaining rental window
// so the pause never benefits the renter. A dispute resolved for the renter
// must terminate through ResolveCancel instead.
func (e *Engine) Unpause(id [32]byte, caller [20]byte, outcome DisputeOutcome) error {
	inst, err := e.loadInstance(id)
	if err != nil {
		return err
	}
	if inst.Progress.Ended {
		return ErrEnded
	}
	if !inst.IsPaused() {
		return ErrNotPaused
	}
	if caller != inst.Terms.Arbitrator {
		return fmt.Errorf("%w: unpause requires the arbitrator", ErrUnauthorized)
	}
	if outcome != OutcomeLessorWins {
		return ErrInvalidOutcome
	}
	pausedFor := e.now() - inst.Progress.PausedAt
	if pausedFor < 0 {
		pausedFor = 0
	}
	inst.Progress.RentEndTime -= pausedFor
	if inst.Progress.Requested {
		inst.Progress.DelayDeadline -= pausedFor
	}
	inst.Progress.PausedAt = 0
	if err := e.storeInstance(inst); err != nil {
		return err
	}
	e.emit(NewUnpausedEvent(inst, pausedFor))
	return nil
}

// BindTokenWallet completes the token rail's two-phase deployment handshake
// by recording the escrow's own wallet address. Deposits are gated on this.
func (e *Engine) BindTokenWallet(id [32]byte, caller [20]byte, wallet [20]byte) error {
	inst, err := e.loadInstance(id)
	if err != nil {
		return err
	}
	if inst.Progress.Ended {
		return ErrEnded
	}
	if inst.Terms.Rail != RailToken {
		return railMismatch(RailToken, inst.Terms.Rail)
	}
	if inst.Progress.Initialized || inst.Progress.WalletState == WalletBound {
		return fmt.Errorf("%w: wallet already bound", ErrStateGuard)
	}
	if caller != inst.Terms.Arbitrator {
		return fmt.Errorf("%w: wallet binding requires the arbitrator", ErrUnauthorized)
	}
	if wallet == ([20]byte{}) {
		return fmt.Errorf("%w: zero wallet address", ErrBadMessage)
	}
	inst.Progress.Wallet = wallet
	inst.Progress.WalletState = WalletBound
	if err := e.storeInstance(inst); err != nil {
		return err
	}
	e.emit(NewWalletBoundEvent(inst))
	return nil
}

// HandleTokenNotification processes an inbound transfer notification from
// the escrow's token wallet. There is no synchronous call/return on the
// token rail, so the notification is correlated to the expected operation
// purely by state: an uninitialized escrow awaits its deposit, a requested
// one awaits payment. Anything else bounces with an amount mismatch so the
// funds are not silently absorbed.
func (e *Engine) HandleTokenNotification(id [32]byte, walletSender [20]byte, origSender [20]byte, amount *big.Int) error {
	inst, err := e.loadInstance(id)
	if err != nil {
		return err
	}
	if inst.Progress.Ended {
		return ErrEnded
	}
	if inst.Terms.Rail != RailToken {
		return railMismatch(RailToken, inst.Terms.Rail)
	}
	if err := e.token.Ready(inst); err != nil {
		return err
	}
	if walletSender != inst.Progress.Wallet {
		return fmt.Errorf("%w: notification not from the escrow wallet", ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: empty token transfer", ErrAmountMismatch)
	}
	switch {
	case !inst.Progress.Initialized:
		if origSender != inst.Terms.Renter {
			return fmt.Errorf("%w: deposit requires the renter", ErrUnauthorized)
		}
		if amount.Cmp(inst.Terms.DepositSize) != 0 {
			return fmt.Errorf("%w: deposit must equal the nominal size", ErrAmountMismatch)
		}
		return e.acceptDeposit(inst, origSender, amount)
	case inst.Progress.Requested:
		if origSender != inst.Terms.Renter {
			return fmt.Errorf("%w: payment requires the renter", ErrUnauthorized)
		}
		if amount.Cmp(inst.Terms.Cost) != 0 {
			return fmt.Errorf("%w: payment must equal the rental cost", ErrAmountMismatch)
		}
		return e.settlePayment(inst, origSender, amount)
	default:
		return fmt.Errorf("%w: escrow not awaiting funds", ErrAmountMismatch)
	}
}

// Snapshot returns a deep copy of the full stored state of an instance.
func (e *Engine) Snapshot(id [32]byte) (*Instance, error) {
	inst, err := e.loadInstance(id)
	if err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// PauseDuration reports how long the active pause has lasted, zero when the
// instance is not paused.
func (e *Engine) PauseDuration(id [32]byte) (int64, error) {
	inst, err := e.loadInstance(id)
	if err != nil {
		return 0, err
	}
	if !inst.IsPaused() {
		return 0, nil
	}
	dur := e.now() - inst.Progress.PausedAt
	if dur < 0 {
		dur = 0
	}
	return dur, nil
}

// IsPaused reports whether a dispute pause is active on the instance.
func (e *Engine) IsPaused(id [32]byte) (bool, error) {
	inst, err := e.loadInstance(id)
	if err != nil {
		return false, err
	}
	return inst.IsPaused(), nil
}
