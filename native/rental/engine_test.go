package rental

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"testing"

	"p2prent/core/events"
	"p2prent/core/types"
)

type mockState struct {
	rentals  map[[32]byte]*Instance
	accounts map[[20]byte]*types.Account
	held     map[[32]byte]*big.Int
	vault    [20]byte
}

func newMockState() *mockState {
	return &mockState{
		rentals:  make(map[[32]byte]*Instance),
		accounts: make(map[[20]byte]*types.Account),
		held:     make(map[[32]byte]*big.Int),
		vault:    newTestAddress(0xEE),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestID(fill byte) [32]byte {
	var id [32]byte
	copy(id[:], bytes.Repeat([]byte{fill}, 32))
	return id
}

func (m *mockState) RentalPut(inst *Instance) error {
	sanitized, err := SanitizeInstance(inst)
	if err != nil {
		return err
	}
	m.rentals[sanitized.Terms.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) RentalGet(id [32]byte) (*Instance, bool) {
	inst, ok := m.rentals[id]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

func (m *mockState) RentalCredit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("bad credit")
	}
	current := big.NewInt(0)
	if existing, ok := m.held[id]; ok {
		current = new(big.Int).Set(existing)
	}
	m.held[id] = current.Add(current, amt)
	return nil
}

func (m *mockState) RentalDebit(id [32]byte, amt *big.Int) error {
	current := big.NewInt(0)
	if existing, ok := m.held[id]; ok {
		current = new(big.Int).Set(existing)
	}
	if amt == nil || current.Cmp(amt) < 0 {
		return fmt.Errorf("insufficient held balance")
	}
	m.held[id] = current.Sub(current, amt)
	return nil
}

func (m *mockState) VaultAddress() ([20]byte, error) { return m.vault, nil }

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	if acc, ok := m.accounts[key]; ok {
		return acc.Clone(), nil
	}
	return &types.Account{Balance: big.NewInt(0)}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	if acc, ok := m.accounts[addr]; ok && acc.Balance != nil {
		return new(big.Int).Set(acc.Balance)
	}
	return big.NewInt(0)
}

func (m *mockState) fund(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

type recordingEmitter struct {
	events []*types.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	if typed, ok := evt.(interface{ Event() *types.Event }); ok {
		r.events = append(r.events, typed.Event())
	}
}

func (r *recordingEmitter) last() *types.Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

const (
	testCost    int64 = 1_000_000_000
	testDeposit int64 = 500_000_000
	testFeeBps        = 300
	testDur     int64 = 3600
	testStart   int64 = 2_000_000_000
)

var (
	arbAddr    = newTestAddress(0xA1)
	lessorAddr = newTestAddress(0xB2)
	renterAddr = newTestAddress(0xC3)
)

func testTerms(id [32]byte, rail RailKind) Terms {
	return Terms{
		ID:          id,
		Arbitrator:  arbAddr,
		Lessor:      lessorAddr,
		Renter:      renterAddr,
		Metadata:    []byte("snowboard"),
		Cost:        big.NewInt(testCost),
		FeeBps:      testFeeBps,
		Duration:    testDur,
		Rail:        rail,
		DepositSize: big.NewInt(testDeposit),
		CreatedAt:   testStart,
	}
}

// newTestEngine returns an engine over a fresh mock state with a mutable
// clock starting at testStart and a funded renter.
func newTestEngine(t *testing.T, rail RailKind) (*Engine, *mockState, *int64, [32]byte) {
	t.Helper()
	state := newMockState()
	engine := NewEngine()
	engine.SetState(state)
	now := testStart
	engine.SetNowFunc(func() int64 { return now })
	id := newTestID(0x11)
	if err := state.RentalPut(&Instance{Terms: testTerms(id, rail)}); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	state.fund(renterAddr, 2*testCost)
	return engine, state, &now, id
}

func mustDeposit(t *testing.T, e *Engine, id [32]byte) {
	t.Helper()
	if err := e.Deposit(id, renterAddr, big.NewInt(testDeposit)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func mustFinish(t *testing.T, e *Engine, id [32]byte, now *int64) {
	t.Helper()
	*now = testStart + testDur
	if err := e.Finish(id, lessorAddr); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestDepositInitialisesRental(t *testing.T) {
	engine, state, _, id := newTestEngine(t, RailNative)
	if err := engine.Deposit(id, lessorAddr, big.NewInt(testDeposit)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized deposit, got %v", err)
	}
	if err := engine.Deposit(id, renterAddr, big.NewInt(0)); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch for empty deposit, got %v", err)
	}
	mustDeposit(t, engine, id)
	inst, err := engine.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !inst.Progress.Initialized {
		t.Fatalf("expected initialized after deposit")
	}
	if inst.Progress.Deposit.Int64() != testDeposit {
		t.Fatalf("unexpected deposit amount %s", inst.Progress.Deposit)
	}
	if inst.Progress.RentEndTime != testStart+testDur {
		t.Fatalf("unexpected rent end time %d", inst.Progress.RentEndTime)
	}
	if got := state.held[id].Int64(); got != testDeposit {
		t.Fatalf("vault holds %d, want %d", got, testDeposit)
	}
	if err := engine.Deposit(id, renterAddr, big.NewInt(testDeposit)); !errors.Is(err, ErrStateGuard) {
		t.Fatalf("expected state guard for double deposit, got %v", err)
	}
}

func TestDepositShortAmountAcceptedOnNativeRail(t *testing.T) {
	engine, _, _, id := newTestEngine(t, RailNative)
	short := big.NewInt(testDeposit / 2)
	if err := engine.Deposit(id, renterAddr, short); err != nil {
		t.Fatalf("short deposit: %v", err)
	}
	inst, _ := engine.Snapshot(id)
	if inst.Progress.Deposit.Cmp(short) != 0 {
		t.Fatalf("deposit should record the amount actually received")
	}
}

func TestFinishGuards(t *testing.T) {
	engine, _, now, id := newTestEngine(t, RailNative)
	if err := engine.Finish(id, lessorAddr); !errors.Is(err, ErrStateGuard) {
		t.Fatalf("expected state guard before deposit, got %v", err)
	}
	mustDeposit(t, engine, id)
	if err := engine.Finish(id, lessorAddr); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("expected deadline not reached, got %v", err)
	}
	inst, _ := engine.Snapshot(id)
	if inst.Progress.Requested {
		t.Fatalf("failed finish must not set requested")
	}
	*now = testStart + testDur
	if err := engine.Finish(id, renterAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized finish, got %v", err)
	}
	if err := engine.Finish(id, lessorAddr); err != nil {
		t.Fatalf("finish at deadline: %v", err)
	}
	inst, _ = engine.Snapshot(id)
	if !inst.Progress.Requested {
		t.Fatalf("expected requested after finish")
	}
	if want := inst.Progress.RentEndTime + NativeGracePeriod; inst.Progress.DelayDeadline != want {
		t.Fatalf("delay deadline %d, want %d", inst.Progress.DelayDeadline, want)
	}
	if err := engine.Finish(id, lessorAddr); !errors.Is(err, ErrStateGuard) {
		t.Fatalf("expected state guard for second finish, got %v", err)
	}
}

func TestOnTimePaymentSplitsFunds(t *testing.T) {
	engine, state, now, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)
	mustFinish(t, engine, id, now)

	if err := engine.Payment(id, renterAddr, big.NewInt(testCost-1)); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if err := engine.Payment(id, renterAddr, big.NewInt(testCost)); err != nil {
		t.Fatalf("payment: %v", err)
	}

	fee := testCost * testFeeBps / FeeDenominator
	if got := state.balance(arbAddr).Int64(); got != fee {
		t.Fatalf("arbitrator received %d, want %d", got, fee)
	}
	if got := state.balance(lessorAddr).Int64(); got != testCost-fee {
		t.Fatalf("lessor received %d, want %d", got, testCost-fee)
	}
	// The renter paid cost and deposit out of 2*cost, then got the deposit
	// back in full.
	if got := state.balance(renterAddr).Int64(); got != 2*testCost-testCost {
		t.Fatalf("renter balance %d, want %d", got, testCost)
	}
	if got := state.held[id].Int64(); got != 0 {
		t.Fatalf("escrow still holds %d after settlement", got)
	}
	inst, _ := engine.Snapshot(id)
	if !inst.Progress.Ended {
		t.Fatalf("expected ended after payment")
	}
}

func TestLatePaymentForfeitsDeposit(t *testing.T) {
	engine, state, now, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)
	mustFinish(t, engine, id, now)

	*now = testStart + testDur + NativeGracePeriod + 1
	if err := engine.Payment(id, renterAddr, big.NewInt(testCost)); err != nil {
		t.Fatalf("late payment: %v", err)
	}
	fee := testCost * testFeeBps / FeeDenominator
	if got := state.balance(arbAddr).Int64(); got != fee {
		t.Fatalf("arbitrator received %d, want %d", got, fee)
	}
	if got := state.balance(lessorAddr).Int64(); got != testCost-fee+testDeposit {
		t.Fatalf("lessor received %d, want %d", got, testCost-fee+testDeposit)
	}
	if got := state.balance(renterAddr).Int64(); got != 2*testCost-testCost-testDeposit {
		t.Fatalf("renter kept %d, deposit should be forfeited", got)
	}
	if got := state.held[id].Int64(); got != 0 {
		t.Fatalf("escrow still holds %d after settlement", got)
	}
}

func TestPaymentRequiresRequest(t *testing.T) {
	engine, _, _, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)
	if err := engine.Payment(id, renterAddr, big.NewInt(testCost)); !errors.Is(err, ErrStateGuard) {
		t.Fatalf("expected state guard, got %v", err)
	}
}

func TestCancelBeforeRequestReturnsDeposit(t *testing.T) {
	engine, state, _, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)
	before := state.balance(renterAddr)
	if err := engine.Cancel(id, renterAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized cancel, got %v", err)
	}
	if err := engine.Cancel(id, lessorAddr); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after := state.balance(renterAddr)
	if diff := new(big.Int).Sub(after, before); diff.Int64() != testDeposit {
		t.Fatalf("renter recovered %s, want full deposit with no fee", diff)
	}
	if got := state.balance(arbAddr).Int64(); got != 0 {
		t.Fatalf("no fee may be taken on a no-dispute cancel, arbitrator has %d", got)
	}
	inst, _ := engine.Snapshot(id)
	if !inst.Progress.Ended {
		t.Fatalf("expected ended after cancel")
	}
}

func TestCancelAfterRequestRejected(t *testing.T) {
	engine, _, now, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)
	mustFinish(t, engine, id, now)
	if err := engine.Cancel(id, lessorAddr); !errors.Is(err, ErrStateGuard) {
		t.Fatalf("expected state guard after request, got %v", err)
	}
}

func TestAbortForfeitsDepositToLessor(t *testing.T) {
	engine, state, now, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)
	mustFinish(t, engine, id, now)

	if err := engine.Abort(id, lessorAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized abort, got %v", err)
	}
	if err := engine.Abort(id, arbAddr); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("abort inside the grace window must wait, got %v", err)
	}
	*now = testStart + testDur + 3*NativeGracePeriod
	if err := engine.Abort(id, arbAddr); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if got := state.balance(lessorAddr).Int64(); got != testDeposit {
		t.Fatalf("lessor received %d, want forfeited deposit %d", got, testDeposit)
	}
	inst, _ := engine.Snapshot(id)
	if !inst.Progress.Ended {
		t.Fatalf("expected ended after abort")
	}
}

func TestAbortRequiresRequest(t *testing.T) {
	engine, _, now, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)
	*now = testStart + 10*testDur
	if err := engine.Abort(id, arbAddr); !errors.Is(err, ErrStateGuard) {
		t.Fatalf("expected state guard, got %v", err)
	}
}

func TestPauseFreezesDeadlines(t *testing.T) {
	engine, _, now, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)

	if err := engine.Pause(id, lessorAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized pause, got %v", err)
	}
	pausedAt := testStart + 100
	*now = pausedAt
	if err := engine.Pause(id, arbAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := engine.Pause(id, arbAddr); !errors.Is(err, ErrAlreadyPaused) {
		t.Fatalf("expected already paused, got %v", err)
	}
	paused, err := engine.IsPaused(id)
	if err != nil || !paused {
		t.Fatalf("expected paused state, got %v %v", paused, err)
	}

	// Wall-clock time passes the rental end, but the clock is frozen.
	*now = testStart + 2*testDur
	if err := engine.Finish(id, lessorAddr); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("frozen clock must reject finish, got %v", err)
	}
	dur, err := engine.PauseDuration(id)
	if err != nil {
		t.Fatalf("pause duration: %v", err)
	}
	if want := *now - pausedAt; dur != want {
		t.Fatalf("pause duration %d, want %d", dur, want)
	}
}

func TestUnpauseLessorWinsShortensWindow(t *testing.T) {
	engine, _, now, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)

	pausedAt := testStart + 100
	*now = pausedAt
	if err := engine.Pause(id, arbAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	const pauseFor = 500
	*now = pausedAt + pauseFor

	if err := engine.Unpause(id, arbAddr, OutcomeRenterWins); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("renter-favoured unpause must be rejected, got %v", err)
	}
	if err := engine.Unpause(id, arbAddr, OutcomeLessorWins); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	inst, _ := engine.Snapshot(id)
	if want := testStart + testDur - pauseFor; inst.Progress.RentEndTime != want {
		t.Fatalf("rent end time %d, want shortened to %d", inst.Progress.RentEndTime, want)
	}
	if inst.IsPaused() {
		t.Fatalf("expected pause cleared")
	}
	if inst.Progress.PauseCount != 1 {
		t.Fatalf("pause count %d, want 1", inst.Progress.PauseCount)
	}
	if err := engine.Unpause(id, arbAddr, OutcomeLessorWins); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected not paused, got %v", err)
	}
}

func TestResolveCancelRenterWins(t *testing.T) {
	engine, state, now, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)
	*now = testStart + 200
	if err := engine.Pause(id, arbAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	before := state.balance(renterAddr)

	if err := engine.ResolveCancel(id, lessorAddr, OutcomeRenterWins); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized resolve, got %v", err)
	}
	if err := engine.ResolveCancel(id, arbAddr, DisputeOutcome(9)); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected invalid outcome, got %v", err)
	}
	if err := engine.ResolveCancel(id, arbAddr, OutcomeRenterWins); err != nil {
		t.Fatalf("resolve cancel: %v", err)
	}
	fee := testDeposit * testFeeBps / FeeDenominator
	if got := state.balance(arbAddr).Int64(); got != fee {
		t.Fatalf("arbitrator fee %d, want %d (computed against the deposit)", got, fee)
	}
	recovered := new(big.Int).Sub(state.balance(renterAddr), before)
	if recovered.Int64() != testDeposit-fee {
		t.Fatalf("renter recovered %s, want deposit minus fee %d", recovered, testDeposit-fee)
	}
	inst, _ := engine.Snapshot(id)
	if !inst.Progress.Ended {
		t.Fatalf("expected ended after arbitrated cancel")
	}
}

func TestResolveCancelLessorWins(t *testing.T) {
	engine, state, _, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)
	if err := engine.ResolveCancel(id, arbAddr, OutcomeLessorWins); err != nil {
		t.Fatalf("resolve cancel: %v", err)
	}
	fee := testDeposit * testFeeBps / FeeDenominator
	if got := state.balance(lessorAddr).Int64(); got != testDeposit-fee {
		t.Fatalf("lessor received %d, want forfeited deposit minus fee", got)
	}
	if got := state.balance(arbAddr).Int64(); got != fee {
		t.Fatalf("arbitrator fee %d, want %d", got, fee)
	}
}

func TestEndedIsAbsorbing(t *testing.T) {
	engine, _, now, id := newTestEngine(t, RailNative)
	mustDeposit(t, engine, id)
	mustFinish(t, engine, id, now)
	if err := engine.Payment(id, renterAddr, big.NewInt(testCost)); err != nil {
		t.Fatalf("payment: %v", err)
	}
	before, _ := engine.Snapshot(id)

	ops := map[string]func() error{
		"deposit": func() error { return engine.Deposit(id, renterAddr, big.NewInt(testDeposit)) },
		"finish":  func() error { return engine.Finish(id, lessorAddr) },
		"payment": func() error { return engine.Payment(id, renterAddr, big.NewInt(testCost)) },
		"cancel":  func() error { return engine.Cancel(id, lessorAddr) },
		"resolve": func() error { return engine.ResolveCancel(id, arbAddr, OutcomeRenterWins) },
		"abort":   func() error { return engine.Abort(id, arbAddr) },
		"pause":   func() error { return engine.Pause(id, arbAddr) },
		"unpause": func() error { return engine.Unpause(id, arbAddr, OutcomeLessorWins) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrEnded) {
			t.Fatalf("%s against an ended escrow: got %v, want ErrEnded", name, err)
		}
	}
	after, _ := engine.Snapshot(id)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("ended escrow mutated by rejected operations:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestValueConservationPerTerminalPath(t *testing.T) {
	type scenario struct {
		name string
		run  func(e *Engine, now *int64, id [32]byte) error
	}
	scenarios := []scenario{
		{"on_time_payment", func(e *Engine, now *int64, id [32]byte) error {
			mustFinishErrless(e, now, id)
			return e.Payment(id, renterAddr, big.NewInt(testCost))
		}},
		{"late_payment", func(e *Engine, now *int64, id [32]byte) error {
			mustFinishErrless(e, now, id)
			*now += NativeGracePeriod + 10
			return e.Payment(id, renterAddr, big.NewInt(testCost))
		}},
		{"cancel", func(e *Engine, now *int64, id [32]byte) error {
			return e.Cancel(id, lessorAddr)
		}},
		{"resolve_renter", func(e *Engine, now *int64, id [32]byte) error {
			return e.ResolveCancel(id, arbAddr, OutcomeRenterWins)
		}},
		{"resolve_lessor", func(e *Engine, now *int64, id [32]byte) error {
			return e.ResolveCancel(id, arbAddr, OutcomeLessorWins)
		}},
		{"abort", func(e *Engine, now *int64, id [32]byte) error {
			mustFinishErrless(e, now, id)
			*now += 3 * NativeGracePeriod
			return e.Abort(id, arbAddr)
		}},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			engine, state, now, id := newTestEngine(t, RailNative)
			mustDeposit(t, engine, id)
			total := func() *big.Int {
				sum := big.NewInt(0)
				for _, acc := range state.accounts {
					sum.Add(sum, acc.Balance)
				}
				return sum
			}
			before := total()
			if err := sc.run(engine, now, id); err != nil {
				t.Fatalf("scenario: %v", err)
			}
			if after := total(); after.Cmp(before) != 0 {
				t.Fatalf("value not conserved: before %s after %s", before, after)
			}
			if held := state.held[id]; held.Sign() != 0 {
				t.Fatalf("escrow still holds %s after terminal transition", held)
			}
			inst, _ := engine.Snapshot(id)
			if !inst.Progress.Ended {
				t.Fatalf("scenario did not end the escrow")
			}
		})
	}
}

func mustFinishErrless(e *Engine, now *int64, id [32]byte) {
	*now = testStart + testDur
	_ = e.Finish(id, lessorAddr)
}

func TestEventsCarryIdentity(t *testing.T) {
	engine, _, _, id := newTestEngine(t, RailNative)
	recorder := &recordingEmitter{}
	engine.SetEmitter(recorder)
	mustDeposit(t, engine, id)
	evt := recorder.last()
	if evt == nil || evt.Type != EventTypeDeposited {
		t.Fatalf("expected deposited event, got %+v", evt)
	}
	if evt.Attributes["rail"] != "native" {
		t.Fatalf("event missing rail attribute: %+v", evt.Attributes)
	}
	if evt.Attributes["status"] != "active" {
		t.Fatalf("event status %q, want active", evt.Attributes["status"])
	}
}

func TestReasonCodesAreStable(t *testing.T) {
	cases := map[error]ReasonCode{
		ErrStateGuard:         ReasonStateGuard,
		ErrUnauthorized:       ReasonUnauthorized,
		ErrDeadlineNotReached: ReasonDeadlineNotReached,
		ErrAmountMismatch:     ReasonAmountMismatch,
		ErrEnded:              ReasonEnded,
		ErrWalletUnbound:      ReasonWalletUnbound,
	}
	for err, want := range cases {
		if got := Reason(fmt.Errorf("wrapped: %w", err)); got != want {
			t.Fatalf("reason for %v: got %d want %d", err, got, want)
		}
	}
	if got := Reason(errors.New("infrastructure failure")); got != ReasonNone {
		t.Fatalf("unknown errors must not map to a bounce code, got %d", got)
	}
}
