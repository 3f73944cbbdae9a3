package rental

import (
	"errors"
	"math/big"
	"testing"
)

func encodeOp(t *testing.T, op uint32, body interface{}) []byte {
	t.Helper()
	if body == nil {
		return EncodeMessage(op, 7, nil)
	}
	encoded, err := EncodeBody(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	return EncodeMessage(op, 7, encoded)
}

func TestDecodeMessageRoundTrip(t *testing.T) {
	raw := encodeOp(t, OpSetTokenWallet, SetWalletBody{Wallet: walletAddr})
	msg, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Op != OpSetTokenWallet || msg.QueryID != 7 {
		t.Fatalf("envelope mismatch: %+v", msg)
	}
	var body SetWalletBody
	if err := decodeBody(msg.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Wallet != walletAddr {
		t.Fatalf("wallet round trip failed")
	}
}

func TestDecodeMessageTruncated(t *testing.T) {
	if _, err := DecodeMessage([]byte{0x01, 0x02}); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("expected bad message, got %v", err)
	}
}

func TestOpIdentifiersDistinct(t *testing.T) {
	ops := []uint32{
		OpDeposit, OpFinish, OpPayment, OpAbortRent,
		OpCancelRent, OpSetTokenWallet, OpPauseRent, OpUnpauseRent,
		OpTokenTransfer, OpTokenNotify,
	}
	seen := make(map[uint32]bool, len(ops))
	for _, op := range ops {
		if seen[op] {
			t.Fatalf("duplicate op identifier 0x%x", op)
		}
		seen[op] = true
	}
}

func TestApplyRoutesFullLifecycle(t *testing.T) {
	engine, state, now, id := newTestEngine(t, RailNative)

	if err := engine.Apply(id, renterAddr, big.NewInt(testDeposit), encodeOp(t, OpDeposit, nil)); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
	*now = testStart + testDur
	if err := engine.Apply(id, lessorAddr, nil, encodeOp(t, OpFinish, nil)); err != nil {
		t.Fatalf("apply finish: %v", err)
	}
	if err := engine.Apply(id, renterAddr, big.NewInt(testCost), encodeOp(t, OpPayment, nil)); err != nil {
		t.Fatalf("apply payment: %v", err)
	}
	inst, _ := engine.Snapshot(id)
	if !inst.Progress.Ended {
		t.Fatalf("lifecycle via messages did not end the escrow")
	}
	if got := state.held[id].Int64(); got != 0 {
		t.Fatalf("escrow still holds %d", got)
	}
}

func TestApplyCancelSelectsPathByOutcome(t *testing.T) {
	engine, state, _, id := newTestEngine(t, RailNative)
	if err := engine.Apply(id, renterAddr, big.NewInt(testDeposit), encodeOp(t, OpDeposit, nil)); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
	// Arbitrated path: CancelRent carrying an outcome selector.
	raw := encodeOp(t, OpCancelRent, CancelBody{Outcome: uint8(OutcomeRenterWins)})
	if err := engine.Apply(id, arbAddr, nil, raw); err != nil {
		t.Fatalf("apply arbitrated cancel: %v", err)
	}
	fee := testDeposit * testFeeBps / FeeDenominator
	if got := state.balance(arbAddr).Int64(); got != fee {
		t.Fatalf("arbitrated cancel fee %d, want %d", got, fee)
	}
}

func TestApplyPlainCancelWithoutBody(t *testing.T) {
	engine, state, _, id := newTestEngine(t, RailNative)
	if err := engine.Apply(id, renterAddr, big.NewInt(testDeposit), encodeOp(t, OpDeposit, nil)); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
	before := state.balance(renterAddr)
	if err := engine.Apply(id, lessorAddr, nil, encodeOp(t, OpCancelRent, nil)); err != nil {
		t.Fatalf("apply plain cancel: %v", err)
	}
	diff := new(big.Int).Sub(state.balance(renterAddr), before)
	if diff.Int64() != testDeposit {
		t.Fatalf("plain cancel must return the full deposit, got %s", diff)
	}
}

func TestApplyPauseUnpause(t *testing.T) {
	engine, _, now, id := newTestEngine(t, RailNative)
	if err := engine.Apply(id, renterAddr, big.NewInt(testDeposit), encodeOp(t, OpDeposit, nil)); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
	*now = testStart + 50
	if err := engine.Apply(id, arbAddr, nil, encodeOp(t, OpPauseRent, nil)); err != nil {
		t.Fatalf("apply pause: %v", err)
	}
	*now = testStart + 250
	raw := encodeOp(t, OpUnpauseRent, UnpauseBody{Outcome: uint8(OutcomeLessorWins)})
	if err := engine.Apply(id, arbAddr, nil, raw); err != nil {
		t.Fatalf("apply unpause: %v", err)
	}
	inst, _ := engine.Snapshot(id)
	if want := testStart + testDur - 200; inst.Progress.RentEndTime != want {
		t.Fatalf("rent end time %d, want %d", inst.Progress.RentEndTime, want)
	}
}

func TestApplyTokenNotification(t *testing.T) {
	engine, _, _, id := newTokenEngine(t)
	bindWallet(t, engine, id)
	raw := encodeOp(t, OpTokenNotify, TokenNotifyBody{
		Amount: big.NewInt(testDeposit),
		Sender: renterAddr,
	})
	if err := engine.Apply(id, walletAddr, nil, raw); err != nil {
		t.Fatalf("apply token notification: %v", err)
	}
	inst, _ := engine.Snapshot(id)
	if !inst.Progress.Initialized {
		t.Fatalf("token deposit via message not recorded")
	}
}

func TestApplyUnknownOp(t *testing.T) {
	engine, _, _, id := newTestEngine(t, RailNative)
	if err := engine.Apply(id, renterAddr, nil, EncodeMessage(0xdeadbeef, 0, nil)); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("expected bad message, got %v", err)
	}
}

func TestApplyMalformedBody(t *testing.T) {
	engine, _, _, id := newTestEngine(t, RailNative)
	raw := EncodeMessage(OpUnpauseRent, 0, []byte{0xff, 0xfe})
	if err := engine.Apply(id, arbAddr, nil, raw); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("expected bad message for garbage body, got %v", err)
	}
}
