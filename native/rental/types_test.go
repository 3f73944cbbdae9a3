package rental

import (
	"math/big"
	"testing"
)

func validInstance() *Instance {
	return &Instance{Terms: testTerms(newTestID(0x22), RailNative)}
}

func TestSanitizeInstanceValidation(t *testing.T) {
	if _, err := SanitizeInstance(nil); err == nil {
		t.Fatalf("expected nil instance error")
	}
	inst := validInstance()
	if _, err := SanitizeInstance(inst); err != nil {
		t.Fatalf("unexpected sanitize error: %v", err)
	}
	zeroCost := validInstance()
	zeroCost.Terms.Cost = big.NewInt(0)
	if _, err := SanitizeInstance(zeroCost); err == nil {
		t.Fatalf("expected cost validation error")
	}
	badFee := validInstance()
	badFee.Terms.FeeBps = FeeDenominator + 1
	if _, err := SanitizeInstance(badFee); err == nil {
		t.Fatalf("expected fee bps range error")
	}
	badRail := validInstance()
	badRail.Terms.Rail = RailKind(9)
	if _, err := SanitizeInstance(badRail); err == nil {
		t.Fatalf("expected rail validation error")
	}
	tokenNoDeposit := validInstance()
	tokenNoDeposit.Terms.Rail = RailToken
	tokenNoDeposit.Terms.DepositSize = big.NewInt(0)
	if _, err := SanitizeInstance(tokenNoDeposit); err == nil {
		t.Fatalf("expected token deposit size error")
	}
	orphanRequest := validInstance()
	orphanRequest.Progress.Requested = true
	if _, err := SanitizeInstance(orphanRequest); err == nil {
		t.Fatalf("requested without initialization must be rejected")
	}
}

func TestCloneIsDeep(t *testing.T) {
	inst := validInstance()
	inst.Progress.Deposit = big.NewInt(42)
	clone := inst.Clone()
	clone.Progress.Deposit.SetInt64(99)
	clone.Terms.Metadata[0] = 'X'
	if inst.Progress.Deposit.Int64() != 42 {
		t.Fatalf("clone shares deposit with original")
	}
	if inst.Terms.Metadata[0] == 'X' {
		t.Fatalf("clone shares metadata with original")
	}
}

func TestStatusDerivation(t *testing.T) {
	inst := validInstance()
	if inst.Status() != StatusCreated {
		t.Fatalf("fresh instance must be created, got %s", inst.Status())
	}
	inst.Progress.Initialized = true
	if inst.Status() != StatusActive {
		t.Fatalf("expected active, got %s", inst.Status())
	}
	inst.Progress.Requested = true
	if inst.Status() != StatusRentRequested {
		t.Fatalf("expected rent_requested, got %s", inst.Status())
	}
	inst.Progress.Ended = true
	if inst.Status() != StatusEnded {
		t.Fatalf("expected ended, got %s", inst.Status())
	}
}

func TestDisputeOutcomeValidity(t *testing.T) {
	if DisputeOutcome(0).Valid() {
		t.Fatalf("zero outcome must be invalid")
	}
	if !OutcomeLessorWins.Valid() || !OutcomeRenterWins.Valid() {
		t.Fatalf("named outcomes must be valid")
	}
	if DisputeOutcome(3).Valid() {
		t.Fatalf("out-of-range outcome must be invalid")
	}
}
