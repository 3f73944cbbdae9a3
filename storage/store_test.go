package storage

import (
	"math/big"
	"testing"

	"p2prent/core/types"
	"p2prent/native/rental"
)

func testInstance(fill byte) *rental.Instance {
	var id [32]byte
	var arb, lessor, renter, wallet [20]byte
	for i := range id {
		id[i] = fill
	}
	for i := range arb {
		arb[i] = fill + 1
		lessor[i] = fill + 2
		renter[i] = fill + 3
		wallet[i] = fill + 4
	}
	return &rental.Instance{
		Terms: rental.Terms{
			ID:          id,
			Arbitrator:  arb,
			Lessor:      lessor,
			Renter:      renter,
			Metadata:    []byte("apartment 3b"),
			Cost:        big.NewInt(1_000_000_000),
			FeeBps:      250,
			Duration:    86_400,
			Rail:        rental.RailToken,
			DepositSize: big.NewInt(400_000_000),
			CreatedAt:   1_900_000_000,
		},
		Progress: rental.Progress{
			Initialized:   true,
			Deposit:       big.NewInt(400_000_000),
			RentEndTime:   1_900_086_400,
			Requested:     true,
			DelayDeadline: 1_900_087_000,
			PausedAt:      1_900_086_500,
			PauseCount:    2,
			Wallet:        wallet,
			WalletState:   rental.WalletBound,
		},
	}
}

func TestRentalRoundTrip(t *testing.T) {
	store := NewStore(NewMemDB())
	want := testInstance(0x11)
	if err := store.RentalPut(want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := store.RentalGet(want.Terms.ID)
	if !ok {
		t.Fatalf("instance not found after put")
	}
	if got.Terms.Arbitrator != want.Terms.Arbitrator ||
		got.Terms.Lessor != want.Terms.Lessor ||
		got.Terms.Renter != want.Terms.Renter ||
		string(got.Terms.Metadata) != string(want.Terms.Metadata) ||
		got.Terms.Cost.Cmp(want.Terms.Cost) != 0 ||
		got.Terms.FeeBps != want.Terms.FeeBps ||
		got.Terms.Duration != want.Terms.Duration ||
		got.Terms.Rail != want.Terms.Rail ||
		got.Terms.DepositSize.Cmp(want.Terms.DepositSize) != 0 ||
		got.Terms.CreatedAt != want.Terms.CreatedAt {
		t.Fatalf("terms did not survive the round trip: %+v", got.Terms)
	}
	if got.Progress.Initialized != want.Progress.Initialized ||
		got.Progress.Deposit.Cmp(want.Progress.Deposit) != 0 ||
		got.Progress.RentEndTime != want.Progress.RentEndTime ||
		got.Progress.Requested != want.Progress.Requested ||
		got.Progress.DelayDeadline != want.Progress.DelayDeadline ||
		got.Progress.Ended != want.Progress.Ended ||
		got.Progress.PausedAt != want.Progress.PausedAt ||
		got.Progress.PauseCount != want.Progress.PauseCount ||
		got.Progress.Wallet != want.Progress.Wallet ||
		got.Progress.WalletState != want.Progress.WalletState {
		t.Fatalf("progress did not survive the round trip: %+v", got.Progress)
	}
}

func TestRentalGetUnknown(t *testing.T) {
	store := NewStore(NewMemDB())
	if _, ok := store.RentalGet([32]byte{0xFF}); ok {
		t.Fatalf("unknown ID must report not found")
	}
}

func TestRentalPutRejectsInvalid(t *testing.T) {
	store := NewStore(NewMemDB())
	bad := testInstance(0x22)
	bad.Terms.Cost = big.NewInt(0)
	if err := store.RentalPut(bad); err == nil {
		t.Fatalf("invalid instance must be rejected")
	}
}

func TestRentalList(t *testing.T) {
	store := NewStore(NewMemDB())
	a := testInstance(0x31)
	b := testInstance(0x41)
	for _, inst := range []*rental.Instance{a, b} {
		if err := store.RentalPut(inst); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	// Overwrite must not duplicate the index entry.
	if err := store.RentalPut(a); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	list, err := store.RentalList()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(list))
	}
}

func TestHeldBalance(t *testing.T) {
	store := NewStore(NewMemDB())
	id := [32]byte{0x51}
	if err := store.RentalCredit(id, big.NewInt(700)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := store.RentalDebit(id, big.NewInt(200)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	held, err := store.RentalHeld(id)
	if err != nil || held.Int64() != 500 {
		t.Fatalf("expected held 500, got %v %v", held, err)
	}
	if err := store.RentalDebit(id, big.NewInt(501)); err == nil {
		t.Fatalf("overdraw must fail")
	}
}

func TestAccountPersistence(t *testing.T) {
	store := NewStore(NewMemDB())
	addr := []byte{1, 2, 3}
	acc, err := store.GetAccount(addr)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if acc.Balance.Sign() != 0 {
		t.Fatalf("fresh account must start empty")
	}
	acc.Nonce = 3
	acc.Balance = big.NewInt(12345)
	if err := store.PutAccount(addr, acc); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetAccount(addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Nonce != 3 || got.Balance.Int64() != 12345 {
		t.Fatalf("account did not survive the round trip: %+v", got)
	}
	acc.Balance = big.NewInt(-1)
	if err := store.PutAccount(addr, acc); err == nil {
		t.Fatalf("negative balance must be rejected")
	}
}

func TestRegistryState(t *testing.T) {
	store := NewStore(NewMemDB())
	if _, ok, err := store.RegistryOwnerGet(); err != nil || ok {
		t.Fatalf("fresh store must have no owner: %v %v", ok, err)
	}
	owner := [20]byte{0xAA}
	if err := store.RegistryOwnerPut(owner); err != nil {
		t.Fatalf("owner put: %v", err)
	}
	got, ok, err := store.RegistryOwnerGet()
	if err != nil || !ok || got != owner {
		t.Fatalf("owner round trip failed: %x %v %v", got, ok, err)
	}
	mods := [][20]byte{{0x01}, {0x02}}
	if err := store.RegistryModeratorsPut(mods); err != nil {
		t.Fatalf("mods put: %v", err)
	}
	back, err := store.RegistryModeratorsGet()
	if err != nil || len(back) != 2 || back[0] != mods[0] || back[1] != mods[1] {
		t.Fatalf("moderators round trip failed: %v %v", back, err)
	}
}

func TestVaultAddressStable(t *testing.T) {
	store := NewStore(NewMemDB())
	a, err := store.VaultAddress()
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	b, _ := store.VaultAddress()
	if a != b || a == ([20]byte{}) {
		t.Fatalf("vault address must be fixed and non-zero")
	}
}

func TestStoreBacksEngine(t *testing.T) {
	store := NewStore(NewMemDB())
	inst := testInstance(0x61)
	inst.Progress = rental.Progress{Deposit: big.NewInt(0)}
	inst.Terms.Rail = rental.RailNative
	if err := store.RentalPut(inst); err != nil {
		t.Fatalf("put: %v", err)
	}

	renter := inst.Terms.Renter
	if err := store.PutAccount(renter[:], &types.Account{Balance: big.NewInt(2_000_000_000)}); err != nil {
		t.Fatalf("fund renter: %v", err)
	}

	eng := rental.NewEngine()
	eng.SetState(store)
	now := inst.Terms.CreatedAt
	eng.SetNowFunc(func() int64 { return now })

	if err := eng.Deposit(inst.Terms.ID, renter, big.NewInt(400_000_000)); err != nil {
		t.Fatalf("deposit through store: %v", err)
	}
	got, ok := store.RentalGet(inst.Terms.ID)
	if !ok || !got.Progress.Initialized {
		t.Fatalf("deposit not persisted")
	}
	held, err := store.RentalHeld(inst.Terms.ID)
	if err != nil || held.Int64() != 400_000_000 {
		t.Fatalf("held balance not tracked: %v %v", held, err)
	}
}
