package storage

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"p2prent/core/types"
	"p2prent/native/rental"
)

var (
	rentalPrefix  = []byte("rental:")
	accountPrefix = []byte("acct:")
	heldPrefix    = []byte("held:")
	rentalIndex   = []byte("rental-index")
	ownerKey      = []byte("reg:owner")
	modsKey       = []byte("reg:mods")
)

// vaultSeed pins the vault ledger address so already-escrowed funds stay
// reachable across restarts.
const vaultSeed = "p2prent/escrow-vault/v1"

// storedInstance is the RLP image of a rental instance. Timestamps are kept
// unsigned because RLP has no signed integer encoding.
type storedInstance struct {
	ID          [32]byte
	Arbitrator  [20]byte
	Lessor      [20]byte
	Renter      [20]byte
	Metadata    []byte
	Cost        *big.Int
	FeeBps      uint32
	Duration    uint64
	Rail        uint8
	DepositSize *big.Int
	CreatedAt   uint64

	Initialized   bool
	Deposit       *big.Int
	RentEndTime   uint64
	Requested     bool
	DelayDeadline uint64
	Ended         bool
	PausedAt      uint64
	PauseCount    uint32
	Wallet        [20]byte
	WalletState   uint8
}

func toStored(inst *rental.Instance) *storedInstance {
	return &storedInstance{
		ID:          inst.Terms.ID,
		Arbitrator:  inst.Terms.Arbitrator,
		Lessor:      inst.Terms.Lessor,
		Renter:      inst.Terms.Renter,
		Metadata:    inst.Terms.Metadata,
		Cost:        inst.Terms.Cost,
		FeeBps:      inst.Terms.FeeBps,
		Duration:    uint64(inst.Terms.Duration),
		Rail:        uint8(inst.Terms.Rail),
		DepositSize: inst.Terms.DepositSize,
		CreatedAt:   uint64(inst.Terms.CreatedAt),

		Initialized:   inst.Progress.Initialized,
		Deposit:       inst.Progress.Deposit,
		RentEndTime:   uint64(inst.Progress.RentEndTime),
		Requested:     inst.Progress.Requested,
		DelayDeadline: uint64(inst.Progress.DelayDeadline),
		Ended:         inst.Progress.Ended,
		PausedAt:      uint64(inst.Progress.PausedAt),
		PauseCount:    inst.Progress.PauseCount,
		Wallet:        inst.Progress.Wallet,
		WalletState:   uint8(inst.Progress.WalletState),
	}
}

func fromStored(rec *storedInstance) *rental.Instance {
	return &rental.Instance{
		Terms: rental.Terms{
			ID:          rec.ID,
			Arbitrator:  rec.Arbitrator,
			Lessor:      rec.Lessor,
			Renter:      rec.Renter,
			Metadata:    rec.Metadata,
			Cost:        rec.Cost,
			FeeBps:      rec.FeeBps,
			Duration:    int64(rec.Duration),
			Rail:        rental.RailKind(rec.Rail),
			DepositSize: rec.DepositSize,
			CreatedAt:   int64(rec.CreatedAt),
		},
		Progress: rental.Progress{
			Initialized:   rec.Initialized,
			Deposit:       rec.Deposit,
			RentEndTime:   int64(rec.RentEndTime),
			Requested:     rec.Requested,
			DelayDeadline: int64(rec.DelayDeadline),
			Ended:         rec.Ended,
			PausedAt:      int64(rec.PausedAt),
			PauseCount:    rec.PauseCount,
			Wallet:        rec.Wallet,
			WalletState:   rental.WalletState(rec.WalletState),
		},
	}
}

// Store persists rental instances, ledger accounts and the moderator
// registry over a key-value Database. It backs the rental engine, the
// registry and the factory.
type Store struct {
	mu sync.RWMutex
	db Database
}

func NewStore(db Database) *Store {
	return &Store{db: db}
}

func rentalKey(id [32]byte) []byte {
	return append(append([]byte(nil), rentalPrefix...), id[:]...)
}

func accountKey(addr []byte) []byte {
	return append(append([]byte(nil), accountPrefix...), addr...)
}

func heldKey(id [32]byte) []byte {
	return append(append([]byte(nil), heldPrefix...), id[:]...)
}

// RentalPut validates and writes an instance record, maintaining the ID
// index used by RentalList.
func (s *Store) RentalPut(inst *rental.Instance) error {
	sanitized, err := rental.SanitizeInstance(inst)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, err := rlp.EncodeToBytes(toStored(sanitized))
	if err != nil {
		return fmt.Errorf("storage: encode rental: %w", err)
	}
	if err := s.db.Put(rentalKey(sanitized.Terms.ID), blob); err != nil {
		return err
	}
	return s.indexAddLocked(sanitized.Terms.ID)
}

// RentalGet loads an instance by ID. The second return is false when the ID
// is unknown.
func (s *Store) RentalGet(id [32]byte) (*rental.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, err := s.db.Get(rentalKey(id))
	if err != nil {
		return nil, false
	}
	var rec storedInstance
	if err := rlp.DecodeBytes(blob, &rec); err != nil {
		return nil, false
	}
	return fromStored(&rec), true
}

// RentalList returns every stored instance, for operator snapshots.
func (s *Store) RentalList() ([]*rental.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, err := s.indexLocked()
	if err != nil {
		return nil, err
	}
	out := make([]*rental.Instance, 0, len(ids))
	for _, id := range ids {
		blob, err := s.db.Get(rentalKey(id))
		if err != nil {
			return nil, fmt.Errorf("storage: indexed rental %x missing: %w", id, err)
		}
		var rec storedInstance
		if err := rlp.DecodeBytes(blob, &rec); err != nil {
			return nil, fmt.Errorf("storage: decode rental %x: %w", id, err)
		}
		out = append(out, fromStored(&rec))
	}
	return out, nil
}

func (s *Store) indexLocked() ([][32]byte, error) {
	blob, err := s.db.Get(rentalIndex)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids [][32]byte
	if err := rlp.DecodeBytes(blob, &ids); err != nil {
		return nil, fmt.Errorf("storage: decode rental index: %w", err)
	}
	return ids, nil
}

func (s *Store) indexAddLocked(id [32]byte) error {
	ids, err := s.indexLocked()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	blob, err := rlp.EncodeToBytes(append(ids, id))
	if err != nil {
		return err
	}
	return s.db.Put(rentalIndex, blob)
}

// RentalCredit increases the escrowed amount tracked for an instance.
func (s *Store) RentalCredit(id [32]byte, amt *big.Int) error {
	return s.adjustHeld(id, amt, false)
}

// RentalDebit decreases the escrowed amount tracked for an instance. It
// fails rather than letting the held balance go negative.
func (s *Store) RentalDebit(id [32]byte, amt *big.Int) error {
	return s.adjustHeld(id, amt, true)
}

func (s *Store) adjustHeld(id [32]byte, amt *big.Int, debit bool) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("storage: invalid escrow adjustment")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	held := big.NewInt(0)
	blob, err := s.db.Get(heldKey(id))
	if err == nil {
		held.SetBytes(blob)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if debit {
		if held.Cmp(amt) < 0 {
			return fmt.Errorf("storage: escrow underflow for %x", id)
		}
		held.Sub(held, amt)
	} else {
		held.Add(held, amt)
	}
	return s.db.Put(heldKey(id), held.Bytes())
}

// RentalHeld reports the escrowed amount currently tracked for an instance.
func (s *Store) RentalHeld(id [32]byte) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, err := s.db.Get(heldKey(id))
	if errors.Is(err, ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(blob), nil
}

// VaultAddress returns the ledger address escrowed funds are parked under.
func (s *Store) VaultAddress() ([20]byte, error) {
	sum := gethcrypto.Keccak256([]byte(vaultSeed))
	var addr [20]byte
	copy(addr[:], sum[12:])
	return addr, nil
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// GetAccount loads a ledger account, returning a fresh zero-balance account
// for unknown addresses.
func (s *Store) GetAccount(addr []byte) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, err := s.db.Get(accountKey(addr))
	if errors.Is(err, ErrNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec storedAccount
	if err := rlp.DecodeBytes(blob, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode account: %w", err)
	}
	balance := rec.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	return &types.Account{Nonce: rec.Nonce, Balance: balance}, nil
}

// PutAccount writes a ledger account.
func (s *Store) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("storage: nil account")
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("storage: negative balance")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, err := rlp.EncodeToBytes(&storedAccount{Nonce: account.Nonce, Balance: balance})
	if err != nil {
		return fmt.Errorf("storage: encode account: %w", err)
	}
	return s.db.Put(accountKey(addr), blob)
}

// RegistryOwnerGet returns the registry owner and whether one is set.
func (s *Store) RegistryOwnerGet() ([20]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, err := s.db.Get(ownerKey)
	if errors.Is(err, ErrNotFound) {
		return [20]byte{}, false, nil
	}
	if err != nil {
		return [20]byte{}, false, err
	}
	if len(blob) != 20 {
		return [20]byte{}, false, fmt.Errorf("storage: malformed registry owner record")
	}
	var owner [20]byte
	copy(owner[:], blob)
	return owner, true, nil
}

func (s *Store) RegistryOwnerPut(owner [20]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(ownerKey, owner[:])
}

func (s *Store) RegistryModeratorsGet() ([][20]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, err := s.db.Get(modsKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var mods [][20]byte
	if err := rlp.DecodeBytes(blob, &mods); err != nil {
		return nil, fmt.Errorf("storage: decode moderators: %w", err)
	}
	return mods, nil
}

func (s *Store) RegistryModeratorsPut(mods [][20]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, err := rlp.EncodeToBytes(mods)
	if err != nil {
		return fmt.Errorf("storage: encode moderators: %w", err)
	}
	return s.db.Put(modsKey, blob)
}
