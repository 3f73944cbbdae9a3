// Package factory creates escrow instances with deterministic identifiers
// and enforces that the chosen arbitrator is on the moderator allow-list.
package factory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"p2prent/core/events"
	"p2prent/core/types"
	"p2prent/native/rental"
)

var (
	// ErrConflict is returned when an instance already exists under the
	// derived ID with different terms.
	ErrConflict = errors.New("factory: terms conflict with existing instance")
	// ErrArbitratorNotAllowed rejects arbitrators missing from the
	// moderator allow-list.
	ErrArbitratorNotAllowed = errors.New("factory: arbitrator not on allow-list")

	errNilState = errors.New("factory: state not configured")
)

const EventTypeInstanceCreated = "factory.instance_created"

type factoryState interface {
	RentalPut(*rental.Instance) error
	RentalGet(id [32]byte) (*rental.Instance, bool)
}

// ModeratorChecker is satisfied by the registry engine.
type ModeratorChecker interface {
	IsModerator(addr [20]byte) (bool, error)
}

type factoryEvent struct {
	evt *types.Event
}

func (e factoryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e factoryEvent) Event() *types.Event { return e.evt }

// CreateParams carries everything needed to instantiate an escrow.
type CreateParams struct {
	Arbitrator  [20]byte
	Lessor      [20]byte
	Renter      [20]byte
	Metadata    []byte
	Cost        *big.Int
	FeeBps      uint32
	Duration    int64
	Rail        rental.RailKind
	DepositSize *big.Int
	// Nonce disambiguates otherwise identical agreements between the same
	// parties.
	Nonce uint64
	// TokenWallet optionally pre-seeds the token-rail wallet binding,
	// skipping the discovery handshake.
	TokenWallet [20]byte
}

// Factory instantiates escrows against external state.
type Factory struct {
	state   factoryState
	mods    ModeratorChecker
	emitter events.Emitter
	nowFn   func() int64
}

func NewFactory() *Factory {
	return &Factory{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

func (f *Factory) SetState(state factoryState) { f.state = state }

// SetModeratorChecker wires the registry used to vet arbitrators. When nil,
// the allow-list check is skipped.
func (f *Factory) SetModeratorChecker(m ModeratorChecker) { f.mods = m }

func (f *Factory) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		f.emitter = events.NoopEmitter{}
		return
	}
	f.emitter = emitter
}

func (f *Factory) SetNowFunc(now func() int64) {
	if now == nil {
		f.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	f.nowFn = now
}

func (f *Factory) emit(evt *types.Event) {
	if f == nil || f.emitter == nil || evt == nil {
		return
	}
	f.emitter.Emit(factoryEvent{evt: evt})
}

// DeriveID computes the deterministic instance identifier for the params.
// Two creations with identical parties, metadata and nonce collide on
// purpose so retries are idempotent.
func DeriveID(p CreateParams) [32]byte {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], p.Nonce)
	metaHash := gethcrypto.Keccak256(p.Metadata)
	sum := gethcrypto.Keccak256(
		p.Arbitrator[:],
		p.Lessor[:],
		p.Renter[:],
		metaHash,
		nonce[:],
	)
	var id [32]byte
	copy(id[:], sum)
	return id
}

// Create instantiates an escrow under the derived ID. Re-creating with
// identical params returns the existing ID without mutation; divergent
// params under the same ID return ErrConflict.
func (f *Factory) Create(p CreateParams) ([32]byte, error) {
	if f == nil || f.state == nil {
		return [32]byte{}, errNilState
	}
	id := DeriveID(p)
	inst := &rental.Instance{
		Terms: rental.Terms{
			ID:          id,
			Arbitrator:  p.Arbitrator,
			Lessor:      p.Lessor,
			Renter:      p.Renter,
			Metadata:    append([]byte(nil), p.Metadata...),
			Cost:        cloneBig(p.Cost),
			FeeBps:      p.FeeBps,
			Duration:    p.Duration,
			Rail:        p.Rail,
			DepositSize: cloneBig(p.DepositSize),
			CreatedAt:   f.nowFn(),
		},
	}
	if p.Rail == rental.RailToken && p.TokenWallet != ([20]byte{}) {
		inst.Progress.Wallet = p.TokenWallet
		inst.Progress.WalletState = rental.WalletBound
	}
	sanitized, err := rental.SanitizeInstance(inst)
	if err != nil {
		return [32]byte{}, err
	}
	if existing, ok := f.state.RentalGet(id); ok {
		if !termsEqual(&existing.Terms, &sanitized.Terms) {
			return [32]byte{}, ErrConflict
		}
		return id, nil
	}
	if f.mods != nil {
		allowed, err := f.mods.IsModerator(p.Arbitrator)
		if err != nil {
			return [32]byte{}, err
		}
		if !allowed {
			return [32]byte{}, ErrArbitratorNotAllowed
		}
	}
	if err := f.state.RentalPut(sanitized); err != nil {
		return [32]byte{}, err
	}
	f.emit(&types.Event{Type: EventTypeInstanceCreated, Attributes: map[string]string{
		"id":         fmt.Sprintf("%x", id),
		"arbitrator": fmt.Sprintf("%x", p.Arbitrator),
		"lessor":     fmt.Sprintf("%x", p.Lessor),
		"renter":     fmt.Sprintf("%x", p.Renter),
		"rail":       p.Rail.String(),
	}})
	return id, nil
}

// termsEqual ignores CreatedAt so retried creations match across blocks.
func termsEqual(a, b *rental.Terms) bool {
	return a.ID == b.ID &&
		a.Arbitrator == b.Arbitrator &&
		a.Lessor == b.Lessor &&
		a.Renter == b.Renter &&
		bytes.Equal(a.Metadata, b.Metadata) &&
		a.Cost.Cmp(b.Cost) == 0 &&
		a.FeeBps == b.FeeBps &&
		a.Duration == b.Duration &&
		a.Rail == b.Rail &&
		a.DepositSize.Cmp(b.DepositSize) == 0
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
