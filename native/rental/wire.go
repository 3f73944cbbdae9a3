package rental

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// Inbound operation identifiers. The high-entropy values predate this
// implementation and are kept for wire compatibility; the low values cover
// operations that previously travelled as text commands. All must stay
// distinct and stable.
const (
	OpDeposit        uint32 = 0x01
	OpFinish         uint32 = 0x02
	OpPayment        uint32 = 0x03
	OpAbortRent      uint32 = 0x04
	OpCancelRent     uint32 = 0x34bae2ab
	OpSetTokenWallet uint32 = 0x70eecd6f
	OpPauseRent      uint32 = 0x92720da6
	OpUnpauseRent    uint32 = 0xe30a304d

	// Token wallet protocol, shared with the wallet contract pair.
	OpTokenTransfer uint32 = 0x0f8a7ea5
	OpTokenNotify   uint32 = 0x7362d09c
)

const envelopeHeaderLen = 12

// Message is a decoded inbound envelope: a fixed 4-byte operation tag, an
// 8-byte caller-chosen query identifier, and an op-specific RLP body.
type Message struct {
	Op      uint32
	QueryID uint64
	Body    []byte
}

// CancelBody carries the optional dispute-outcome selector of a CancelRent.
// A zero outcome means the plain lessor cancellation; a valid outcome routes
// through the arbitrated path.
type CancelBody struct {
	Outcome uint8
}

// UnpauseBody carries the mandatory dispute-outcome selector of an unpause.
type UnpauseBody struct {
	Outcome uint8
}

// SetWalletBody carries the discovered token wallet address.
type SetWalletBody struct {
	Wallet [20]byte
}

// TokenNotifyBody mirrors the wallet contract's transfer notification: the
// transferred amount and the party that originally sent the tokens.
type TokenNotifyBody struct {
	Amount *big.Int
	Sender [20]byte
}

// TokenTransferBody is the outbound transfer instruction the escrow issues
// to its own wallet contract.
type TokenTransferBody struct {
	Amount *big.Int
	To     [20]byte
	Memo   string
}

// EncodeMessage serialises an envelope with an already-encoded body.
func EncodeMessage(op uint32, queryID uint64, body []byte) []byte {
	buf := make([]byte, envelopeHeaderLen, envelopeHeaderLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], op)
	binary.BigEndian.PutUint64(buf[4:12], queryID)
	return append(buf, body...)
}

// EncodeBody RLP-encodes an op body for embedding in an envelope.
func EncodeBody(body interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(body)
}

// DecodeMessage splits a raw inbound message into its envelope parts. The
// body is returned undecoded; interpretation is op-specific.
func DecodeMessage(raw []byte) (*Message, error) {
	if len(raw) < envelopeHeaderLen {
		return nil, fmt.Errorf("%w: truncated envelope", ErrBadMessage)
	}
	return &Message{
		Op:      binary.BigEndian.Uint32(raw[0:4]),
		QueryID: binary.BigEndian.Uint64(raw[4:12]),
		Body:    raw[envelopeHeaderLen:],
	}, nil
}

func decodeBody(body []byte, into interface{}) error {
	if err := rlp.DecodeBytes(body, into); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return nil
}

// Apply decodes a raw inbound message and routes it to the matching engine
// operation. Native value attached to the message is passed through for the
// fund-carrying operations. Every failure leaves state untouched; the
// returned error's Reason identifies the bounce code for the caller.
func (e *Engine) Apply(id [32]byte, sender [20]byte, value *big.Int, raw []byte) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return err
	}
	switch msg.Op {
	case OpDeposit:
		return e.Deposit(id, sender, value)
	case OpFinish:
		return e.Finish(id, sender)
	case OpPayment:
		return e.Payment(id, sender, value)
	case OpAbortRent:
		return e.Abort(id, sender)
	case OpCancelRent:
		var body CancelBody
		if len(msg.Body) > 0 {
			if err := decodeBody(msg.Body, &body); err != nil {
				return err
			}
		}
		if body.Outcome == 0 {
			return e.Cancel(id, sender)
		}
		return e.ResolveCancel(id, sender, DisputeOutcome(body.Outcome))
	case OpPauseRent:
		return e.Pause(id, sender)
	case OpUnpauseRent:
		var body UnpauseBody
		if err := decodeBody(msg.Body, &body); err != nil {
			return err
		}
		return e.Unpause(id, sender, DisputeOutcome(body.Outcome))
	case OpSetTokenWallet:
		var body SetWalletBody
		if err := decodeBody(msg.Body, &body); err != nil {
			return err
		}
		return e.BindTokenWallet(id, sender, body.Wallet)
	case OpTokenNotify:
		var body TokenNotifyBody
		if err := decodeBody(msg.Body, &body); err != nil {
			return err
		}
		return e.HandleTokenNotification(id, sender, body.Sender, body.Amount)
	default:
		return fmt.Errorf("%w: unknown op 0x%x", ErrBadMessage, msg.Op)
	}
}
