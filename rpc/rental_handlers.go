package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"p2prent/native/factory"
	"p2prent/native/rental"
)

const (
	codeRentalInvalidParams = -32021
	codeRentalNotFound      = -32022
	codeRentalForbidden     = -32023
	codeRentalConflict      = -32024
	codeRentalInternal      = -32025
)

type rentalCreateParams struct {
	Arbitrator  string `json:"arbitrator"`
	Lessor      string `json:"lessor"`
	Renter      string `json:"renter"`
	MetaHex     string `json:"meta,omitempty"`
	Cost        string `json:"cost"`
	FeeBps      uint32 `json:"feeBps"`
	Duration    int64  `json:"duration"`
	Rail        string `json:"rail"`
	DepositSize string `json:"depositSize"`
	Nonce       uint64 `json:"nonce"`
	TokenWallet string `json:"tokenWallet,omitempty"`
}

type rentalIDParams struct {
	ID string `json:"id"`
}

type rentalActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type rentalTransferParams struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	Amount string `json:"amount"`
}

type rentalResolveParams struct {
	ID      string `json:"id"`
	Caller  string `json:"caller"`
	Outcome string `json:"outcome,omitempty"`
}

type rentalWalletParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Wallet string `json:"wallet"`
}

type rentalCreateResult struct {
	ID string `json:"id"`
}

type rentalJSON struct {
	ID            string `json:"id"`
	Arbitrator    string `json:"arbitrator"`
	Lessor        string `json:"lessor"`
	Renter        string `json:"renter"`
	Meta          string `json:"meta"`
	Cost          string `json:"cost"`
	FeeBps        uint32 `json:"feeBps"`
	Duration      int64  `json:"duration"`
	Rail          string `json:"rail"`
	DepositSize   string `json:"depositSize"`
	CreatedAt     int64  `json:"createdAt"`
	Status        string `json:"status"`
	Deposit       string `json:"deposit"`
	RentEndTime   int64  `json:"rentEndTime"`
	DelayDeadline int64  `json:"delayDeadline,omitempty"`
	Paused        bool   `json:"paused"`
	PausedAt      int64  `json:"pausedAt,omitempty"`
	PauseCount    uint32 `json:"pauseCount,omitempty"`
	TokenWallet   string `json:"tokenWallet,omitempty"`
}

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %v", raw, err)
	}
	if len(decoded) != 20 {
		return addr, fmt.Errorf("address must be 20 bytes, got %d", len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

func parseID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid id %q: %v", raw, err)
	}
	if len(decoded) != 32 {
		return id, fmt.Errorf("id must be 32 bytes, got %d", len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

func parseRail(raw string) (rental.RailKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "native", "":
		return rental.RailNative, nil
	case "token":
		return rental.RailToken, nil
	default:
		return 0, fmt.Errorf("rail must be native or token")
	}
}

func parseOutcome(raw string) (rental.DisputeOutcome, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "lessor":
		return rental.OutcomeLessorWins, nil
	case "renter":
		return rental.OutcomeRenterWins, nil
	default:
		return 0, fmt.Errorf("outcome must be lessor or renter")
	}
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func (s *Server) invalidParams(w http.ResponseWriter, req *RPCRequest, err error) {
	s.metrics.ObserveFailure(req.Method, "invalid_params")
	writeError(w, http.StatusBadRequest, req.ID, codeRentalInvalidParams, "invalid_params", err.Error())
}

// writeRentalError maps engine errors onto reason-coded RPC errors. The
// numeric reason rides in the error data next to the message.
func (s *Server) writeRentalError(w http.ResponseWriter, req *RPCRequest, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeRentalInternal
	message := "internal_error"
	reason := rental.Reason(err)
	switch {
	case errors.Is(err, rental.ErrNotFound):
		status = http.StatusNotFound
		code = codeRentalNotFound
		message = "not_found"
	case errors.Is(err, rental.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeRentalForbidden
		message = "forbidden"
	case errors.Is(err, rental.ErrStateGuard),
		errors.Is(err, rental.ErrDeadlineNotReached),
		errors.Is(err, rental.ErrAmountMismatch),
		errors.Is(err, rental.ErrEnded),
		errors.Is(err, rental.ErrWalletUnbound),
		errors.Is(err, rental.ErrAlreadyPaused),
		errors.Is(err, rental.ErrNotPaused),
		errors.Is(err, rental.ErrInvalidOutcome):
		status = http.StatusConflict
		code = codeRentalConflict
		message = "conflict"
	case errors.Is(err, factory.ErrConflict):
		status = http.StatusConflict
		code = codeRentalConflict
		message = "conflict"
	case errors.Is(err, factory.ErrArbitratorNotAllowed):
		status = http.StatusForbidden
		code = codeRentalForbidden
		message = "forbidden"
	}
	s.metrics.ObserveFailure(req.Method, fmt.Sprintf("%d", reason))
	data := map[string]interface{}{"detail": err.Error()}
	if reason != rental.ReasonNone {
		data["reason"] = uint16(reason)
	}
	writeError(w, status, req.ID, code, message, data)
}

func (s *Server) handleRentalCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rentalCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	arb, err := parseAddress(params.Arbitrator)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	lessor, err := parseAddress(params.Lessor)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	renter, err := parseAddress(params.Renter)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	cost, err := parsePositiveBigInt(params.Cost)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	deposit, err := parsePositiveBigInt(params.DepositSize)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	rail, err := parseRail(params.Rail)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	var meta []byte
	if params.MetaHex != "" {
		meta, err = hex.DecodeString(strings.TrimPrefix(params.MetaHex, "0x"))
		if err != nil {
			s.invalidParams(w, req, fmt.Errorf("invalid meta: %v", err))
			return
		}
	}
	create := factory.CreateParams{
		Arbitrator:  arb,
		Lessor:      lessor,
		Renter:      renter,
		Metadata:    meta,
		Cost:        cost,
		FeeBps:      params.FeeBps,
		Duration:    params.Duration,
		Rail:        rail,
		DepositSize: deposit,
		Nonce:       params.Nonce,
	}
	if params.TokenWallet != "" {
		wallet, err := parseAddress(params.TokenWallet)
		if err != nil {
			s.invalidParams(w, req, err)
			return
		}
		create.TokenWallet = wallet
	}
	id, err := s.factory.Create(create)
	if err != nil {
		s.writeRentalError(w, req, err)
		return
	}
	if list, listErr := s.store.RentalList(); listErr == nil {
		s.metrics.SetInstanceCount(len(list))
	}
	writeResult(w, req.ID, rentalCreateResult{ID: hex.EncodeToString(id[:])})
}

func (s *Server) handleRentalDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rentalTransferParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	from, err := parseAddress(params.From)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	if err := s.engine.Deposit(id, from, amount); err != nil {
		s.writeRentalError(w, req, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRentalFinish(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorCall(w, req, s.engine.Finish)
}

func (s *Server) handleRentalPayment(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rentalTransferParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	from, err := parseAddress(params.From)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	if err := s.engine.Payment(id, from, amount); err != nil {
		s.writeRentalError(w, req, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRentalCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorCall(w, req, s.engine.Cancel)
}

func (s *Server) handleRentalAbort(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorCall(w, req, s.engine.Abort)
}

func (s *Server) handleRentalPause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorCall(w, req, s.engine.Pause)
}

func (s *Server) actorCall(w http.ResponseWriter, req *RPCRequest, op func([32]byte, [20]byte) error) {
	var params rentalActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	if err := op(id, caller); err != nil {
		s.writeRentalError(w, req, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRentalResolveCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.resolveCall(w, req, s.engine.ResolveCancel)
}

func (s *Server) handleRentalUnpause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.resolveCall(w, req, s.engine.Unpause)
}

func (s *Server) resolveCall(w http.ResponseWriter, req *RPCRequest, op func([32]byte, [20]byte, rental.DisputeOutcome) error) {
	var params rentalResolveParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	outcome, err := parseOutcome(params.Outcome)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	if err := op(id, caller, outcome); err != nil {
		s.writeRentalError(w, req, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRentalSetTokenWallet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rentalWalletParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	wallet, err := parseAddress(params.Wallet)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	if err := s.engine.BindTokenWallet(id, caller, wallet); err != nil {
		s.writeRentalError(w, req, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRentalGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rentalIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	inst, err := s.engine.Snapshot(id)
	if err != nil {
		s.writeRentalError(w, req, err)
		return
	}
	writeResult(w, req.ID, instanceJSON(inst))
}

func instanceJSON(inst *rental.Instance) rentalJSON {
	out := rentalJSON{
		ID:            hex.EncodeToString(inst.Terms.ID[:]),
		Arbitrator:    hex.EncodeToString(inst.Terms.Arbitrator[:]),
		Lessor:        hex.EncodeToString(inst.Terms.Lessor[:]),
		Renter:        hex.EncodeToString(inst.Terms.Renter[:]),
		Meta:          hex.EncodeToString(inst.Terms.Metadata),
		Cost:          inst.Terms.Cost.String(),
		FeeBps:        inst.Terms.FeeBps,
		Duration:      inst.Terms.Duration,
		Rail:          inst.Terms.Rail.String(),
		DepositSize:   inst.Terms.DepositSize.String(),
		CreatedAt:     inst.Terms.CreatedAt,
		Status:        inst.Status().String(),
		Deposit:       inst.Progress.Deposit.String(),
		RentEndTime:   inst.Progress.RentEndTime,
		DelayDeadline: inst.Progress.DelayDeadline,
		Paused:        inst.IsPaused(),
		PausedAt:      inst.Progress.PausedAt,
		PauseCount:    inst.Progress.PauseCount,
	}
	if inst.Progress.WalletState == rental.WalletBound {
		out.TokenWallet = hex.EncodeToString(inst.Progress.Wallet[:])
	}
	return out
}

func (s *Server) handleRentalIsPaused(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rentalIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	paused, err := s.engine.IsPaused(id)
	if err != nil {
		s.writeRentalError(w, req, err)
		return
	}
	writeResult(w, req.ID, paused)
}

func (s *Server) handleRentalPauseDuration(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rentalIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	dur, err := s.engine.PauseDuration(id)
	if err != nil {
		s.writeRentalError(w, req, err)
		return
	}
	writeResult(w, req.ID, dur)
}
