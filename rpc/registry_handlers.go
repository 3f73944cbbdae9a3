package rpc

import (
	"encoding/hex"
	"errors"
	"net/http"

	"p2prent/native/registry"
)

const (
	codeRegistryInvalidParams = -32031
	codeRegistryForbidden     = -32032
	codeRegistryInternal      = -32033
)

type registryMemberParams struct {
	Caller    string `json:"caller"`
	Moderator string `json:"moderator"`
}

type registryReplaceParams struct {
	Caller     string   `json:"caller"`
	Moderators []string `json:"moderators"`
}

type registryAddressParams struct {
	Address string `json:"address"`
}

func (s *Server) writeRegistryError(w http.ResponseWriter, req *RPCRequest, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeRegistryInternal
	message := "internal_error"
	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeRegistryForbidden
		message = "forbidden"
	case errors.Is(err, registry.ErrNotInitialized), errors.Is(err, registry.ErrAlreadyInitialized):
		status = http.StatusConflict
		code = codeRegistryInvalidParams
		message = "conflict"
	}
	s.metrics.ObserveFailure(req.Method, message)
	writeError(w, status, req.ID, code, message, err.Error())
}

func (s *Server) memberCall(w http.ResponseWriter, req *RPCRequest, op func([20]byte, [20]byte) error) {
	var params registryMemberParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	moderator, err := parseAddress(params.Moderator)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	if err := op(caller, moderator); err != nil {
		s.writeRegistryError(w, req, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRegistryAdd(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.memberCall(w, req, s.registry.Add)
}

func (s *Server) handleRegistryRemove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.memberCall(w, req, s.registry.Remove)
}

func (s *Server) handleRegistryReplace(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params registryReplaceParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	mods := make([][20]byte, 0, len(params.Moderators))
	for _, raw := range params.Moderators {
		addr, err := parseAddress(raw)
		if err != nil {
			s.invalidParams(w, req, err)
			return
		}
		mods = append(mods, addr)
	}
	if err := s.registry.Replace(caller, mods); err != nil {
		s.writeRegistryError(w, req, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRegistryOwner(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	owner, err := s.registry.Owner()
	if err != nil {
		s.writeRegistryError(w, req, err)
		return
	}
	writeResult(w, req.ID, hex.EncodeToString(owner[:]))
}

func (s *Server) handleRegistryIsModerator(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params registryAddressParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.invalidParams(w, req, err)
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		s.invalidParams(w, req, err)
		return
	}
	ok, err := s.registry.IsModerator(addr)
	if err != nil {
		s.writeRegistryError(w, req, err)
		return
	}
	writeResult(w, req.ID, ok)
}
