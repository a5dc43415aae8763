package api

import (
	"net/http"

	"MEMEX-Node/internal/amount"
	"MEMEX-Node/internal/ledger"
)

type advanceRequest struct {
	Epochs int64 `json:"epochs"`
}

type treasuryTransferRequest struct {
	To     string        `json:"to_agent_id"`
	Amount amount.Amount `json:"amount"`
	Kind   ledger.Kind   `json:"type,omitempty"`
	Memo   string        `json:"memo,omitempty"`
}

type slashRequest struct {
	Agent  string        `json:"agent_id"`
	Reason string        `json:"reason"`
	Ratio  *amount.Ratio `json:"ratio,omitempty"`
}

func (s *Server) handleAdvanceEpoch(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Epochs == 0 {
		req.Epochs = 1
	}
	current, err := s.clock.Advance(r.Context(), req.Epochs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.onEpoch != nil {
		s.onEpoch(r.Context(), current)
	}
	writeJSON(w, http.StatusOK, map[string]int64{"epoch": current})
}

func (s *Server) handleTreasuryTransfer(w http.ResponseWriter, r *http.Request) {
	var req treasuryTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Kind == "" {
		req.Kind = ledger.KindFounderTransfer
	}
	tx, err := s.ledger.TreasuryTransfer(r.Context(), req.To, req.Amount, req.Kind, req.Memo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleSlash(w http.ResponseWriter, r *http.Request) {
	var req slashRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var (
		result ledger.SlashResult
		err    error
	)
	if req.Ratio != nil {
		result, err = s.ledger.Slash(r.Context(), req.Agent, *req.Ratio, req.Reason)
	} else {
		result, err = s.ledger.SlashForReason(r.Context(), req.Agent, req.Reason)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpoint, err := s.ledger.Checkpoint(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkpoint)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := s.ledger.Reconcile(r.Context(), r.PathValue("agent"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
