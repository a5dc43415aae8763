package api

import (
	"net/http"

	"MEMEX-Node/internal/amount"
)

type transferRequest struct {
	To     string        `json:"to_agent_id"`
	Amount amount.Amount `json:"amount"`
	Memo   string        `json:"memo,omitempty"`
}

type stakeRequest struct {
	Amount amount.Amount `json:"amount"`
}

type chargeRequest struct {
	Route string `json:"route"`
}

func (s *Server) handleOwnWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.ledger.GetWallet(r.Context(), AgentFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.ledger.GetWallet(r.Context(), r.PathValue("agent"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := s.ledger.Transfer(r.Context(), AgentFromContext(r.Context()), req.To, req.Amount, req.Memo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt64(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txs, err := s.ledger.History(r.Context(), AgentFromContext(r.Context()), int(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	wallet, err := s.ledger.Stake(r.Context(), AgentFromContext(r.Context()), req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	wallet, err := s.ledger.Unstake(r.Context(), AgentFromContext(r.Context()), req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleStakeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ledger.StakeStatus(r.Context(), AgentFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ledger.ClaimFaucet(r.Context(), AgentFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleMission(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ledger.ClaimMission(r.Context(), AgentFromContext(r.Context()), r.PathValue("mission"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleChargeFee(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	receipt, err := s.ledger.ChargeFee(r.Context(), AgentFromContext(r.Context()), req.Route)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	current, err := s.clock.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	at, err := queryInt64(r, "epoch", current)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snapshot, err := s.versions.Snapshot(r.Context(), at)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleConfigHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.versions.History(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": history})
}

func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	current, err := s.clock.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"epoch": current})
}
