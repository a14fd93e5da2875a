package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/logging"
	"github.com/coldchain/coldchain-ledger/internal/protocol"
)

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req protocol.RoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.ledger.Grant(r.Context(), Caller(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "role", string(req.Role))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req protocol.RoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.ledger.Revoke(r.Context(), Caller(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "role", string(req.Role))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGrantMany(w http.ResponseWriter, r *http.Request) {
	var req protocol.GrantManyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.ledger.GrantMany(r.Context(), Caller(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRenounce(w http.ResponseWriter, r *http.Request) {
	var req protocol.RoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.ledger.Renounce(r.Context(), Caller(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "role", string(req.Role))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHas(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "has")
	role := ledger.Role(chi.URLParam(r, "role"))
	account := ledger.Account(chi.URLParam(r, "account"))
	writeJSON(w, http.StatusOK, h.ledger.Has(role, account))
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "members")
	writeJSON(w, http.StatusOK, h.ledger.Members(ledger.Role(chi.URLParam(r, "role"))))
}

func (h *Handler) handleRolesOf(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "roles_of")
	writeJSON(w, http.StatusOK, h.ledger.RolesOf(ledger.Account(chi.URLParam(r, "account"))))
}
