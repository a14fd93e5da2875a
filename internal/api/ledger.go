package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/logging"
	"github.com/coldchain/coldchain-ledger/internal/protocol"
	"github.com/coldchain/coldchain-ledger/internal/service"
)

func (h *Handler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.ledger.CreateBatch(r.Context(), Caller(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleRecordObservation(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req protocol.RecordObservationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.ledger.RecordObservation(r.Context(), Caller(r.Context()), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "entry_kind", resp.Entry.Kind)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleIngestObservations(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req protocol.IngestObservationsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.ledger.IngestObservations(r.Context(), Caller(r.Context()), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTransferCustody(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req protocol.TransferCustodyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.ledger.TransferCustody(r.Context(), Caller(r.Context()), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "new_owner", string(req.NewOwner))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAdminOverride(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req protocol.AdminOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.ledger.AdminOverride(r.Context(), Caller(r.Context()), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "get_batch")
	b, err := h.ledger.GetBatch(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleBatchCount(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "batch_count")
	writeJSON(w, http.StatusOK, h.ledger.BatchCount())
}

func (h *Handler) handleBatchEntries(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "entries_for")
	resp, err := h.ledger.EntriesFor(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBatchReport(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "custody_report")
	report, err := h.ledger.Report(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(report))
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "list_entries")
	after, err := queryInt(r, "after")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := h.ledger.Entries(after, int(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleEntryProof(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "entry_proof")
	index, err := strconv.ParseInt(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		writeError(w, r, service.BadRequest("entry index must be an integer"))
		return
	}
	resp, err := h.ledger.EntryProof(index)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "audit_export")
	if h.exporter == nil {
		writeError(w, r, service.NewAppError(http.StatusServiceUnavailable, "EXPORT_DISABLED", "audit export is not configured", false, nil))
		return
	}
	caller := Caller(r.Context())
	if !h.ledger.Has(ledger.RoleAdmin, caller).Member && !h.ledger.Has(ledger.RoleObserver, caller).Member {
		writeError(w, r, service.NewAppError(http.StatusForbidden, "UNAUTHORIZED", "audit export requires ADMIN or OBSERVER", false, nil))
		return
	}
	resp, err := h.exporter.Export(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "bundle_id", resp.BundleID)
	logging.AddField(r.Context(), "bundle_sha256", resp.BundleSHA256)
	writeJSON(w, http.StatusCreated, resp)
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, service.BadRequest(name + " must be an integer")
	}
	return v, nil
}
