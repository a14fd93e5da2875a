package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/logging"
	"github.com/coldchain/coldchain-ledger/internal/metrics"
	"github.com/coldchain/coldchain-ledger/internal/protocol"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

type LedgerService struct {
	engine  *ledger.Engine
	logger  *slog.Logger
	metrics *metrics.Recorder
	storage string
	service string
	version string
}

type LedgerParams struct {
	Engine  *ledger.Engine
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Storage string
	Service string
	Version string
}

func NewLedger(params LedgerParams) (*LedgerService, error) {
	if params.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.Storage == "" {
		params.Storage = "memory"
	}
	if params.Service == "" {
		params.Service = "coldchain-ledger"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	s := &LedgerService{
		engine:  params.Engine,
		logger:  params.Logger,
		metrics: params.Metrics,
		storage: params.Storage,
		service: params.Service,
		version: params.Version,
	}
	s.refreshGauges()
	return s, nil
}

func (s *LedgerService) Engine() *ledger.Engine {
	return s.engine
}

func (s *LedgerService) CreateBatch(ctx context.Context, caller ledger.Account, req protocol.CreateBatchRequest) (protocol.CreateBatchResponse, error) {
	id, err := s.engine.Create(ctx, caller, req.ProductLabel, req.Details)
	if err = s.finish(ctx, "create", err); err != nil {
		return protocol.CreateBatchResponse{}, err
	}
	logging.AddField(ctx, "batch_id", id)
	s.metrics.Entry(string(ledger.KindCreated))
	b, err := s.engine.GetBatch(id)
	if err != nil {
		return protocol.CreateBatchResponse{}, Internal("read created batch", err)
	}
	return protocol.CreateBatchResponse{BatchID: id, Batch: b}, nil
}

func (s *LedgerService) RecordObservation(ctx context.Context, caller ledger.Account, batchID uint64, req protocol.RecordObservationRequest) (protocol.EntryResponse, error) {
	logging.AddField(ctx, "batch_id", batchID)
	entry, err := s.engine.RecordObservation(ctx, caller, batchID, req.Location, req.Reading, req.Notes)
	if err = s.finish(ctx, "record_observation", err); err != nil {
		return protocol.EntryResponse{}, err
	}
	s.observe(entry)
	return s.entryResponse(entry)
}

func (s *LedgerService) IngestObservations(ctx context.Context, caller ledger.Account, batchID uint64, req protocol.IngestObservationsRequest) (protocol.IngestObservationsResponse, error) {
	logging.AddField(ctx, "batch_id", batchID)
	logging.AddField(ctx, "readings", len(req.Readings))
	entries, err := s.engine.IngestBatchObservations(ctx, caller, batchID, req.Readings, req.Locations, req.Timestamps)
	if err = s.finish(ctx, "ingest_batch_observations", err); err != nil {
		return protocol.IngestObservationsResponse{}, err
	}
	s.observe(entries...)
	b, err := s.engine.GetBatch(batchID)
	if err != nil {
		return protocol.IngestObservationsResponse{}, Internal("read batch", err)
	}
	return protocol.IngestObservationsResponse{BatchID: batchID, Entries: entries, Batch: b}, nil
}

func (s *LedgerService) TransferCustody(ctx context.Context, caller ledger.Account, batchID uint64, req protocol.TransferCustodyRequest) (protocol.EntryResponse, error) {
	logging.AddField(ctx, "batch_id", batchID)
	entry, err := s.engine.TransferCustody(ctx, caller, batchID, req.NewOwner, req.Notes)
	if err = s.finish(ctx, "transfer_custody", err); err != nil {
		return protocol.EntryResponse{}, err
	}
	s.observe(entry)
	return s.entryResponse(entry)
}

func (s *LedgerService) AdminOverride(ctx context.Context, caller ledger.Account, batchID uint64, req protocol.AdminOverrideRequest) (protocol.EntryResponse, error) {
	logging.AddField(ctx, "batch_id", batchID)
	entry, err := s.engine.AdminOverride(ctx, caller, batchID, req.Reason)
	if err = s.finish(ctx, "admin_override", err); err != nil {
		return protocol.EntryResponse{}, err
	}
	s.observe(entry)
	return s.entryResponse(entry)
}

func (s *LedgerService) Grant(ctx context.Context, caller ledger.Account, req protocol.RoleRequest) (protocol.MembershipResponse, error) {
	err := s.engine.Grant(ctx, caller, req.Role, req.Account)
	if err = s.finish(ctx, "grant", err); err != nil {
		return protocol.MembershipResponse{}, err
	}
	s.logger.Info("role granted", slog.String("role", string(req.Role)), slog.String("account", string(req.Account)), slog.String("actor", string(caller)))
	return s.Has(req.Role, req.Account), nil
}

func (s *LedgerService) Revoke(ctx context.Context, caller ledger.Account, req protocol.RoleRequest) (protocol.MembershipResponse, error) {
	err := s.engine.Revoke(ctx, caller, req.Role, req.Account)
	if err = s.finish(ctx, "revoke", err); err != nil {
		return protocol.MembershipResponse{}, err
	}
	s.logger.Info("role revoked", slog.String("role", string(req.Role)), slog.String("account", string(req.Account)), slog.String("actor", string(caller)))
	return s.Has(req.Role, req.Account), nil
}

func (s *LedgerService) GrantMany(ctx context.Context, caller ledger.Account, req protocol.GrantManyRequest) (protocol.RolesResponse, error) {
	err := s.engine.GrantMany(ctx, caller, req.Account, req.Roles)
	if err = s.finish(ctx, "grant_many", err); err != nil {
		return protocol.RolesResponse{}, err
	}
	return s.RolesOf(req.Account), nil
}

func (s *LedgerService) Renounce(ctx context.Context, caller ledger.Account, req protocol.RoleRequest) (protocol.MembershipResponse, error) {
	err := s.engine.Renounce(ctx, caller, req.Role, req.Account)
	if err = s.finish(ctx, "renounce", err); err != nil {
		return protocol.MembershipResponse{}, err
	}
	if req.Role == ledger.RoleAdmin && len(s.engine.Members(ledger.RoleAdmin)) == 0 {
		s.logger.Warn("last admin renounced; registry can no longer be administered", slog.String("account", string(req.Account)))
	}
	return s.Has(req.Role, req.Account), nil
}

func (s *LedgerService) Has(role ledger.Role, account ledger.Account) protocol.MembershipResponse {
	return protocol.MembershipResponse{Role: role, Account: account, Member: s.engine.Has(role, account)}
}

func (s *LedgerService) Members(role ledger.Role) protocol.MembersResponse {
	members := s.engine.Members(role)
	if members == nil {
		members = []ledger.Account{}
	}
	return protocol.MembersResponse{Role: role, Members: members}
}

func (s *LedgerService) RolesOf(account ledger.Account) protocol.RolesResponse {
	roles := s.engine.RolesOf(account)
	if roles == nil {
		roles = []ledger.Role{}
	}
	return protocol.RolesResponse{Account: account, Roles: roles}
}

func (s *LedgerService) GetBatch(batchID uint64) (ledger.Batch, error) {
	b, err := s.engine.GetBatch(batchID)
	if err != nil {
		return ledger.Batch{}, FromLedgerError("get batch", err)
	}
	return b, nil
}

func (s *LedgerService) BatchCount() protocol.BatchCountResponse {
	return protocol.BatchCountResponse{Count: s.engine.BatchCount()}
}

func (s *LedgerService) EntriesFor(batchID uint64) (protocol.EntriesResponse, error) {
	entries, err := s.engine.EntriesFor(batchID)
	if err != nil {
		return protocol.EntriesResponse{}, FromLedgerError("list batch entries", err)
	}
	return protocol.EntriesResponse{BatchID: batchID, Entries: entries}, nil
}

// Entries pages the global audit log. A limit outside (0, maxPageSize] is
// clamped.
func (s *LedgerService) Entries(after int64, limit int) (protocol.EntriesPage, error) {
	if after < 0 {
		return protocol.EntriesPage{}, BadRequest("after must not be negative")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	headIndex, headHash := s.engine.Head()
	entries := s.engine.Entries(after, limit)
	page := protocol.EntriesPage{After: after, Entries: entries, HeadIndex: headIndex, HeadHash: headHash}
	if n := len(entries); n > 0 && entries[n-1].Index < headIndex {
		page.NextAfter = entries[n-1].Index
	}
	return page, nil
}

// EntryProof proves that the entry at index is a leaf of the entries root
// over the log as it stands now.
func (s *LedgerService) EntryProof(index int64) (protocol.EntryProofResponse, error) {
	snap := s.engine.Snapshot()
	if index < 1 || index > int64(len(snap.Entries)) {
		return protocol.EntryProofResponse{}, NewAppError(http.StatusNotFound, "ENTRY_NOT_FOUND", fmt.Sprintf("audit entry %d does not exist", index), false, nil)
	}
	proof, err := protocol.ComputeInclusionProof(protocol.EntryLeafHashes(snap.Entries), int(index-1))
	if err != nil {
		return protocol.EntryProofResponse{}, Internal("compute inclusion proof", err)
	}
	return protocol.EntryProofResponse{Entry: snap.Entries[index-1], Proof: *proof}, nil
}

func (s *LedgerService) Health() protocol.HealthResponse {
	index, hash := s.engine.Head()
	return protocol.HealthResponse{
		Service:     s.service,
		Version:     s.version,
		Storage:     s.storage,
		Threshold:   s.engine.Threshold(),
		BatchCount:  s.engine.BatchCount(),
		HeadIndex:   index,
		HeadHash:    hash,
		Initializer: string(s.engine.Initializer()),
	}
}

func (s *LedgerService) entryResponse(entry ledger.AuditEntry) (protocol.EntryResponse, error) {
	b, err := s.engine.GetBatch(entry.BatchID)
	if err != nil {
		return protocol.EntryResponse{}, Internal("read batch", err)
	}
	return protocol.EntryResponse{Entry: entry, Batch: b}, nil
}

// finish records the outcome of one mutation and maps its error.
func (s *LedgerService) finish(ctx context.Context, op string, err error) error {
	err = FromLedgerError(op, err)
	code := ErrorCode(err)
	logging.AddField(ctx, "op", op)
	if err != nil {
		logging.AddField(ctx, "error_code", code)
	}
	s.metrics.Operation(op, code)
	s.refreshGauges()
	return err
}

func (s *LedgerService) observe(entries ...ledger.AuditEntry) {
	for _, e := range entries {
		s.metrics.Entry(string(e.Kind))
		switch e.Kind {
		case ledger.KindBreach:
			s.metrics.Breach()
			attrs := []any{
				slog.Uint64("batch_id", e.BatchID),
				slog.Int64("entry_index", e.Index),
				slog.String("actor", string(e.Actor)),
				slog.Float64("threshold", s.engine.Threshold()),
			}
			if e.Reading != nil {
				attrs = append(attrs, slog.Float64("reading", *e.Reading))
			}
			s.logger.Warn("temperature breach recorded", attrs...)
		case ledger.KindAdminOverride:
			s.logger.Warn("batch compromised by admin override",
				slog.Uint64("batch_id", e.BatchID),
				slog.Int64("entry_index", e.Index),
				slog.String("actor", string(e.Actor)),
				slog.String("details", e.Details),
			)
		}
	}
}

func (s *LedgerService) refreshGauges() {
	index, _ := s.engine.Head()
	s.metrics.Ledger(s.engine.BatchCount(), index)
}
