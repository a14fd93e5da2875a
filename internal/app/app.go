package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/api"
	"github.com/coldchain/coldchain-ledger/internal/blob"
	"github.com/coldchain/coldchain-ledger/internal/config"
	"github.com/coldchain/coldchain-ledger/internal/crypto"
	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/logging"
	"github.com/coldchain/coldchain-ledger/internal/metrics"
	"github.com/coldchain/coldchain-ledger/internal/service"
	"github.com/coldchain/coldchain-ledger/internal/storage/ledgerpostgres"
	"github.com/coldchain/coldchain-ledger/internal/storage/ledgersqlite"
)

type Application struct {
	Server   *http.Server
	Ledger   *service.LedgerService
	Exporter *service.Exporter

	exportEvery time.Duration
	closeStore  func()
	logger      *slog.Logger
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	journal, closeStore, err := openJournal(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Application, error) {
		closeStore()
		return nil, err
	}

	engine, err := ledger.Open(ctx, ledger.Account(cfg.Ledger.AdminAccount), ledger.Options{
		Threshold:     cfg.Ledger.SafetyThreshold,
		CarrierRoles:  roles(cfg.Ledger.CarrierRoles),
		RetailerRoles: roles(cfg.Ledger.RetailerRoles),
		Journal:       journal,
	})
	if err != nil {
		return fail(fmt.Errorf("open ledger: %w", err))
	}

	var signer *crypto.Signer
	if cfg.Keys.SigningPrivateKeyPath != "" {
		signer, err = crypto.LoadSigner(cfg.Keys.SigningPrivateKeyPath, cfg.Keys.SigningPublicKeyPath)
		if err != nil {
			return fail(fmt.Errorf("load signing keys: %w", err))
		}
	}

	var registry *service.AccountRegistry
	if cfg.Accounts.RegistryPath != "" {
		registry, err = service.LoadAccountRegistry(cfg.Accounts.RegistryPath)
		if err != nil {
			return fail(fmt.Errorf("load account registry: %w", err))
		}
	}

	store, err := openBlobStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	rec := metrics.New()
	svc, err := service.NewLedger(service.LedgerParams{
		Engine:  engine,
		Logger:  logger,
		Metrics: rec,
		Storage: cfg.Storage.Driver,
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
	})
	if err != nil {
		return fail(fmt.Errorf("build ledger service: %w", err))
	}
	exporter, err := service.NewExporter(service.ExporterParams{
		Engine:  engine,
		Store:   store,
		Signer:  signer,
		Logger:  logger,
		Metrics: rec,
	})
	if err != nil {
		return fail(fmt.Errorf("build exporter: %w", err))
	}

	handler := api.NewHandler(api.HandlerParams{
		Ledger:   svc,
		Exporter: exporter,
		Auth: &api.Authenticator{
			Registry:          registry,
			RequireSignatures: *cfg.Security.RequireSignatures,
			MaxSkew:           time.Duration(cfg.Security.MaxClockSkewSeconds) * time.Second,
		},
		Metrics: rec,
		Logger:  logger,
		Env: logging.Environment{
			Service: cfg.Logging.Service,
			Version: cfg.Logging.Version,
			Commit:  cfg.Logging.Commit,
			Region:  cfg.Logging.Region,
			NodeID:  cfg.Logging.NodeID,
			Storage: cfg.Storage.Driver,
		},
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler.Router(),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return &Application{
		Server:      server,
		Ledger:      svc,
		Exporter:    exporter,
		exportEvery: time.Duration(cfg.Export.IntervalSeconds) * time.Second,
		closeStore:  closeStore,
		logger:      logger,
	}, nil
}

// RunExports publishes audit bundles on the configured interval until ctx is
// done. It returns immediately when scheduled export is disabled.
func (a *Application) RunExports(ctx context.Context) {
	if a.exportEvery <= 0 {
		return
	}
	if err := a.Exporter.Run(ctx, a.exportEvery); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("audit export loop stopped", slog.String("error", err.Error()))
	}
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.closeStore()
	return a.Server.Shutdown(ctx)
}

func openJournal(ctx context.Context, cfg *config.Config) (ledger.Journal, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		store, err := ledgerpostgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres journal: %w", err)
		}
		return store, store.Close, nil
	case "sqlite":
		store, err := ledgersqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return store, store.Close, nil
	default:
		return ledger.NewMemoryJournal(), func() {}, nil
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if blob.Driver(cfg.Export.Driver) == blob.DriverS3 {
		store, err := blob.NewS3(ctx, blob.S3Config{
			Bucket:    cfg.Export.Bucket,
			Prefix:    cfg.Export.Prefix,
			Region:    cfg.Export.Region,
			Endpoint:  cfg.Export.Endpoint,
			PathStyle: cfg.Export.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 export store: %w", err)
		}
		return store, nil
	}
	store, err := blob.NewFS(cfg.Export.Dir)
	if err != nil {
		return nil, fmt.Errorf("open export directory: %w", err)
	}
	return store, nil
}

func roles(names []string) []ledger.Role {
	out := make([]ledger.Role, 0, len(names))
	for _, n := range names {
		out = append(out, ledger.Role(n))
	}
	return out
}
