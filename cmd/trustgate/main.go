package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/trustgate/internal/audit"
	"github.com/xela07ax/trustgate/internal/connectors"
	"github.com/xela07ax/trustgate/internal/console/handler"
	"github.com/xela07ax/trustgate/internal/console/server"
	"github.com/xela07ax/trustgate/internal/console/service"
	"github.com/xela07ax/trustgate/internal/engine"
	"github.com/xela07ax/trustgate/internal/gate"
	"github.com/xela07ax/trustgate/internal/grounding"
	"github.com/xela07ax/trustgate/internal/infra"
	"github.com/xela07ax/trustgate/internal/packet"
	"github.com/xela07ax/trustgate/internal/policy"
	"github.com/xela07ax/trustgate/internal/releasecert"
	"github.com/xela07ax/trustgate/internal/repository/postgres"
	"github.com/xela07ax/trustgate/internal/risk"
	"github.com/xela07ax/trustgate/internal/shredder"
	"github.com/xela07ax/trustgate/internal/trustgraph"
)

// objectStore: хранилище экспонатов, которое при необходимости нужно закрыть.
type objectStore interface {
	connectors.ObjectStore
	Close() error
}

type nopCloser struct{ connectors.ObjectStore }

func (nopCloser) Close() error { return nil }

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для фоновых горутин: cancel() останавливает слушателей при SIGTERM
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Инфраструктура и ресурсы
	if cfg.Database.URL == "" {
		logger.Fatal("database.url (DATABASE_URL) is required")
	}
	connectCtx, connectCancel := context.WithTimeout(appCtx, 10*time.Second)
	db, err := postgres.Connect(connectCtx, cfg.Database.URL, cfg.Database.MaxConns)
	connectCancel()
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := db.Migrate(appCtx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			logger.Fatal("redis unreachable", zap.Error(err))
		}
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	store, err := openStorage(appCtx, cfg.Storage)
	if err != nil {
		logger.Fatal("exhibit storage", zap.Error(err))
	}
	defer store.Close()
	reliableStore := engine.NewReliableStorage(store, engine.ReliabilityConfig(cfg.Storage.Reliability), metrics)

	// 2. Ключи и Crypto Shredder
	keys, err := infra.LoadSigningKeys(cfg.Release)
	if err != nil {
		logger.Fatal("release keys", zap.Error(err))
	}
	keys, err = releasecert.ResolveKeys(keys, cfg.IsProduction(), logger)
	if err != nil {
		logger.Fatal("release keys", zap.Error(err))
	}

	keyRepo := postgres.NewKeyRepo(db)
	sh, err := shredder.New(cfg.Shredder.MasterKeyB64, cfg.IsProduction(), keyRepo, logger)
	if err != nil {
		logger.Fatal("shredder", zap.Error(err))
	}
	defer sh.Close()

	if rdb != nil {
		registry := shredder.NewRegistry(rdb, logger)
		sh.SetSignaler(registry)
		if err := registry.Warmup(appCtx, keyRepo, sh); err != nil {
			logger.Fatal("shredded registry warmup failed", zap.Error(err))
		}
		go registry.Listen(appCtx, sh)
	} else {
		// Без Redis состояние только локальное
		ids, err := keyRepo.ShreddedWorkspaces(appCtx)
		if err != nil {
			logger.Fatal("load shredded workspaces", zap.Error(err))
		}
		sh.Forget(ids...)
	}

	// 3. Журнал аудита и его выгрузка
	ledgerOpts := []audit.Option{audit.WithRetryHook(metrics.AuditAppendRetries.Inc)}
	var shipper *audit.Shipper
	if cfg.Audit.ShipEnabled {
		shipper = audit.NewShipper(store, audit.ShipperConfig{
			BufferSize:    cfg.Audit.ShipBufferSize,
			BatchSize:     cfg.Audit.ShipBatchSize,
			FlushInterval: cfg.Audit.ShipFlushInterval,
		}, logger)
		shipper.Start()
		ledgerOpts = append(ledgerOpts, audit.WithShipper(shipper, keys.Private))
		go func() {
			for f := range shipper.Failures() {
				logger.Error("audit ship failed", zap.String("id", f.Record.ID), zap.Error(f.Err))
			}
		}()
		go metrics.WatchQueue(appCtx, 5*time.Second, shipper.QueueLen)
	}
	ledger := audit.NewLedger(postgres.NewAuditRepo(db), logger, ledgerOpts...)

	// 4. Core: grounding -> gate -> сертификат -> журнал -> trust graph
	validator, err := grounding.NewValidator(postgres.NewAnchorRepo(db), reliableStore, grounding.NewPDFExtractor(),
		grounding.Options{
			BBoxTolerance:       cfg.Grounding.BBoxTolerance,
			SimilarityThreshold: cfg.Grounding.SimilarityThreshold,
			CacheSize:           cfg.Grounding.CacheSize,
		}, logger)
	if err != nil {
		logger.Fatal("grounding validator", zap.Error(err))
	}
	validator.WithDecryptor(sh)
	sh.OnShred(validator.ForgetWorkspace)

	checker, err := gate.NewChecker(gate.CheckerConfig{
		Mode:    cfg.Gate.SupportMode,
		Model:   cfg.Gate.Model,
		BaseURL: cfg.Gate.BaseURL,
		APIKey:  cfg.Gate.APIKey,
		Timeout: cfg.Gate.Timeout,
	})
	if err != nil {
		logger.Fatal("support checker", zap.Error(err))
	}
	if cfg.Gate.SupportMode != gate.ModeDeterministic {
		checker = engine.NewReliableChecker(checker, engine.ReliabilityConfig(cfg.Gate.Reliability), metrics)
	}
	hallucinationGate := gate.New(checker, risk.NewAnalyzer(logger),
		gate.Config{HighRiskMinAnchors: cfg.Gate.HighRiskMinAnchors, Concurrency: cfg.Gate.Concurrency}, logger)

	chain, err := certChain(cfg.Release.ChainScope, rdb)
	if err != nil {
		logger.Fatal("certificate chain", zap.Error(err))
	}
	signer := releasecert.NewSigner(keys, chain, releasecert.Options{GenesisSeed: cfg.Release.GenesisSeed}, logger)
	recorder := trustgraph.NewRecorder(ledger, postgres.NewArtifactRepo(db), logger)

	releaser := engine.NewReleaser(validator, hallucinationGate, signer, ledger, recorder, engine.ReleaseOptions{
		Provider:    cfg.Gate.SupportMode,
		Model:       cfg.Gate.Model,
		Temperature: cfg.Gate.Temperature,
		Guardrails: policy.Guardrails{
			BBoxTolerance:       cfg.Grounding.BBoxTolerance,
			SimilarityThreshold: cfg.Grounding.SimilarityThreshold,
			HighRiskMinAnchors:  cfg.Gate.HighRiskMinAnchors,
			SupportMode:         cfg.Gate.SupportMode,
		},
	}, metrics, logger)

	// 5. HTTP API
	builder := packet.NewBuilder(keys, signer.KID(), releasecert.BuildSHAFromEnv())
	reports := service.NewStoredReports(reliableStore, cfg.Packet.ReportPrefix, cfg.Packet.ReportNames...)
	console := server.NewConsoleServer(logger,
		handler.NewReleaseHandler(service.NewReleaseService(releaser, signer), logger),
		handler.NewAuditHandler(service.NewAuditService(ledger), logger),
		handler.NewShredHandler(service.NewShredService(sh, metrics.ShredTotal.Inc), logger),
		handler.NewPacketHandler(service.NewPacketService(ledger, recorder, reports, builder, logger), logger),
		func(r *http.Request) error { return db.Ping(r.Context()) },
	)
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 6. gRPC Release Gate
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryTraceInterceptor()))
	engine.RegisterReleaseGateServer(grpcSrv, engine.NewGRPCGateServer(releaser, logger))
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Fatal("failed to listen gRPC", zap.Error(err))
	}
	go func() {
		logger.Info("gRPC release gate started", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("trustgate started",
			zap.String("addr", srv.Addr),
			zap.String("chain_scope", signer.Scope()),
			zap.String("kid", signer.KID()),
			zap.Bool("ephemeral_keys", keys.Ephemeral),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("trustgate stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	// Слушатели останавливаются, очередь журнала дописывается до конца
	cancel()
	if shipper != nil {
		shipper.Stop()
	}
	logger.Info("trustgate exited properly")
}

func openStorage(ctx context.Context, cfg infra.StorageConfig) (objectStore, error) {
	switch cfg.Backend {
	case "gcs":
		gcs, err := connectors.NewGCSStore(ctx, cfg.Bucket, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		return gcs, nil
	case "", "file":
		fs, err := connectors.NewFileStore(cfg.Root)
		if err != nil {
			return nil, err
		}
		return nopCloser{fs}, nil
	default:
		return nil, errors.New("unknown storage backend " + cfg.Backend)
	}
}

func certChain(scope string, rdb *redis.Client) (releasecert.ChainStore, error) {
	switch scope {
	case "", releasecert.ScopeProcess:
		return releasecert.NewMemoryChain(), nil
	case releasecert.ScopeCluster:
		if rdb == nil {
			return nil, errors.New("chain_scope=cluster requires redis.addr")
		}
		return releasecert.NewRedisChain(rdb), nil
	default:
		return nil, errors.New("unknown chain scope " + scope)
	}
}
