package main

import (
	"PoolLedger/internal/config"
	"PoolLedger/internal/core"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/queue"
	"PoolLedger/internal/server"
	"PoolLedger/internal/token"
	"PoolLedger/internal/venue"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("poolledger", pflag.ExitOnError)
	cfgFile := flags.String("config", "", "path to config file")
	flags.String("http-addr", ":8080", "HTTP listen address")
	flags.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	flags.String("dsn", "", "Postgres DSN")
	flags.String("operator-key", "", "shared key authorizing reconcile and fee claims")
	flags.String("operator-address", "", "address receiving reimbursed settlement fees")
	flags.String("linked-signer", "", "signer address linked on each venue route")
	flags.String("quote-asset", "", "venue quote asset address")
	flags.String("log-level", "info", "log level")
	flags.Bool("pause-deposits", false, "reject deposits")
	flags.Bool("pause-withdrawals", false, "reject withdrawals")
	flags.Bool("pause-claims", false, "reject claims")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgFile, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := observability.NewLoggerWithLevel("poolledger", level)
	log.Info().Msg("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLoggerWithLevel("migrator", level))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure inbound streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Venue gateway ---
	prices := venue.NewPriceCache()
	gateway := venue.NewNATSGateway(nc, cfg.TransactionSubject, prices, common.HexToAddress(cfg.QuoteAsset))

	// --- Ledger bootstrap from config ---
	registry := ledger.NewRegistry()
	book := ledger.NewBook()
	for _, t := range cfg.Tokens {
		registry.RegisterToken(ledger.Token{
			Address:  common.HexToAddress(t.Address),
			Symbol:   t.Symbol,
			Decimals: t.Decimals,
		})
	}
	for _, p := range cfg.Pools {
		kind, err := ledger.ParseKind(p.Kind)
		if err != nil {
			log.Fatal().Err(err).Uint32("pool_id", p.ID).Msg("bootstrap pool")
		}
		tokens := make([]ledger.Token, 0, len(p.Tokens))
		for _, addr := range p.Tokens {
			meta, err := tokenMeta(cfg.Tokens, addr)
			if err != nil {
				log.Fatal().Err(err).Uint32("pool_id", p.ID).Msg("bootstrap pool")
			}
			tokens = append(tokens, meta)
		}
		if _, err := registry.AddPool(p.ID, common.HexToAddress(p.VenueRoute), kind, tokens); err != nil {
			log.Fatal().Err(err).Uint32("pool_id", p.ID).Msg("bootstrap pool")
		}
		for i, t := range tokens {
			book.Ensure(ledger.Key{PoolID: p.ID, Token: t.Address}, p.Hardcap(i))
		}
	}

	// --- Channels ---
	// Persist sends block (backpressure); projection sends drop when full.
	persistCoreChan := make(chan core.Output, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.Output, cfg.ProjectionChanSize)

	// Bridge channels, converted in bridgeOutputs (avoids import cycles).
	persistWorkerChan := make(chan persistence.Output, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.Output, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	// --- Engine ---
	dbChecker := persistence.NewPostgresResponseChecker(db)
	engine := core.NewEngine(core.Config{
		Registry: registry,
		Book:     book,
		Fees:     ledger.NewFeeAccount(),
		Queue:    queue.NewRequestQueue(),
		Gateway:  gateway,
		Bank:     token.NewPostgresBank(db),
		Pauses: core.Pauses{
			Deposits:    cfg.PauseDeposits,
			Withdrawals: cfg.PauseWithdrawals,
			Claims:      cfg.PauseClaims,
		},
		OperatorKey:         cfg.OperatorKey,
		Operator:            common.HexToAddress(cfg.OperatorAddress),
		LinkedSigner:        common.HexToAddress(cfg.LinkedSigner),
		QuoteDecimals:       cfg.QuoteDecimals,
		ResponseLRUCapacity: cfg.ResponseLRUCapacity,
		DBResponseChecker:   dbChecker,
		PersistChan:         persistCoreChan,
		ProjectionChan:      projectionCoreChan,
		Metrics:             metrics,
		Logger:              observability.NewLoggerWithLevel("engine", level),
	})

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load snapshot")
	}
	if snap != nil {
		if err := engine.RestoreSnapshot(snap); err != nil {
			log.Fatal().Err(err).Msg("restore snapshot")
		}
	} else {
		log.Info().Msg("no snapshot found, cold start")
		ids, err := dbChecker.RecentResponseIDs(ctx, cfg.ResponseLRUCapacity)
		if err != nil {
			log.Warn().Err(err).Msg("warm response deduper")
		} else if len(ids) > 0 {
			engine.WarmResponses(ids)
			log.Info().Int("count", len(ids)).Msg("response deduper warmed from event log")
		}
	}

	dispatcher := core.NewDispatcher(engine, cfg.DispatcherBuffer, observability.NewLoggerWithLevel("dispatcher", level))

	// --- Ingestion ---
	rawEventChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	ingestWorker := ingestion.NewWorker(rawEventChan, dispatcher, prices, cfg.OperatorKey, metrics,
		observability.NewLoggerWithLevel("ingest", level))

	// --- Query + HTTP server ---
	querySvc := query.NewService(db)
	srv := server.New(cfg.HTTPAddr, dispatcher, querySvc, health, metrics,
		observability.NewLoggerWithLevel("http", level))

	// --- Workers ---
	errChan := make(chan error, 8)

	persistWorker := persistence.NewWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	projWorker := projection.NewWorker(db, projectionWorkerChan)
	publisher := ingestion.NewOutboundPublisher(js, publishChan)

	go dispatcher.Run(ctx)
	go func() { errChan <- persistWorker.Run(ctx) }()
	go func() { errChan <- projWorker.Run(ctx) }()
	go func() { errChan <- publisher.Run(ctx) }()
	go func() { errChan <- ingestWorker.Run(ctx) }()
	go bridgeOutputs(ctx, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics, log)
	go runPeriodicSnapshots(ctx, dispatcher, snapMgr, cfg.SnapshotInterval, cfg.SnapshotsKept, metrics, log)
	go func() { errChan <- srv.Start() }()

	health.SetReady(true)
	log.Info().
		Str("http_addr", cfg.HTTPAddr).
		Int("pools", len(cfg.Pools)).
		Msg("ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("worker failed, shutting down")
	}

	// --- Graceful shutdown ---
	health.SetReady(false)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	subscriber.Stop()

	// Final snapshot while the dispatcher is still serving.
	if err := saveSnapshot(shutCtx, dispatcher, snapMgr, cfg.SnapshotsKept, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	cancel()

	// Persistence flushes its remaining batch on cancellation.
	time.Sleep(500 * time.Millisecond)
	log.Info().Msg("shutdown complete")
}

// tokenMeta resolves a configured token address to its metadata entry.
func tokenMeta(tokens []config.TokenConfig, addr string) (ledger.Token, error) {
	want := common.HexToAddress(addr)
	for _, t := range tokens {
		if common.HexToAddress(t.Address) == want {
			return ledger.Token{Address: want, Symbol: t.Symbol, Decimals: t.Decimals}, nil
		}
	}
	return ledger.Token{}, fmt.Errorf("token %s has no metadata entry", addr)
}

// bridgeOutputs converts core.Output into the persistence, projection, and
// outbound wire forms. Separate structs per package avoid import cycles;
// this is the only place the three views meet.
func bridgeOutputs(
	ctx context.Context,
	persistIn <-chan core.Output,
	projectionIn <-chan core.Output,
	persistOut chan<- persistence.Output,
	projectionOut chan<- projection.Output,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}

			row, err := toPersistence(output)
			if err != nil {
				log.Error().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("encode output for persistence")
				continue
			}

			select {
			case persistOut <- row:
			case <-ctx.Done():
				return
			}

			select {
			case publishOut <- ingestion.FromEnvelope(output.Envelope):
			default:
				metrics.PublishDrops.Inc()
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}

			select {
			case projectionOut <- toProjection(output):
			default:
				metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func toPersistence(output core.Output) (persistence.Output, error) {
	env := output.Envelope
	payload, err := persistence.MarshalEventPayload(env.Payload)
	if err != nil {
		return persistence.Output{}, fmt.Errorf("marshal payload: %w", err)
	}

	var poolID *int64
	if env.PoolID != nil {
		id := int64(*env.PoolID)
		poolID = &id
	}

	row := persistence.Output{
		Event: persistence.EventRow{
			Sequence:       env.Sequence,
			Kind:           env.Kind.String(),
			IdempotencyKey: env.IdempotencyKey,
			PoolID:         poolID,
			Account:        env.Account.Hex(),
			Payload:        payload,
			Timestamp:      env.Timestamp,
		},
	}

	if entry := output.Entry; entry != nil {
		reqPayload, err := queue.EncodeRequest(entry.Request)
		if err != nil {
			return persistence.Output{}, fmt.Errorf("encode request %d: %w", entry.Sequence, err)
		}
		row.Request = &persistence.RequestRow{
			Sequence:    int64(entry.Sequence),
			PoolID:      int64(entry.PoolID),
			Sender:      entry.Sender.Hex(),
			VenueRoute:  entry.VenueRoute.Hex(),
			RequestType: entry.Request.RequestType().String(),
			Payload:     reqPayload,
			EnqueuedAt:  entry.EnqueuedAt,
		}
	}

	if rec := output.Reconciled; rec != nil {
		result, err := queue.EncodeResult(rec.Result)
		if err != nil {
			return persistence.Output{}, fmt.Errorf("encode result %d: %w", rec.Sequence, err)
		}
		row.Reconcile = &persistence.ReconcileRow{
			Sequence:    int64(rec.Sequence),
			ResponseID:  rec.ResponseID,
			RequestType: rec.RequestType.String(),
			Result:      result,
			ProcessedAt: rec.At,
		}
	}

	return row, nil
}

func toProjection(output core.Output) projection.Output {
	out := projection.Output{Sequence: output.Envelope.Sequence}
	for _, b := range output.Balances {
		out.Balances = append(out.Balances, projection.BalanceUpdate{
			PoolID:  b.PoolID,
			Token:   b.Token.Hex(),
			Account: b.User.Hex(),
			Active:  b.Active.String(),
			Pending: b.Pending.String(),
			Fees:    b.Fees.String(),
		})
	}
	for _, f := range output.Fees {
		out.Fees = append(out.Fees, projection.FeeUpdate{
			Token:  f.Token.Hex(),
			Credit: f.Credit.String(),
		})
	}
	return out
}

// runPeriodicSnapshots captures engine state on a fixed interval. The build
// runs on the dispatcher goroutine; the save runs here so DB latency never
// stalls the engine.
func runPeriodicSnapshots(
	ctx context.Context,
	dispatcher *core.Dispatcher,
	snapMgr *persistence.SnapshotManager,
	interval time.Duration,
	keep int,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	if interval <= 0 {
		interval = persistence.DefaultSnapshotInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := saveSnapshot(ctx, dispatcher, snapMgr, keep, metrics); err != nil {
				log.Warn().Err(err).Msg("periodic snapshot")
			}
		}
	}
}

func saveSnapshot(
	ctx context.Context,
	dispatcher *core.Dispatcher,
	snapMgr *persistence.SnapshotManager,
	keep int,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	var snap *core.SnapshotData
	err := dispatcher.Do(ctx, func(e *core.Engine) error {
		var buildErr error
		snap, buildErr = e.BuildSnapshot()
		return buildErr
	})
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}

	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if keep > 0 {
		if err := snapMgr.PruneSnapshots(ctx, keep); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	return nil
}
