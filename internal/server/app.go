// Package server builds the downloader's dependency graph and runs it as an
// HTTP service or a one-shot batch.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/api"
	"github.com/JakeFAU/creator-downloader/internal/challenge"
	chromedpsolver "github.com/JakeFAU/creator-downloader/internal/challenge/chromedp"
	"github.com/JakeFAU/creator-downloader/internal/clock/system"
	"github.com/JakeFAU/creator-downloader/internal/config"
	"github.com/JakeFAU/creator-downloader/internal/conflict"
	"github.com/JakeFAU/creator-downloader/internal/dispatcher"
	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/export"
	"github.com/JakeFAU/creator-downloader/internal/hash/md5"
	"github.com/JakeFAU/creator-downloader/internal/id/uuid"
	memoryledger "github.com/JakeFAU/creator-downloader/internal/ledger/memory"
	redisledger "github.com/JakeFAU/creator-downloader/internal/ledger/redis"
	"github.com/JakeFAU/creator-downloader/internal/metrics"
	"github.com/JakeFAU/creator-downloader/internal/plugin/direct"
	"github.com/JakeFAU/creator-downloader/internal/policy/ratelimit"
	"github.com/JakeFAU/creator-downloader/internal/processor"
	"github.com/JakeFAU/creator-downloader/internal/progress"
	progresssinks "github.com/JakeFAU/creator-downloader/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/creator-downloader/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/creator-downloader/internal/queue/memory"
	"github.com/JakeFAU/creator-downloader/internal/retrieval"
	gcsstorage "github.com/JakeFAU/creator-downloader/internal/storage/gcs"
	localstorage "github.com/JakeFAU/creator-downloader/internal/storage/local"
	memorystorage "github.com/JakeFAU/creator-downloader/internal/storage/memory"
	pgstore "github.com/JakeFAU/creator-downloader/internal/storage/postgres"
	"github.com/JakeFAU/creator-downloader/internal/store"
	"github.com/JakeFAU/creator-downloader/internal/telemetry"
	"github.com/JakeFAU/creator-downloader/internal/worker"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer sets where the progress collectors are registered. The
// default is prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	opts   options
	clock  *system.Clock

	policy    downloader.RetrievalPolicy
	engine    *retrieval.Engine
	solver    *chromedpsolver.Solver
	ledger    downloader.Ledger
	processor *processor.Processor
	router    *dispatcher.Router

	batches      *memorystorage.BatchStore
	queue        *queuememory.Queue
	worker       *worker.Worker
	apiServer    *api.Server
	progressHub  *progress.Hub
	progressRepo store.ProgressRepository
	exporter     downloader.Exporter
	checks       map[string]api.ReadinessCheck

	pool           *pgxpool.Pool
	redisClient    *goredis.Client
	publisher      *gcppublisher.Publisher
	storage        *storage.Client
	tracerShutdown telemetry.ShutdownFunc
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		checks: map[string]api.ReadinessCheck{},
	}
	app.opts.registerer = prometheus.DefaultRegisterer
	for _, opt := range opts {
		opt(&app.opts)
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrency", cfg.Downloader.Concurrency),
		zap.String("export_target", cfg.Export.Target),
	)

	var err error
	app.tracerShutdown, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	metrics.Init()

	steps := []func(context.Context) error{
		app.setupRetrieval,
		app.setupLedger,
		app.setupDatabase,
		app.setupExporter,
		app.setupProgress,
		app.setupWorker,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return app, nil
}

func (a *App) setupRetrieval(context.Context) error {
	jar, err := retrieval.NewCookieJar()
	if err != nil {
		return err
	}
	a.policy, err = a.cfg.RetrievalPolicy(jar)
	if err != nil {
		return err
	}
	client, err := retrieval.NewHTTPClient(a.policy, a.cfg.RequestTimeout())
	if err != nil {
		return fmt.Errorf("http client init failed: %w", err)
	}
	requester := retrieval.NewRequester(client, a.policy.UserAgent(), a.logger.Named("http"))

	deps := retrieval.Deps{
		Requester: requester,
		Resolver:  conflict.New(md5.New(), a.clock, a.logger.Named("conflict")),
		Sleeper:   a.clock,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Downloader.RateLimitRPS,
			DefaultBurst: a.cfg.Downloader.RateLimitBurst,
		}),
		Logger: a.logger.Named("retrieval"),
	}
	if a.cfg.Challenge.Enabled {
		a.solver, err = chromedpsolver.New(chromedpsolver.Config{
			Headless:               !a.cfg.Challenge.Interactive,
			UserAgent:              a.policy.UserAgent(),
			CookieRetrievalAddress: a.cfg.Challenge.CookieRetrievalAddress,
			NavigationTimeout:      time.Duration(a.cfg.Challenge.NavigationTimeoutSeconds) * time.Second,
			MaxParallel:            1,
		}, a.logger.Named("solver"))
		if err != nil {
			return fmt.Errorf("challenge solver init failed: %w", err)
		}
		gate, err := challenge.NewGate(
			challenge.NewCaptchaDeliveryDetector(), a.solver, jar, requester, a.logger.Named("challenge"),
		)
		if err != nil {
			return fmt.Errorf("challenge gate init failed: %w", err)
		}
		deps.Gate = gate
		a.logger.Info("challenge solving enabled", zap.Bool("interactive", a.cfg.Challenge.Interactive))
	}
	a.engine, err = retrieval.New(a.policy, deps)
	if err != nil {
		return fmt.Errorf("retrieval engine init failed: %w", err)
	}
	plugin, err := direct.New(a.engine)
	if err != nil {
		return err
	}
	a.router, err = dispatcher.NewRouter(plugin)
	return err
}

func (a *App) setupLedger(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("using in-memory download ledger")
		a.ledger = memoryledger.New()
	} else {
		ledger, client, err := redisledger.Dial(ctx, a.cfg.Redis.Addr, redisledger.Options{
			KeyPrefix: a.cfg.Redis.KeyPrefix,
			TTL:       time.Duration(a.cfg.Redis.TTLHours) * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("redis ledger init failed: %w", err)
		}
		a.ledger = ledger
		a.redisClient = client
		a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		a.logger.Info("using redis download ledger", zap.String("addr", a.cfg.Redis.Addr))
	}
	a.processor = processor.New(a.engine, a.ledger, a.logger.Named("processor"))
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, skipping progress store initialization")
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: int32(a.cfg.DB.MaxConns),
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("postgres migrate failed: %w", err)
	}
	a.progressRepo, err = pgstore.NewProgressStore(pool)
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	a.checks["postgres"] = pool.Ping
	a.logger.Info("progress store initialized")
	return nil
}

func (a *App) setupExporter(ctx context.Context) error {
	var blobs downloader.BlobStore
	switch a.cfg.Export.Target {
	case config.ExportGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: a.cfg.Export.GCSBucket,
			Prefix: a.cfg.Export.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("exporting results to GCS", zap.String("bucket", a.cfg.Export.GCSBucket))
	case config.ExportPostgres:
		if a.pool == nil {
			return errors.New("export.target postgres requires db.dsn")
		}
		items, err := pgstore.NewItemStore(a.pool, a.cfg.DB.Table)
		if err != nil {
			return fmt.Errorf("item store init failed: %w", err)
		}
		if err := items.EnsureTable(ctx); err != nil {
			return fmt.Errorf("item table init failed: %w", err)
		}
		exporter, err := export.NewTableExporter(items, a.logger.Named("export"))
		if err != nil {
			return err
		}
		a.exporter = exporter
		a.logger.Info("exporting results to postgres", zap.String("table", a.cfg.DB.Table))
		return nil
	default:
		var err error
		blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("exporting results locally", zap.String("path", a.cfg.Export.LocalDir))
	}
	exporter, err := export.NewBlobExporter(blobs, a.clock, a.logger.Named("export"))
	if err != nil {
		return err
	}
	a.exporter = exporter
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.opts.registerer)
	if err != nil {
		return fmt.Errorf("prometheus progress sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewLedgerSink(a.ledger, a.logger.Named("progress_ledger")),
	}
	if a.progressRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.progressRepo, a.logger.Named("progress_store")))
	}
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		a.publisher, err = gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		sinkList = append(sinkList,
			progresssinks.NewPublisherSink(a.publisher, a.cfg.PubSub.TopicName, a.logger.Named("progress_pubsub")))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupWorker(context.Context) error {
	newRunner := func(dir string) (worker.BatchRunner, error) {
		return dispatcher.New(dispatcher.Config{
			Concurrency:  a.cfg.Downloader.Concurrency,
			DownloadDir:  dir,
			BlockedHosts: a.cfg.Downloader.BlockedHosts,
		}, a.processor, a.router, a.logger.Named("dispatcher")), nil
	}
	a.batches = memorystorage.NewBatchStore()
	a.queue = queuememory.NewQueue(a.cfg.Server.QueueDepth)
	reporter := progress.NewReporter(a.progressHub, a.clock, a.logger.Named("reporter"))

	var err error
	a.worker, err = worker.New(a.queue, a.batches, newRunner, reporter, a.exporter, a.policy,
		worker.Config{DefaultDownloadDir: a.cfg.Downloader.DownloadDir}, a.logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}

	a.apiServer, err = api.NewServer(api.Deps{
		Store:    a.batches,
		Queue:    a.queue,
		IDs:      uuid.New(),
		Clock:    a.clock,
		Progress: a.progressRepo,
		Checks:   a.checks,
	}, a.logger.Named("api"))
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Fetch runs items as a single batch in the foreground and returns its
// summary. downloadDir overrides downloader.download_dir when set.
func (a *App) Fetch(
	ctx context.Context,
	items []downloader.CrawledItem,
	downloadDir string,
) (string, progress.Summary, error) {
	batchID, err := uuid.New().NewID()
	if err != nil {
		return "", progress.Summary{}, err
	}
	if err := a.batches.CreateBatch(ctx, downloader.Batch{
		ID:          batchID,
		Status:      downloader.StatusReady,
		DownloadDir: downloadDir,
		Submitted:   a.clock.Now(),
		Items:       items,
	}); err != nil {
		return "", progress.Summary{}, fmt.Errorf("create batch: %w", err)
	}
	summary, err := a.worker.RunBatch(ctx, batchID)
	return batchID, summary, err
}

// Batch returns the stored state of a batch run by this App.
func (a *App) Batch(ctx context.Context, batchID string) (downloader.Batch, error) {
	return a.batches.GetBatch(ctx, batchID)
}

// Run serves the HTTP API and consumes queued batches until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		a.logger.Info("worker started")
		a.worker.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("worker did not stop before the shutdown deadline")
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(err, closeErr)
	default:
		return closeErr
	}
}

// Close releases every resource held by the App.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	err := a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.solver != nil {
		a.solver.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) error {
	if a.tracerShutdown == nil {
		return nil
	}
	if err := a.tracerShutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
