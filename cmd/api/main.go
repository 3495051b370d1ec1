package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/orders/internal/handlers"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/platform/erp"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/platform/jobs"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/platform/secrets"
	"github.com/hanko-field/orders/internal/repositories"
	firestoreRepo "github.com/hanko-field/orders/internal/repositories/firestore"
	"github.com/hanko-field/orders/internal/services"
)

const meterName = "github.com/hanko-field/orders"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("orders")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	productRepo, err := firestoreRepo.NewProductRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise product repository", zap.Error(err))
	}
	actorRepo, err := firestoreRepo.NewActorRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise actor repository", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithActorFinder(actorRepo))
	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)

	events, closeEvents := newOrderEventPublisher(ctx, logger, cfg.PubSub)
	defer closeEvents()

	erpClient := newERPClient(logger, cfg.ERP)
	newID := func() string { return ulid.Make().String() }
	meter := otel.Meter(meterName)

	synchronizerDeps := services.ERPSynchronizerDeps{
		Settings: services.ERPSyncSettings{
			Credentials: erp.Credentials{
				Database: cfg.ERP.Database,
				Username: cfg.ERP.Username,
				Password: cfg.ERP.Password,
			},
			NamePrefixes:     cfg.ERP.NamePrefixes,
			ProductModels:    cfg.ERP.ProductModels,
			DefaultPartnerID: int64(cfg.ERP.DefaultPartnerID),
		},
		Orders:      orderRepo,
		Products:    productRepo,
		Events:      events,
		Meter:       meter,
		IDGenerator: newID,
		Logger:      observability.EventLogger(logger.Named("erp"), "erp.sync.completed", "erp.sync.skipped", "erp.sync.line_unresolved"),
	}
	if erpClient != nil {
		synchronizerDeps.Client = erpClient
	}
	synchronizer, err := services.NewERPSynchronizer(synchronizerDeps)
	if err != nil {
		logger.Fatal("failed to initialise erp synchronizer", zap.Error(err))
	}

	dispatcher, err := services.NewSyncDispatcher(services.SyncDispatcherDeps{
		Syncer:     synchronizer,
		Workers:    cfg.Sync.Workers,
		QueueSize:  cfg.Sync.QueueSize,
		JobTimeout: cfg.Sync.JobTimeout,
		Logger:     observability.EventLogger(logger.Named("sync")),
	})
	if err != nil {
		logger.Fatal("failed to initialise sync dispatcher", zap.Error(err))
	}
	dispatcher.Start()
	logger.Info("erp sync configured", zap.Bool("enabled", dispatcher.Enabled()), zap.Int("workers", cfg.Sync.Workers))

	pricing, err := services.NewPricingValidator(services.PricingValidatorDeps{
		Products:        productRepo,
		CeilingMultiple: cfg.Orders.PriceCeilingMultiple,
	})
	if err != nil {
		logger.Fatal("failed to initialise pricing validator", zap.Error(err))
	}

	pageOptions := pagination.Options{
		DefaultPageSize: cfg.Orders.DefaultPageSize,
		MaxPageSize:     cfg.Orders.MaxPageSize,
	}
	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          orderRepo,
		Actors:          actorRepo,
		Pricing:         pricing,
		Sync:            dispatcher,
		Events:          events,
		GuestReadWindow: cfg.Orders.GuestReadWindow,
		Pages:           pageOptions,
		IDGenerator:     newID,
		Logger:          observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreProvider, erpClient, dispatcher, buildInfo)
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		runIdempotencyCleanup(cleanupCtx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
	}()

	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService,
		handlers.WithGuestOrderRateLimit(cfg.RateLimits.GuestOrdersPerMinute, cfg.RateLimits.GuestOrdersBurst),
		handlers.WithCreateOrderMiddlewares(idempotencyMiddleware),
		handlers.WithOrderPageOptions(pageOptions),
	)
	internalHandlers := handlers.NewInternalOrderHandlers(orderService)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(systemService),
		handlers.WithHealthBuildInfo(buildInfo),
	)

	opts := []handlers.Option{
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMiddlewares(
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger.Named("http")),
		),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("orders api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	cleanupCancel()
	cleanupWG.Wait()

	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("erp sync queue not fully drained", zap.Error(err))
	}
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func newOrderEventPublisher(ctx context.Context, logger *zap.Logger, cfg config.PubSubConfig) (services.OrderEventPublisher, func()) {
	topicName := strings.TrimSpace(cfg.OrderTopic)
	if topicName == "" {
		logger.Info("order events disabled; no pubsub topic configured")
		return jobs.NoopOrderEventPublisher{}, func() {}
	}

	if host := strings.TrimSpace(cfg.EmulatorURL); host != "" && os.Getenv("PUBSUB_EMULATOR_HOST") == "" {
		_ = os.Setenv("PUBSUB_EMULATOR_HOST", host)
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	topic := client.Topic(topicName)
	topic.EnableMessageOrdering = true

	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	return publisher, func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
}

// newERPClient returns nil when the ERP is not configured, which disables sync.
func newERPClient(logger *zap.Logger, cfg config.ERPConfig) *erp.Client {
	if !cfg.Enabled() {
		logger.Info("erp sync disabled; connection settings incomplete")
		return nil
	}
	client, err := erp.NewClient(cfg.Endpoint, erp.WithTimeout(cfg.Timeout))
	if err != nil {
		logger.Warn("erp client init failed; sync disabled", zap.Error(err))
		return nil
	}
	return client
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSystemService(provider *pfirestore.Provider, erpClient *erp.Client, scheduler services.SyncScheduler, build services.BuildInfo) (services.SystemService, error) {
	checks := []repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check:   provider.Ping,
	}}
	if erpClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "erp",
			Timeout:  2 * time.Second,
			Optional: true,
			Check:    erpClient.Ping,
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
		Sync:             scheduler,
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	opts := []auth.OIDCOption{
		auth.WithOIDCLogger(logger),
		auth.WithOIDCAllowedCallers(cfg.Security.OIDC.AllowedCallers...),
	}
	if recorder, err := auth.NewMeterRecorder(otel.Meter(meterName)); err != nil {
		logger.Warn("auth: verification metrics disabled", zap.Error(err))
	} else {
		opts = append(opts, auth.WithOIDCMetrics(recorder))
	}
	validator := auth.NewOIDCValidator(cache, opts...)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter(meterName)),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames marks the ERP password required only when it is given as a secret reference.
func requiredSecretNames(env map[string]string) []string {
	raw := strings.TrimSpace(env["API_ERP_PASSWORD"])
	if strings.HasPrefix(raw, "secret://") || strings.HasPrefix(raw, "sm://") {
		return []string{"ERP.Password"}
	}
	return nil
}
