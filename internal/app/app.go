// Package app initializes and runs the main application service.
// It configures logging, storage, sessions, image hosting and routing,
// and handles graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/patric-chuzhbe/merneats/internal/auth"
	"github.com/patric-chuzhbe/merneats/internal/config"
	"github.com/patric-chuzhbe/merneats/internal/db/jsondb"
	"github.com/patric-chuzhbe/merneats/internal/db/memorystorage"
	"github.com/patric-chuzhbe/merneats/internal/db/postgresdb"
	"github.com/patric-chuzhbe/merneats/internal/db/storage"
	"github.com/patric-chuzhbe/merneats/internal/grpcserver"
	"github.com/patric-chuzhbe/merneats/internal/imagestore"
	"github.com/patric-chuzhbe/merneats/internal/imagesweeper"
	"github.com/patric-chuzhbe/merneats/internal/ipchecker"
	"github.com/patric-chuzhbe/merneats/internal/logger"
	"github.com/patric-chuzhbe/merneats/internal/metrics"
	"github.com/patric-chuzhbe/merneats/internal/models"
	"github.com/patric-chuzhbe/merneats/internal/ratelimit"
	"github.com/patric-chuzhbe/merneats/internal/revocation"
	"github.com/patric-chuzhbe/merneats/internal/router"
	"github.com/patric-chuzhbe/merneats/internal/service"
	"github.com/patric-chuzhbe/merneats/internal/telemetry"
)

const serviceName = "merneats"

type imageHost interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, keys ...string) error
	KeyFromURL(imageURL string) (string, bool)
}

// App encapsulates the configuration, HTTP handler, storage backend and
// background services (such as the image sweeper) needed to run the service.
type App struct {
	cfg             *config.Config
	db              storage.Storage
	sweeper         *imagesweeper.Sweeper
	stopSweeper     context.CancelFunc
	closers         []io.Closer
	httpHandler     http.Handler
	grpcServer      *grpc.Server
	grpcListener    net.Listener
	shutdownTracing telemetry.ShutdownFunc
}

// New loads the configuration, initializes the logger and builds the App.
func New() (*App, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}

	err = logger.Init(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	return newFromConfig(context.Background(), cfg)
}

func newFromConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	var err error
	app := &App{cfg: cfg}

	app.shutdownTracing = telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint)

	app.db, err = getStorageByType(ctx, cfg)
	if err != nil {
		return nil, err
	}

	images, imagesHandler, err := getImageHost(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app.sweeper = imagesweeper.New(images, cfg.ImageSweepBatch*10, cfg.ImageSweepInterval, cfg.ImageSweepBatch)
	sweeperRunCtx, stopSweeper := context.WithCancel(context.Background())
	app.stopSweeper = stopSweeper
	app.sweeper.Run(sweeperRunCtx)
	app.sweeper.ListenErrors(func(err error) {
		logger.Log.Warnw("image sweep failed", zap.Error(err))
	})

	hasher, err := auth.NewPasswordHasher(cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	svc := service.New(app.db, hasher, images, app.sweeper)

	tokens, err := auth.NewTokens([]byte(cfg.JWTSecret), cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	collector := metrics.New()
	authOptions := []auth.Option{auth.WithObserver(collector.ObserveSession)}
	if cfg.SessionRevocation {
		denylist, err := app.getDenylist(ctx)
		if err != nil {
			return nil, err
		}
		authOptions = append(authOptions, auth.WithDenylist(denylist))
	}
	sessions := auth.New(tokens, cfg.AuthCookieName, cfg.Production, authOptions...)

	ipChecker, err := ipchecker.New(cfg.TrustedSubnet, ipchecker.WithProxyHeaders(cfg.TrustProxy))
	if err != nil {
		return nil, err
	}

	routerOptions := []router.Option{
		router.WithMetrics(collector),
		router.WithAllowedOrigins(cfg.AllowedOrigins),
		router.WithTracing(cfg.OTLPEndpoint != ""),
	}
	if imagesHandler != nil {
		routerOptions = append(routerOptions, router.WithImagesHandler(imagesHandler))
	}
	limiter := ratelimit.New(cfg.LoginRatePerMin, cfg.LoginRateBurst)
	if limiter.Enabled() {
		routerOptions = append(routerOptions, router.WithLimiter(limiter))
	}
	app.httpHandler = router.New(svc, sessions, ipChecker, routerOptions...)

	if cfg.GRPCAddress != "" {
		app.grpcServer, app.grpcListener, err = grpcserver.NewGRPCServer(
			cfg.GRPCAddress,
			grpcserver.NewSessionHandler(svc),
			sessions,
		)
		if err != nil {
			return nil, err
		}
	}

	return app, nil
}

func (a *App) getDenylist(ctx context.Context) (auth.Denylist, error) {
	if a.cfg.RedisURL == "" {
		return revocation.NewMemory(), nil
	}

	denylist, client, err := revocation.NewRedisFromURL(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client)

	return denylist, nil
}

// Run starts the HTTP server, and the gRPC server when configured, with
// graceful shutdown support. It listens for system signals and cleans up
// resources upon termination.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Log.Infow("server running", "RunAddr", a.cfg.RunAddr, "GRPCAddress", a.cfg.GRPCAddress)

	server := &http.Server{
		Addr:              a.cfg.RunAddr,
		Handler:           a.httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 2)
	go func() {
		serverErrCh <- server.ListenAndServe()
	}()
	if a.grpcServer != nil {
		go func() {
			serverErrCh <- a.grpcServer.Serve(a.grpcListener)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Log.Infoln("Received shutdown signal. Saving database and exiting...")
	case err := <-serverErrCh:
		runErr = fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		runErr = errors.Join(runErr, fmt.Errorf("server shutdown error: %w", err))
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	return errors.Join(runErr, a.shutdown(shutdownCtx))
}

// shutdown stops the background services and releases the storage.
func (a *App) shutdown(ctx context.Context) error {
	a.stopSweeper()
	select {
	case <-a.sweeper.Done():
	case <-ctx.Done():
		logger.Log.Warnw("image sweeper did not finish in time")
	}

	var err error
	if tracingErr := a.shutdownTracing(ctx); tracingErr != nil {
		err = errors.Join(err, tracingErr)
	}
	for _, closer := range a.closers {
		err = errors.Join(err, closer.Close())
	}

	return errors.Join(err, a.db.Close())
}

// Close finalizes resources used by App such as logging.
func (a *App) Close() {
	if err := logger.Sync(); err != nil {
		fmt.Println("Logger sync error:", err)
	}
}

func getAvailableStorageType(cfg *config.Config) int {
	if cfg.DatabaseDSN != "" {
		return models.StorageTypePostgresql
	}

	if cfg.DBFileName != "" {
		return models.StorageTypeFile
	}

	return models.StorageTypeMemory
}

func getStorageByType(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch getAvailableStorageType(cfg) {
	case models.StorageTypeUnknown:
		return nil, errors.New("unknown storage type")

	case models.StorageTypePostgresql:
		return postgresdb.New(
			ctx,
			cfg.DatabaseDSN,
			cfg.DBConnectionTimeout,
			cfg.MigrationsDir,
		)

	case models.StorageTypeFile:
		return jsondb.New(cfg.DBFileName)
	}

	return memorystorage.New()
}

// getImageHost returns the S3 store when a bucket is configured, otherwise a
// local directory together with the handler that serves it.
func getImageHost(ctx context.Context, cfg *config.Config) (imageHost, http.Handler, error) {
	if cfg.UsesS3() {
		store, err := imagestore.NewS3(ctx, imagestore.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicBaseURL:   cfg.S3PublicBaseURL,
		})
		if err != nil {
			return nil, nil, err
		}

		return store, nil, nil
	}

	store, err := imagestore.NewLocal(cfg.ImagesDir, cfg.PublicBaseURL)
	if err != nil {
		return nil, nil, err
	}

	return store, store.Handler(), nil
}
