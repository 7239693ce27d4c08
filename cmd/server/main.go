package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	sloggorm "github.com/orandin/slog-gorm"
	"github.com/sethvargo/go-retry"
	otellib "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	servermiddleware "github.com/omjvalidator/grader-api/cmd/server/internal/middleware"
	"github.com/omjvalidator/grader-api/cmd/server/internal/migrations"
	"github.com/omjvalidator/grader-api/cmd/server/internal/models"
	"github.com/omjvalidator/grader-api/cmd/server/internal/routes"
	routesv1 "github.com/omjvalidator/grader-api/cmd/server/internal/routes/v1"
	"github.com/omjvalidator/grader-api/cmd/server/internal/store"
	"github.com/omjvalidator/grader-api/cmd/server/internal/taskrunner"
	"github.com/omjvalidator/grader-api/internal/admission"
	"github.com/omjvalidator/grader-api/internal/config"
	"github.com/omjvalidator/grader-api/internal/content"
	"github.com/omjvalidator/grader-api/internal/inference"
	"github.com/omjvalidator/grader-api/internal/logger"
	"github.com/omjvalidator/grader-api/internal/otel"
	"github.com/omjvalidator/grader-api/internal/pipeline"
	"github.com/omjvalidator/grader-api/internal/progress"
	"github.com/omjvalidator/grader-api/internal/translate"
	"github.com/omjvalidator/grader-api/internal/upload"
)

const name string = "github.com/omjvalidator/grader-api/server"

var tracer = otellib.Tracer(name)

// Stuck submissions get this much grace beyond the AI timeout before a
// read repairs them to failed.
const staleGrace = 60 * time.Second

const hubSweepInterval = time.Minute

type server struct {
	router       *echo.Echo
	config       *config.Config
	db           *gorm.DB
	hub          *progress.Hub
	taskRunner   *taskrunner.Client
	otelShutdown func(context.Context) error
	sweepCancel  func()
}

func initServer(ctx context.Context) (*server, error) {
	server := new(server)

	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server config: %w", err)
	}
	server.config = cfg

	shutdownOTel, err := otel.SetupOTelSDK(ctx, cfg.Logging.UseOTLP)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OTEL SDK: %w", err)
	}
	defer func() {
		// Something failed to initialize, make sure everything gets flushed to the server
		if server.otelShutdown == nil {
			otelShutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				time.Second*time.Duration(cfg.GracefulShutdownSecs),
			)
			defer cancel()

			if err = shutdownOTel(otelShutdownCtx); err != nil {
				logger.Logger.Error("failed to flush otel data", "error", err)
			}
		}
	}()

	ctx, span := tracer.Start(ctx, "initServer")
	defer span.End()

	logger.LogLevel.Set(slog.Level(cfg.Logging.App.Level))
	gormLogger := slog.New(logger.Handler)

	sg := sloggorm.New(
		sloggorm.WithHandler(gormLogger.Handler()),
		sloggorm.SetLogLevel(sloggorm.DefaultLogType, slog.Level(cfg.Logging.Gorm.Level)),
	)
	if cfg.Logging.Gorm.TraceQueries {
		sg = sloggorm.New(
			sloggorm.WithHandler(gormLogger.Handler()),
			sloggorm.WithTraceAll(),
			sloggorm.SetLogLevel(sloggorm.DefaultLogType, slog.Level(cfg.Logging.Gorm.Level)),
		)
	}

	span.AddEvent("initialized gorm logging")

	db, err := gorm.Open(
		postgres.Open(cfg.PostgresDSN()),
		&gorm.Config{Logger: sg, TranslateError: true},
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to initialize database")
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to acquire underlying database connection")
		return nil, fmt.Errorf("failed to acquire underlying database connection: %w", err)
	}

	// Configure db connection pool
	sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConnections)
	sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConnections)
	sqlDB.SetConnMaxLifetime(cfg.Postgres.ConnectionTTL)

	span.AddEvent("initialized database connection")

	err = db.Use(gormtracing.NewPlugin())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to add otel plugin to gorm")
		return nil, fmt.Errorf("failed to add otel plugin to gorm: %w", err)
	}

	span.AddEvent("added the otel plugin to gorm")

	err = migrations.Up(ctx, db)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to perform database migrations")
		return nil, fmt.Errorf("failed to perform database migrations: %w", err)
	}

	span.AddEvent("migrated database to latest version")

	if err = models.LoadUsersFromConfig(ctx, db, cfg.Users); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load users from config")
		return nil, fmt.Errorf("failed to load users from config: %w", err)
	}

	span.AddEvent("loaded users from config")

	var archiver upload.Uploader
	if cfg.Archive != nil && cfg.Archive.Enabled {
		minioUploader, err := upload.NewMinioUploader(
			cfg.Archive.Endpoint,
			cfg.Archive.AccessKeyID,
			cfg.Archive.SecretAccessKey,
			cfg.Archive.SSLEnabled,
			cfg.Archive.BucketName,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to construct archiver")
			return nil, fmt.Errorf("failed to construct archiver: %w", err)
		}

		backoff := func() retry.Backoff {
			b := retry.NewFibonacci(time.Millisecond * 25)
			b = retry.WithMaxRetries(3, b)
			return b
		}
		archiver = upload.NewRetryUploaderBackoff(minioUploader, backoff)

		span.AddEvent("initialized image archiver")
	}

	provider, err := inference.New(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct inference provider")
		return nil, fmt.Errorf("failed to construct inference provider: %w", err)
	}

	span.AddEvent("initialized inference provider")

	var translator *translate.Client
	if cfg.Translate != nil {
		translator = translate.New(cfg.Translate.APIKey, cfg.Translate.Enabled)
	} else {
		translator = translate.New("", false)
	}

	hub := progress.NewHub(translator)
	library := content.NewLibrary(cfg.ContentDir)
	submissionStore := store.New(db, cfg.AITimeout()+staleGrace)

	unlimited := make([]string, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Unlimited {
			unlimited = append(unlimited, u.ID)
		}
	}
	gate := admission.NewGate(
		submissionStore,
		cfg.Limits.UserDaily,
		cfg.Limits.GlobalDaily,
		unlimited,
	)

	runner := pipeline.NewRunner(submissionStore, hub, provider, archiver)
	taskRunnerClient := taskrunner.Create()

	v1Handler := routesv1.NewHandler(
		db,
		submissionStore,
		hub,
		gate,
		runner,
		taskRunnerClient,
		library,
		cfg,
	)
	middlewareHandler := servermiddleware.Handler{DB: db, Users: cfg.Users}

	e, err := routes.BuildEcho(logger.Logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error building router")
		return nil, fmt.Errorf("error building router: %w", err)
	}

	span.AddEvent("created echo router")

	v1Handler.AddRoutes(e, &middlewareHandler)

	server.otelShutdown = shutdownOTel
	server.router = e
	server.db = db
	server.hub = hub
	server.taskRunner = taskRunnerClient

	return server, nil
}

func (s *server) Start(ctx context.Context) error {
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	s.sweepCancel = sweepCancel
	go s.sweepHub(sweepCtx)

	logger.Logger.Info("Starting services...")

	err := s.router.Start(s.config.ListenAddress)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// sweepHub periodically drops terminal unwatched progress entries so
// the hub does not grow without bound.
func (s *server) sweepHub(ctx context.Context) {
	ticker := time.NewTicker(hubSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.hub.Sweep(ctx); removed > 0 {
				logger.Logger.DebugContext(ctx, "swept progress entries", "count", removed)
			}
		}
	}
}

func (s *server) Shutdown() error {
	var errs error

	ctx, cancelTimeout := context.WithTimeout(
		context.Background(),
		time.Second*time.Duration(s.config.GracefulShutdownSecs),
	)
	defer cancelTimeout()

	if s.sweepCancel != nil {
		s.sweepCancel()
	}

	if err := s.router.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, err)
	}

	if err := s.taskRunner.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("failed to shutdown taskRunner gracefully: %w", err))
	}

	if s.otelShutdown != nil {
		errs = errors.Join(errs, s.otelShutdown(ctx))
	}

	return errs
}

func main() {
	ctx, cancelSignal := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)

	logger.InitSlog()

	server, err := initServer(ctx)
	if err != nil {
		logger.Logger.Error(err.Error())
		cancelSignal()
		os.Exit(1)
	}

	errch := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Logger.Info("Got shutdown signal!")
		errch <- server.Shutdown()
		close(errch)
	}()

	if err := server.Start(ctx); err != nil {
		logger.Logger.Error(err.Error())
		cancelSignal()
		os.Exit(1)
	}

	if err := <-errch; err != nil {
		logger.Logger.Error("Error shutting down server", "error", err)
	}

	cancelSignal()
}
