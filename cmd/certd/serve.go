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

	"github.com/spf13/cobra"

	"github.com/skillvergence/skillvergence-cert-go/internal/access"
	"github.com/skillvergence/skillvergence-cert-go/internal/auth"
	"github.com/skillvergence/skillvergence-cert-go/internal/catalog"
	"github.com/skillvergence/skillvergence-cert-go/internal/certificate"
	"github.com/skillvergence/skillvergence-cert-go/internal/completion"
	"github.com/skillvergence/skillvergence-cert-go/internal/config"
	"github.com/skillvergence/skillvergence-cert-go/internal/event"
	"github.com/skillvergence/skillvergence-cert-go/internal/media"
	"github.com/skillvergence/skillvergence-cert-go/internal/metrics"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
	"github.com/skillvergence/skillvergence-cert-go/internal/notify"
	"github.com/skillvergence/skillvergence-cert-go/internal/progress"
	"github.com/skillvergence/skillvergence-cert-go/internal/render"
	"github.com/skillvergence/skillvergence-cert-go/internal/server"
	"github.com/skillvergence/skillvergence-cert-go/internal/storage"
	"github.com/skillvergence/skillvergence-cert-go/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service (default)",
	RunE:  runServe,
}

// runServe initializes all components, starts the HTTP server, and handles graceful shutdown.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	logger := newLogger(cfg.Env, os.Stdout)
	slog.SetDefault(logger)

	if cfg.TracingEnabled {
		if _, err := telemetry.InitTracer("skillvergence-certd", version, nil); err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.ShutdownTracer(ctx)
		}()
	}

	m := metrics.NewMetrics()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closer, ok := store.(interface{ Close() }); ok {
			closer.Close()
		}
	}()
	logger.Info("storage ready", "backend", cfg.StorageBackend())

	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath, m); err != nil {
			return err
		}
	}
	logger.Info("course catalog loaded", "version", cat.Version(), "courses", len(cat.Courses()))

	// Events go to JetStream (or nowhere) and to in-process subscribers
	hub := event.NewHub()
	pub := event.Multi(event.NewNATSPublisher(cfg.NATSURL), hub)
	defer pub.Close()
	deliveries, stopWatching := hub.Subscribe(64, event.TypeCertificateDelivery)
	defer stopWatching()
	go watchDeliveries(deliveries)

	courier, err := newCourier(cfg)
	if err != nil {
		return err
	}

	ledger := progress.NewLedger(store, progress.WithPublisher(pub), progress.WithMetrics(m))
	lifecycle := certificate.New(store,
		certificate.WithNotifier(courier),
		certificate.WithPublisher(pub),
		certificate.WithMetrics(m),
		certificate.WithNotifyTimeout(cfg.NotifyTimeout),
	)

	checks := map[string]func(context.Context) error{}
	var codes access.CodeSet = access.NewStoreCodeSet(store)
	if cfg.RedisAddr != "" {
		redisCodes, err := access.NewRedisCodeSet(cfg.RedisAddr, cfg.RedisKey)
		if err != nil {
			return err
		}
		defer redisCodes.Close()
		codes = redisCodes
		checks["redis"] = redisCodes.Ping
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, auth.WithJWKS(cfg.JWKSURL))
	if err != nil {
		return err
	}

	mux := server.NewMux(server.Deps{
		Store:              store,
		Ledger:             ledger,
		Evaluator:          completion.NewEvaluator(ledger, cat),
		Catalog:            cat,
		Lifecycle:          lifecycle,
		Gate:               access.NewGate(codes, m),
		Verifier:           verifier,
		Metrics:            m,
		Checks:             checks,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Deliveries already dispatched finish before the store closes
	lifecycle.Wait()
	logger.Info("server exited")
	return nil
}

// openStore selects PostgreSQL, SQLite or the in-memory store from the configuration.
func openStore(cfg config.Config) (storage.Store, error) {
	switch cfg.StorageBackend() {
	case "postgres":
		s, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := storage.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite storage: %w", err)
		}
		return s, nil
	default:
		slog.Warn("using in-memory storage; progress and certificates are lost on restart")
		return storage.NewMemory(), nil
	}
}

// newCourier wires certificate delivery: artwork is always rendered, S3 archiving and
// SendGrid email are enabled by their configuration.
func newCourier(cfg config.Config) (*notify.Courier, error) {
	renderer, err := render.NewRenderer(cfg.CertFont)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize certificate renderer: %w", err)
	}

	var opts []notify.Option
	if cfg.S3Bucket != "" {
		s3c, err := media.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
		}
		opts = append(opts, notify.WithArchive(s3c))
	}
	if cfg.SendGridAPIKey != "" {
		mailer, err := notify.NewSendGridMailer(cfg.SendGridAPIKey, cfg.MailFrom, cfg.MailFromName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SendGrid mailer: %w", err)
		}
		opts = append(opts, notify.WithMailer(mailer))
	}
	if len(opts) == 0 {
		slog.Warn("no certificate delivery channel configured; issued certificates are recorded as skipped")
	}
	return notify.NewCourier(renderer, opts...), nil
}

// watchDeliveries logs delivery outcomes so failed sends are visible to operators.
func watchDeliveries(ch <-chan event.EventEnvelope) {
	for env := range ch {
		d, ok := env.Payload.(model.DeliveryResult)
		if !ok {
			continue
		}
		if d.Status == model.DeliveryFailed {
			slog.Warn("certificate delivery failed; resend from the admin API",
				"certificateId", d.CertificateID, "error", d.Error, "correlationId", env.CorrelationID)
			continue
		}
		slog.Debug("certificate delivery recorded", "certificateId", d.CertificateID, "status", d.Status)
	}
}
