package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zones"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := runMigrations(ps); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory storage")
		store = storage.NewMemoryStore()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zoneStore := zones.NewStore(store, logger)
	if err := zoneStore.Refresh(ctx); err != nil {
		logger.Error("initial zone load failed", "error", err)
	}
	priceStore := pricing.NewStore(store, zoneStore, logger)
	if err := priceStore.Refresh(ctx); err != nil {
		logger.Error("initial pricing load failed", "error", err)
	}
	discounts := pricing.NewDiscountEngine(store, logger)
	if err := discounts.Refresh(ctx); err != nil {
		logger.Warn("discount config load failed, defaults stay active", "error", err)
	}

	quoter := &fare.Service{
		Zones:           zones.NewResolver(zoneStore),
		Pricing:         priceStore,
		Discounts:       discounts,
		Logger:          logger,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
	}
	if cfg.OSRMEndpoint != "" {
		quoter.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		quoter.ETACache = eta.NewCache(cfg.ETACacheTTL)
	}

	var geoIdx geo.Index
	if cfg.RedisAddr != "" {
		geoIdx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		geoIdx = geo.NewMemoryIndex()
	}

	coord := dispatch.NewCoordinator(dispatch.NewHub(), quoter, store, geoIdx, dispatch.Config{
		AcceptTimeout:   cfg.AcceptTimeout,
		BroadcastRadius: cfg.BroadcastRadiusM,
		VehicleType:     cfg.VehicleType,
		Currency:        cfg.Currency,
	}, logger)

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		coord.SetPublisher(kp)
	}
	if cfg.PaymentsEnabled {
		coord.SetPayments(payments.NewStripeClient(cfg.StripeAPIKey))
		logger.Info("fare holds enabled")
	}

	// periodic catalog reload so admin edits land without a restart
	go func() {
		tick := time.NewTicker(cfg.CatalogRefreshTick)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				for name, ref := range map[string]interface {
					Refresh(context.Context) error
				}{"zones": zoneStore, "pricing": priceStore, "discounts": discounts} {
					if err := ref.Refresh(ctx); err != nil {
						logger.Warn("catalog refresh failed", "catalog", name, "error", err)
					}
				}
			}
		}
	}()

	api := httpapi.NewServer(coord, quoter, zoneStore, priceStore, discounts, cfg.VehicleType, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func runMigrations(ps *storage.PostgresStore) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		return err
	}
	_, err = ps.DB().Exec(string(b))
	return err
}
