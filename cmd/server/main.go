/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the booking and settlement server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and the YAML config
  2. Apply command-line overrides
  3. Open the store (memory, sqlite or mongo)
  4. Connect the Redis report cache (and its warmer) and the receipt blob store
  5. Wire booking, settlement, instrument and report services
  6. Configure HTTP router, /metrics and tracing
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config   YAML config path (default: config.yaml, optional)
  -addr     Listen address, overrides server.addr
  -storage  memory | sqlite | mongo, overrides storage.driver
  -db       SQLite database path, overrides storage.sqlite_path
            Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout_seconds)
  3. Close the store and Redis
  4. Exit

EXAMPLES:
  # Local development, no auth, demo scenarios
  JWT_SECRET=dev ./server -storage=sqlite -db=./data/booking.db

  # Production config
  ./server -config=/etc/booking/config.yaml

SEE ALSO:
  - config/config.go: Configuration file format
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/warp/booking-engine/api"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/cache"
	"github.com/warp/booking-engine/config"
	"github.com/warp/booking-engine/domain"
	memstore "github.com/warp/booking-engine/domain/store"
	"github.com/warp/booking-engine/instrument"
	"github.com/warp/booking-engine/metrics"
	"github.com/warp/booking-engine/receipts"
	"github.com/warp/booking-engine/report"
	"github.com/warp/booking-engine/settlement"
	mongostore "github.com/warp/booking-engine/store/mongo"
	"github.com/warp/booking-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config path")
	addr := flag.String("addr", "", "HTTP listen address")
	driver := flag.String("storage", "", "Storage driver: memory, sqlite or mongo")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("failed to load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *driver != "" {
		cfg.Storage.Driver = *driver
	}
	if *dbPath != "" {
		cfg.Storage.SQLitePath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("invalid config")
	}

	log := newLogger(cfg)
	loc, _ := cfg.Location()
	discounts, _ := cfg.DiscountTable()

	ctx := context.Background()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to initialize store")
	}
	defer closeStore()
	log.Info().Str("driver", cfg.Storage.Driver).Msg("store ready")

	// Report cache
	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("address", cfg.Redis.Address).Msg("redis unavailable, report cache disabled")
			rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}
	reportCache := cache.NewReports(rdb, cfg.ReportTTL(), log)

	// Receipt storage
	var blobs receipts.BlobStore
	if cfg.Cloudinary.CloudName != "" {
		cld, err := receipts.NewCloudinary(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize cloudinary")
		}
		blobs = cld
	} else {
		log.Warn().Msg("cloudinary not configured, receipts kept in memory")
		blobs = receipts.NewMemory()
	}

	// Services
	bookings := booking.NewManager(store, discounts, log.With().Str("component", "booking").Logger())

	engine := settlement.NewEngine(store, log.With().Str("component", "settlement").Logger())
	engine.CountryCode = cfg.Feedback.CountryCode
	engine.FeedbackMessage = cfg.Feedback.Message

	ledger := instrument.NewLedger(store, cfg.Pricing(), log.With().Str("component", "instrument").Logger())
	if cfg.Instruments.CodeAttempts > 0 {
		ledger.CodeAttempts = cfg.Instruments.CodeAttempts
	}

	reports := report.NewAggregator(store, loc, reportCache, log.With().Str("component", "report").Logger())
	if rdb != nil {
		warmer := report.NewWarmer(reports, cfg.WarmInterval(), log.With().Str("component", "report_warmer").Logger())
		warmer.Start()
		defer warmer.Stop()
	}

	handler := api.NewHandler(store, bookings, engine, ledger, reports, blobs, log.With().Str("component", "api").Logger())

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Auth: api.AuthConfig{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Disabled: cfg.Auth.Disabled,
			DevUser:  domain.UserID(cfg.Auth.DevUser),
		},
		RPS:           cfg.RateLimit.RequestsPerSecond,
		Burst:         cfg.RateLimit.Burst,
		LoadScenarios: cfg.Server.LoadScenarios,
		Log:           log,
	})
	if cfg.Auth.Disabled {
		log.Warn().Str("dev_user", cfg.Auth.DevUser).Msg("authentication disabled")
	}

	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", otelhttp.NewHandler(router, "booking-engine"))

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openStore returns the configured store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config) (domain.TxStore, func(), error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := mongostore.New(connectCtx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Close(closeCtx)
		}, nil
	default:
		return memstore.NewMemory(), func() {}, nil
	}
}
