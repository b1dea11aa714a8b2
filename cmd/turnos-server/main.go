package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/stripe/stripe-go/v76"

	"turnos/backend/internal/clock"
	"turnos/backend/internal/config"
	"turnos/backend/internal/directory"
	"turnos/backend/internal/notify/redisnotify"
	"turnos/backend/internal/payment/stripepay"
	"turnos/backend/internal/service/booking"
	"turnos/backend/internal/service/scheduling"
	"turnos/backend/internal/store/postgres"
	httpTransport "turnos/backend/internal/transport/http"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "turnos-server"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "turnos-server"),
	)
	slog.SetDefault(log)

	log.Info("starting", slog.String("http_addr", cfg.HTTPAddr), slog.String("log_level", cfg.LogLevel))

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		os.Exit(1)
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	if err := postgres.Migrate(context.Background(), db); err != nil {
		log.Error("migrations failed", slog.Any("err", err))
		os.Exit(1)
	}

	stripe.Key = cfg.StripeSecretKey

	clk := clock.System{}
	scheduleRepo := postgres.NewScheduleRepo(db)
	appointmentRepo := postgres.NewAppointmentRepo(db)
	dir := directory.NewClient(cfg.DirectoryBaseURL)

	var notifier booking.Notifier = redisnotify.Nop{}
	if cfg.RedisAddr != "" {
		redisNotifier, err := redisnotify.New(cfg.RedisAddr)
		if err != nil {
			log.Error("redis connection failed", slog.Any("err", err), slog.String("redis_addr", cfg.RedisAddr))
			os.Exit(1)
		}
		defer func() {
			if err := redisNotifier.Close(); err != nil {
				log.Warn("redis close failed", slog.Any("err", err))
			}
		}()
		notifier = redisNotifier
	}

	issuer := stripepay.NewIssuer(stripepay.Config{
		SuccessURL: cfg.PaymentSuccessURL,
		CancelURL:  cfg.PaymentCancelURL,
		Window:     cfg.PaymentWindow,
	}, clk)

	schedulingSvc := scheduling.NewService(scheduleRepo, appointmentRepo, dir, clk)
	bookingSvc := booking.NewService(appointmentRepo, schedulingSvc, dir, dir, issuer, notifier, clk, log)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpTransport.NewServer(schedulingSvc, bookingSvc, log).Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	log.Info("http server started", slog.String("http_addr", cfg.HTTPAddr))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http graceful shutdown failed", slog.Any("err", err))
		} else {
			log.Info("http server stopped")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped with error", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
