package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/clearinghouse/internal/api"
	"github.com/xtrntr/clearinghouse/internal/auth"
	"github.com/xtrntr/clearinghouse/internal/config"
	"github.com/xtrntr/clearinghouse/internal/db"
	"github.com/xtrntr/clearinghouse/internal/exchange"
	"github.com/xtrntr/clearinghouse/internal/logging"
	"github.com/xtrntr/clearinghouse/internal/metrics"
	"github.com/xtrntr/clearinghouse/internal/publisher"
	"github.com/xtrntr/clearinghouse/internal/queue"
	"github.com/xtrntr/clearinghouse/internal/settlement"
	"github.com/xtrntr/clearinghouse/internal/store"
)

// Main entry point: sets up the partition store, order book, settlement
// pipeline and HTTP server
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("partition", cfg.Partition.ID))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(reg)

	// Partition state
	st, err := store.Open(store.Options{Dir: cfg.Store.Dir, InMemory: cfg.Store.InMemory}, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	q, err := queue.New(st, cfg.Partition.ID)
	if err != nil {
		return err
	}
	defer q.Close()
	accounts := store.NewAccounts(st)

	// Trade log
	var (
		tradeLog settlement.TradeLog
		history  api.TradeHistory
		ping     func(context.Context) error
	)
	switch cfg.TradeLog.Driver {
	case "postgres":
		database, err := db.NewDB(ctx, cfg.TradeLog.PostgresURL)
		if err != nil {
			return err
		}
		defer database.Close(ctx)
		tradeLog, history, ping = database, database, database.Ping
	case "kafka":
		pub := publisher.NewKafkaPublisher(cfg.TradeLog.KafkaBrokers, cfg.TradeLog.KafkaTopic)
		defer pub.Close()
		tradeLog = pub
	}

	// Settlement: in-process unless remote replicas are configured
	submitter := settlement.NewSubmitter(st, q, cfg.Settlement.MaxPending, logger, rec)
	var settler exchange.Settler = submitter
	if len(cfg.Settlement.Endpoints) > 0 {
		client, err := api.NewSettlementClient(cfg.Settlement.Endpoints, cfg.Settlement.Token, cfg.Settlement.RequestTimeout, logger)
		if err != nil {
			return err
		}
		settler = client
	}
	engine := settlement.NewEngine(st, q, tradeLog, settlement.Options{
		IdleInterval: cfg.Settlement.IdleInterval,
		BackoffBase:  cfg.Settlement.BackoffBase,
		BackoffMax:   cfg.Settlement.BackoffMax,
	}, logger, rec)

	// Initialize exchange (order book and matching loop)
	book := exchange.NewOrderBook(settler, exchange.Options{
		MaxPendingAsks: cfg.Book.MaxPendingAsks,
		MaxPendingBids: cfg.Book.MaxPendingBids,
		OrderTTL:       cfg.Book.OrderTTL,
		IdleInterval:   cfg.Book.IdleInterval,
		BackoffBase:    cfg.Book.BackoffBase,
		BackoffMax:     cfg.Book.BackoffMax,
	}, logger, rec)

	authService := auth.NewAuthService(accounts, auth.Options{
		Secret:          cfg.Auth.JWTSecret,
		TokenTTL:        cfg.Auth.TokenTTL,
		InitialBalance:  cfg.Accounts.InitialBalance,
		InitialHoldings: cfg.Accounts.InitialHoldings,
	})
	handler := api.NewHandler(book, authService, accounts, logger)
	handler.Trades = history

	// Set up HTTP router
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	handler.Routes(r)
	api.NewSettlementHandler(submitter, cfg.Settlement.Token, logger).Routes(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				http.Error(w, `{"status": "degraded"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return book.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// Stop accepting writes before the listener drains.
		st.Fence()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
