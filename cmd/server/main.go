package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/smart-order/internal/adapter/events"
	"github.com/rl1809/smart-order/internal/adapter/gateway"
	"github.com/rl1809/smart-order/internal/adapter/handler"
	"github.com/rl1809/smart-order/internal/adapter/storage"
	"github.com/rl1809/smart-order/internal/config"
	"github.com/rl1809/smart-order/internal/core/service"
	"github.com/rl1809/smart-order/internal/logging"
	"github.com/rl1809/smart-order/internal/port"
	"github.com/rl1809/smart-order/internal/shutdown"
	"github.com/rl1809/smart-order/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)
	var traceOut io.Writer
	if cfg.Tracing.Exporter == config.TraceExporterStdout {
		traceOut = os.Stderr
	}
	stopTracing, err := tracing.Setup(cfg.Tracing.ServiceName, traceOut)
	if err != nil {
		log.Error("failed to set up tracing", "err", err)
		os.Exit(1)
	}

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	// Initialize document store
	var (
		store port.DocumentStore
		db    *sql.DB
	)
	memory := storage.NewMemoryStore()
	if cfg.DB.Driver == config.DriverMemory {
		store = memory
		log.Warn("using in-memory store, data is lost on restart")
	} else {
		db, err = sql.Open(cfg.DB.Driver, cfg.DB.DSN)
		if err != nil {
			log.Error("failed to open database", "driver", cfg.DB.Driver, "err", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			log.Error("failed to ping database", "driver", cfg.DB.Driver, "err", err)
			os.Exit(1)
		}
		sqlAdapter, err := storage.NewSQLAdapter(db, cfg.DB.Driver)
		if err != nil {
			log.Error("failed to create store", "err", err)
			os.Exit(1)
		}
		if err := sqlAdapter.Migrate(ctx); err != nil {
			log.Error("failed to migrate", "err", err)
			os.Exit(1)
		}
		store = sqlAdapter
		log.Info("connected to database", "driver", cfg.DB.Driver)
	}

	// Initialize Redis; without it cache and live views stay in process
	var (
		cache port.CacheRepository = memory
		feed  port.ChangeFeed      = memory
		rdb   *redis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("failed to connect redis", "addr", cfg.Redis.Addr, "err", err)
			os.Exit(1)
		}
		redisAdapter := storage.NewRedisAdapter(rdb)
		cache, feed = redisAdapter, redisAdapter
		log.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	payos, err := gateway.NewPayOS(gateway.Config{
		ClientID:    cfg.PayOS.ClientID,
		APIKey:      cfg.PayOS.APIKey,
		ChecksumKey: cfg.PayOS.ChecksumKey,
		BaseURL:     cfg.PayOS.BaseURL,
		ReturnURL:   cfg.PayOS.ReturnURL,
		CancelURL:   cfg.PayOS.CancelURL,
		Timeout:     cfg.PayOS.Timeout,
	})
	if err != nil {
		log.Error("failed to create payment gateway", "err", err)
		os.Exit(1)
	}

	sinks, closeSinks := buildSinks(cfg.Events, log)
	var publisher port.EventPublisher
	var dispatcher *events.Dispatcher
	if len(sinks) > 0 {
		dispatcher = events.NewDispatcher(sinks, cfg.Events.Workers, cfg.Events.QueueSize, log)
		publisher = dispatcher
		log.Info("started event workers", "workers", cfg.Events.Workers, "sinks", len(sinks))
	}

	// Initialize services
	tables := service.NewTableService(store, store, feed, publisher, log)
	menu := service.NewMenuService(store, cache, feed, log)
	orders := service.NewOrderService(store, tables, menu, feed, publisher, log)
	svc := handler.Services{
		Tables:   tables,
		Orders:   orders,
		Menu:     menu,
		Payments: service.NewPaymentService(store, orders, tables, payos, cache, feed, publisher, log),
		Reports:  service.NewReportService(store),
	}

	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(log, svc).Register(grpcServer)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler.NewHTTPHandler(log, svc).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return err
		}
		log.Info("gRPC server listening", "addr", cfg.Server.GRPCAddr)
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		log.Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		reconcileLoop(gctx, tables, cfg.Server.ReconcileInterval, log)
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown incomplete", "err", err)
		}
		log.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "err", err)
	}

	// Drain queued events, then close connections
	if dispatcher != nil {
		dispatcher.Close()
		log.Info("event workers stopped")
	}
	closeSinks()
	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}
	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	if err := stopTracing(flushCtx); err != nil {
		log.Warn("failed to flush traces", "err", err)
	}
	flushCancel()
	log.Info("connections closed")
}

// buildSinks connects every configured event sink. A sink that fails to
// connect is logged and skipped.
func buildSinks(cfg config.EventsConfig, log *slog.Logger) (events.Multi, func()) {
	var (
		sinks   events.Multi
		closers []func() error
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, kp)
		closers = append(closers, kp.Close)
		log.Info("kafka publisher ready", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.RabbitURL != "" {
		rp, err := events.DialRabbit(cfg.RabbitURL)
		if err != nil {
			log.Error("failed to connect rabbitmq", "err", err)
		} else {
			sinks = append(sinks, rp)
			closers = append(closers, rp.Close)
			log.Info("rabbitmq publisher ready", "exchange", events.NotificationsExchange)
		}
	}
	if cfg.TelegramToken != "" {
		tn, err := events.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Error("failed to start telegram notifier", "err", err)
		} else {
			sinks = append(sinks, tn)
			log.Info("telegram notifier ready", "chat_id", cfg.TelegramChatID)
		}
	}
	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn("failed to close event sink", "err", err)
			}
		}
	}
}

// reconcileLoop repairs drifted tables until ctx is done. Each repair is
// logged by the table engine as a consistency warning.
func reconcileLoop(ctx context.Context, tables *service.TableService, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checked, err := tables.ReconcileAll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("reconcile_failed", "err", err)
				}
				continue
			}
			log.Debug("tables_reconciled", "count", checked)
		}
	}
}
