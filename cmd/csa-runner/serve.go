package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/artifacts"
	"github.com/terminal-bench/csarunner/internal/auth"
	"github.com/terminal-bench/csarunner/internal/dichotomy"
	"github.com/terminal-bench/csarunner/internal/history"
	"github.com/terminal-bench/csarunner/internal/interruption"
	"github.com/terminal-bench/csarunner/internal/lease"
	"github.com/terminal-bench/csarunner/internal/notify"
	"github.com/terminal-bench/csarunner/internal/raorunner"
	"github.com/terminal-bench/csarunner/internal/server"
	"github.com/terminal-bench/csarunner/internal/service"
	"github.com/terminal-bench/csarunner/pkg/circuit"
	"github.com/terminal-bench/csarunner/pkg/messaging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task service",
	Long: `Takes tasks from the HTTP API and from NATS, runs them against the remote
security computation service and publishes their responses.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATS.URL,
		Name:           cfg.NATS.Name,
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		return err
	}
	closers = append(closers, func() { msgClient.Drain() })

	store, err := openStore(ctx)
	if err != nil {
		return err
	}

	deps := service.Dependencies{
		Store:     store,
		Recorders: []history.StepRecorder{history.Logging{Logger: logger}},
		Breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.BreakerTimeout(),
			HalfOpenMax: cfg.Breaker.HalfOpenMax,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("validation breaker changed state",
					zap.String("border", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		Logger: logger,
	}
	rao := raorunner.NewClient(msgClient, cfg.RequestTimeout(), logger)
	deps.Runner, deps.Monitor = rao, rao

	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		closers = append(closers, func() { db.Close() })
		pg := history.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		deps.History = pg
	}

	if cfg.Influx.URL != "" {
		influx := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		closers = append(closers, influx.Close)
		deps.Recorders = append(deps.Recorders, history.NewInfluxRecorder(influx, cfg.Influx.Org, cfg.Influx.Bucket))
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { rdb.Close() })
		deps.Interruptions = interruption.NewRedisRegistry(rdb, cfg.Redis.InterruptKey)
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		etcd, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		closers = append(closers, func() { etcd.Close() })
		deps.Locker = lease.NewEtcdLocker(etcd, cfg.Etcd.Prefix, cfg.Etcd.LeaseTTLSeconds)
	}

	hub := notify.NewHub(logger)
	closers = append(closers, hub.Close)
	deps.Notifier = notify.Fanout{
		notify.NewNATSPublisher(msgClient, messaging.SubjectCsaResponse, cfg.NATS.Name),
		hub,
	}

	svc, err := service.New(service.Config{
		Dichotomy: dichotomy.Config{
			Precision:             cfg.Dichotomy.Precision,
			MaxIterationsByBorder: cfg.Dichotomy.MaxIterationsByBorder,
		},
		RaoParametersURL: cfg.RaoParametersURL,
	}, deps)
	if err != nil {
		return err
	}
	if err := svc.Listen(msgClient, cfg.NATS.QueueGroup); err != nil {
		return err
	}

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET is not set, the API is open")
	}
	api := server.New(server.Config{
		Health: func() (gin.H, bool) {
			stats := msgClient.Stats()
			breakers := gin.H{}
			for name, state := range deps.Breakers.States() {
				breakers[name] = state.String()
			}
			connected := msgClient.IsConnected()
			return gin.H{
				"nats": gin.H{
					"connected":  connected,
					"reconnects": msgClient.Reconnects(),
					"in_msgs":    stats.InMsgs,
					"out_msgs":   stats.OutMsgs,
				},
				"breakers":   breakers,
				"ws_clients": hub.Clients(),
			}, connected
		},
	}, svc, hub.ServeWS, verifier, logger)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     api.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("csa-runner starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("shutting down csa-runner")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("running tasks were cancelled", zap.Error(err))
	}
	logger.Info("csa-runner stopped")
	return nil
}

func openStore(ctx context.Context) (artifacts.Store, error) {
	if cfg.Minio.Endpoint == "" {
		logger.Warn("MINIO_ENDPOINT is not set, artifacts are kept in memory")
		return artifacts.NewMemoryStore(), nil
	}
	return artifacts.NewMinioStore(ctx, artifacts.MinioConfig{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		Bucket:    cfg.Minio.Bucket,
		UseSSL:    cfg.Minio.UseSSL,
		URLExpiry: cfg.URLExpiry(),
	})
}
