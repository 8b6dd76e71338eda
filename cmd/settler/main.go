// Package main is the entry point for the challenge settler, a pipeline
// that settles ended crypto-staked accountability challenges: it mirrors
// ledger state, resolves participant progress, declares results on chain,
// and archives the outcomes.
package main

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/challenge-settler/internal/chain"
	"github.com/yourorg/challenge-settler/internal/config"
	"github.com/yourorg/challenge-settler/internal/metrics"
	"github.com/yourorg/challenge-settler/internal/otel"
	"github.com/yourorg/challenge-settler/internal/pipeline"
	"github.com/yourorg/challenge-settler/internal/settle"
	"github.com/yourorg/challenge-settler/internal/store/postgres"
)

func main() {
	setupLogging()

	cfg := config.Load()
	validateConfig(cfg)

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		logrus.Fatalf("Database setup failed: %v", err)
	}
	defer db.Close()

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		logrus.Fatalf("RPC dial failed: %v", err)
	}
	defer client.Close()

	contract := common.HexToAddress(cfg.ContractAddress)
	reader := chain.NewReader(client, contract)
	writer := chain.NewWriter(client, contract, loadKey(cfg), chain.WriterConfig{
		MaxFeeGwei:      cfg.MaxFeeGwei,
		PriorityFeeGwei: cfg.PriorityFeeGwei,
		GasLimit:        cfg.GasLimit,
	})

	repo := postgres.NewRepo(db)
	tokens := postgres.NewTokenRepo(db)
	planner := settle.NewPreparer(cfg, repo, tokens)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	orch := pipeline.NewOrchestrator(pipeline.Config{
		ContractAddress:      strings.ToLower(cfg.ContractAddress),
		FallbackPPM:          cfg.FallbackPercentPPM,
		ChunkSize:            cfg.ChunkSize,
		Send:                 cfg.SendTx,
		UnknownSkipThreshold: cfg.UnknownSkipThreshold,
		ListLimit:            cfg.ListLimit,
		ReadyLimit:           cfg.ReadyLimit,
		PlatformFeeBpsFail:   cfg.PlatformFeeBpsFail,
		RewardBpsOfFee:       cfg.RewardBpsOfFee,
	}, reader, writer, planner, repo, m)

	opsServer := startOpsServer(cfg.MetricsPort, registry)
	defer stopOpsServer(opsServer)

	if cfg.CronSpec == "" {
		runOnce(orch)
		return
	}
	runScheduled(orch, cfg.CronSpec)
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// validateConfig fails fast on settings the pipeline cannot run without.
func validateConfig(cfg config.Config) {
	if cfg.DatabaseURL == "" {
		logrus.Fatal("DATABASE_URL is required")
	}
	if cfg.RPCURL == "" {
		logrus.Fatal("RPC_URL is required")
	}
	if cfg.ContractAddress == "" {
		logrus.Fatal("CONTRACT_ADDRESS is required")
	}
	if cfg.SendTx && cfg.PrivateKey == "" {
		logrus.Fatal("PRIVATE_KEY is required when SEND_TX is enabled")
	}
}

func loadKey(cfg config.Config) *ecdsa.PrivateKey {
	if cfg.PrivateKey == "" {
		return nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		logrus.Fatalf("Invalid PRIVATE_KEY: %v", err)
	}
	return key
}

func runOnce(orch *pipeline.Orchestrator) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := orch.Run(ctx); err != nil {
		logrus.Fatalf("Settlement run failed: %v", err)
	}
}

func runScheduled(orch *pipeline.Orchestrator, spec string) {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := orch.Run(context.Background()); err != nil {
			logrus.Errorf("Scheduled settlement run failed: %v", err)
		}
	})
	if err != nil {
		logrus.Fatalf("Invalid CRON_SPEC %q: %v", spec, err)
	}

	c.Start()
	logrus.WithField("spec", spec).Info("Scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down scheduler")
	<-c.Stop().Done()
}

// startOpsServer serves /health and /metrics on the ops port.
func startOpsServer(port string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("Ops server error: %v", err)
		}
	}()
	logrus.WithField("port", port).Info("Ops server listening")
	return srv
}

func stopOpsServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
