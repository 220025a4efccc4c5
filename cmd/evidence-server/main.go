//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Command evidence-server stores evidence submissions in the ledger, serves
// them from the replica, and verifies replica records against the ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/signalapp/evidenceledger/cmd/internal/config"
	"github.com/signalapp/evidenceledger/cmd/internal/util"
	"github.com/signalapp/evidenceledger/db"
	"github.com/signalapp/evidenceledger/evidence"
	"github.com/signalapp/evidenceledger/ledger"
	"github.com/signalapp/evidenceledger/ledger/local"
)

var (
	Version   = "dev"
	GoVersion = runtime.Version()

	configFile = flag.String("config", "", "Location of config file.")
	liveness   = "liveness"
	readiness  = "readiness"
)

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Load config from disk.
	if *configFile == "" {
		logger := zerolog.New(consoleWriter).With().Timestamp().Logger()
		logger.Fatal().Msg("no config file specified")
	}
	config, err := config.Read(*configFile)
	if err != nil {
		logger := zerolog.New(consoleWriter).With().Timestamp().Logger()
		logger.Fatal().Msgf("failed to parse config file: %v", err)
	}

	var zeroLogLogger zerolog.Logger
	var logWriter io.Writer
	if len(config.LogOutputFile) > 0 {
		logWriter = zerolog.MultiLevelWriter(
			consoleWriter,
			&lumberjack.Logger{
				Filename:   config.LogOutputFile,
				MaxBackups: 10,
				Compress:   true,
			},
		)
		zeroLogLogger = zerolog.New(logWriter).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	} else {
		logWriter = consoleWriter
		zeroLogLogger = zerolog.New(logWriter).With().Caller().Timestamp().Logger()
	}
	util.SetLoggerInstance(&zeroLogLogger)

	// Register healthCheck service
	healthServer := grpc.NewServer()
	healthCheck := health.NewServer()
	healthgrpc.RegisterHealthServer(healthServer, healthCheck)

	// Initialize liveness and readiness states
	healthCheck.SetServingStatus(liveness, healthpb.HealthCheckResponse_SERVING)
	healthCheck.SetServingStatus(readiness, healthpb.HealthCheckResponse_NOT_SERVING)

	// Configure healthCheck service to listen on its dedicated port
	lis, err := net.Listen("tcp", config.HealthAddr)
	if err != nil {
		util.Log().Fatalf("failed to listen on health check port %v: %v", config.HealthAddr, err)
	}
	util.Log().Infof("Starting health check server at: %v", config.HealthAddr)

	// Start the health server.
	go healthServer.Serve(lis)

	exportMetrics(config.DatadogAddr)

	fatal := func(format string, v ...interface{}) {
		healthCheck.SetServingStatus(liveness, healthpb.HealthCheckResponse_NOT_SERVING)
		util.Log().Fatalf(format, v...)
	}

	store, err := config.DatabaseConfig.Connect()
	if err != nil {
		fatal("Failed to connect to database: %v", err)
	}
	// Blocks, revisions and full journal subtrees never change once written,
	// so they are safe to cache. This process is the only writer, so the head
	// is cached too.
	cachedStore := db.NewCachedLedgerStore(store, db.RecordCache|db.JournalCache|db.HeadCache,
		config.CacheConfig.RevisionSize, config.CacheConfig.JournalSize)

	var publisher local.Publisher
	if config.StreamConfig != nil {
		awsConfig, err := db.LoadAWSConfig(ctx)
		if err != nil {
			fatal("loading aws sdk config: %v", err)
		}
		publisher = loggedPublisher{local.NewKinesisPublisher(kinesis.NewFromConfig(awsConfig), config.StreamConfig.Name.String())}
	}

	ledgerName := config.LedgerConfig.Name.String()
	l, err := local.New(cachedStore, local.Config{
		LedgerName:    ledgerName,
		StrandID:      config.LedgerConfig.StrandID.String(),
		CommitTimeout: config.LedgerConfig.CommitTimeout,
	}, publisher)
	if err != nil {
		fatal("failed to open ledger: %v", err)
	}
	defer l.Close()

	replica, err := config.ReplicaConfig.Connect()
	if err != nil {
		fatal("Failed to connect to replica: %v", err)
	}
	content, err := config.ContentConfig.Connect()
	if err != nil {
		fatal("Failed to connect to content store: %v", err)
	}

	digests := ledger.NewDigestProvider(l, ledgerName)
	repo := evidence.NewDocumentRepository(l)
	checker := evidence.NewConsistencyChecker(repo, content,
		ledger.NewRevisionVerifier(l, digests), ledger.NewBlockVerifier(l, digests))
	service := evidence.NewService(repo, replica, content, checker, digests, config.APIConfig.ServiceConfig())

	// Start the metrics server.
	go metricsServer(config.MetricsAddr, digests)

	if digest, err := digests.GetDigest(ctx); err != nil {
		fatal("unable to get ledger digest: %v", err)
	} else {
		util.Log().Infof("Ledger %q tip: %d", ledgerName, digest.TipAddress.SequenceNo)
	}

	// Start scanning the journal stream, if one is provided.
	if config.StreamConfig != nil {
		var streamStore db.StreamStore = cachedStore.StreamStore()
		if config.StreamConfig.CheckpointTable != "" {
			if streamStore, err = db.NewDynamoDBStreamStore(config.StreamConfig.CheckpointTable.String()); err != nil {
				fatal("Failed to connect to checkpoint table: %v", err)
			}
		}
		s := &Streamer{ledgerName: ledgerName, store: streamStore, applier: service}
		start := time.Now().Add(-config.StreamConfig.InitialHorizon)
		util.Log().Infof("Starting stream processing from Kinesis stream %q", config.StreamConfig.Name.String())
		go s.run(ctx, config.StreamConfig.Name.String(), start)
	} else if !config.APIConfig.SyncReplica {
		util.Log().Warnf("No journal stream and sync-replica is off. The replica will not be updated.")
	}

	handler := &EvidenceHandler{config: config.APIConfig, service: service}
	srv := &http.Server{
		Addr:              config.APIConfig.ServerAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		util.Log().Infof("Shutting down evidence server")
		healthCheck.SetServingStatus(readiness, healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	util.Log().Infof("Starting evidence server at: %v", config.APIConfig.ServerAddr)
	healthCheck.SetServingStatus(readiness, healthpb.HealthCheckResponse_SERVING)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		fatal("%s", err.Error())
	}
}
