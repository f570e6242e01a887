package main

import (
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/outcomex/clob/params"
	"github.com/outcomex/clob/pkg/api"
	"github.com/outcomex/clob/pkg/book"
	"github.com/outcomex/clob/pkg/broadcast"
	"github.com/outcomex/clob/pkg/chain"
	"github.com/outcomex/clob/pkg/crypto"
	"github.com/outcomex/clob/pkg/ledger"
	"github.com/outcomex/clob/pkg/metrics"
	"github.com/outcomex/clob/pkg/orders"
	"github.com/outcomex/clob/pkg/reconcile"
	"github.com/outcomex/clob/pkg/risk"
	"github.com/outcomex/clob/pkg/settlement"
	"github.com/outcomex/clob/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	envPath := flag.String("env", "", "path to .env file")
	flag.Parse()

	cfg, err := params.Load(*configPath, *envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.LogPath != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogPath)
	} else {
		logger, err = util.NewLogger()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	clock := util.RealClock{}
	met := metrics.New(nil)

	// ---- Persistence ----
	var ledgerStore *ledger.Store
	var settleStore *settlement.Store
	if cfg.Storage.DataDir != "" {
		ledgerStore, err = ledger.NewStore(filepath.Join(cfg.Storage.DataDir, "ledger"))
		if err != nil {
			logger.Sugar().Fatalw("ledger_store_init_failed", "err", err)
		}
		defer ledgerStore.Close()

		settleStore, err = settlement.NewStore(filepath.Join(cfg.Storage.DataDir, "settlement"))
		if err != nil {
			logger.Sugar().Fatalw("settlement_store_init_failed", "err", err)
		}
		defer settleStore.Close()
	}

	// ---- Engine core ----
	led := ledger.New(ledgerStore, logger)
	operator := common.HexToAddress(cfg.Chain.OperatorAddress)
	engine := book.NewEngine(led, operator, clock, logger)
	riskEng := risk.NewEngine(risk.DefaultTierLimits(), clock, logger)

	domain := crypto.ExchangeDomain(big.NewInt(cfg.Chain.ID), common.HexToAddress(cfg.Chain.ExchangeAddress))
	orderSigner := crypto.NewOrderSigner(domain)

	bcast := broadcast.New(broadcast.Options{
		SweepInterval:    cfg.Broadcast.SweepInterval,
		HeartbeatTimeout: cfg.Broadcast.HeartbeatTimeout,
	}, clock, logger)
	bcast.StartSweeper()
	defer bcast.Stop()

	// ---- Settlement ----
	var sink chain.Sink
	if cfg.Chain.SinkURL != "" {
		sink = chain.NewHTTPSink(cfg.Chain.SinkURL, logger)
	} else {
		logger.Sugar().Warn("no sink_url configured, settling against mock sink")
		sink = chain.NewMock()
	}
	settle, err := settlement.NewBuilder(settlement.Config{
		BatchSize:   cfg.Settlement.BatchSize,
		CutInterval: cfg.Settlement.CutInterval,
		MaxRetries:  cfg.Settlement.MaxRetries,
		BaseDelay:   cfg.Settlement.BaseDelay,
		MaxDelay:    cfg.Settlement.MaxDelay,
		Concurrency: cfg.Settlement.Concurrency,
	}, sink, settleStore, bcast, clock, met, logger)
	if err != nil {
		logger.Sugar().Fatalw("settlement_init_failed", "err", err)
	}
	settle.Start()
	defer settle.Stop()

	// ---- Order intake ----
	svc := orders.NewService(orderSigner, led, engine, riskEng, settle, bcast, met, clock, logger)

	// ---- Reconciliation ----
	var recon *reconcile.Reconciler
	if cfg.Reconcile.Enabled {
		if cfg.Chain.SinkURL == "" {
			logger.Sugar().Fatal("reconcile.enabled requires chain.sink_url")
		}
		lookup := chain.NewHTTPSink(cfg.Chain.SinkURL, logger)
		recon = reconcile.New(reconcile.Config{
			Interval:     cfg.Reconcile.Interval,
			ThresholdNum: big.NewInt(cfg.Reconcile.ThresholdNum),
			ThresholdDen: big.NewInt(cfg.Reconcile.ThresholdDen),
			PauseAfter:   cfg.Reconcile.PauseAfter,
		}, led, lookup, svc, clock, met, logger)
		recon.Start()
		defer recon.Stop()
	}

	// ---- API server ----
	server := api.NewServer(svc, engine, led, settle, recon, bcast, met, logger)
	go func() {
		if err := server.Start(cfg.Server.ListenAddr); err != nil {
			logger.Sugar().Fatalw("api_server_failed", "err", err)
		}
	}()
	defer server.Stop()

	logger.Sugar().Infow("node_started",
		"listen", cfg.Server.ListenAddr,
		"chain_id", cfg.Chain.ID,
		"exchange", cfg.Chain.ExchangeAddress,
		"batch_size", cfg.Settlement.BatchSize)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Sugar().Info("shutting down")
}
