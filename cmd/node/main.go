package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/coveswap/coveswap/params"
	"github.com/coveswap/coveswap/pkg/api"
	"github.com/coveswap/coveswap/pkg/escrow"
	"github.com/coveswap/coveswap/pkg/exchange"
	"github.com/coveswap/coveswap/pkg/ledger"
	"github.com/coveswap/coveswap/pkg/order"
	"github.com/coveswap/coveswap/pkg/storage"
	"github.com/coveswap/coveswap/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("") // "" loads .env from the current directory

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Persistence ----
	store, err := storage.Open(filepath.Join(cfg.Node.DataDir, "db"))
	if err != nil {
		sugar.Fatalw("open store", "err", err)
	}
	defer store.Close()

	audit, err := storage.NewFileAuditLog(cfg.Node.AuditLogFile)
	if err != nil {
		sugar.Fatalw("open audit log", "err", err)
	}

	// ---- Core ----
	clock := util.RealClock{}
	codec := order.NewCodec(cfg.Signing)
	led := ledger.New()
	ex := exchange.New(codec, led, store, audit, clock, logger)

	residents, err := store.LoadOrders()
	if err != nil {
		sugar.Fatalw("load orders", "err", err)
	}
	trades, err := store.LoadTrades()
	if err != nil {
		sugar.Fatalw("load trades", "err", err)
	}
	ex.Restore(residents, trades)
	sugar.Infow("state_restored", "orders", len(residents), "trades", len(trades))

	escrows := escrow.NewEngine(escrow.NewReleaseHasher(cfg.Signing), clock, store, audit, logger)
	instances, err := store.LoadEscrows()
	if err != nil {
		sugar.Fatalw("load escrows", "err", err)
	}
	for _, inst := range instances {
		escrows.Restore(inst)
	}
	sugar.Infow("escrows_restored", "instances", len(instances))

	// ---- API ----
	server := api.NewServer(ex, escrows, cfg.API, sugar)
	go func() {
		if err := server.Start(cfg.API.ListenAddr); err != nil {
			sugar.Fatalw("api server", "err", err)
		}
	}()

	sugar.Infow("node_started",
		"listen", cfg.API.ListenAddr,
		"domain", cfg.Signing.Name,
		"chain_id", cfg.Signing.ChainID.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	sugar.Infow("shutting_down", "signal", sig.String())
	_ = zap.L().Sync()
}
