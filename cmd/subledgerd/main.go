package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"subledger/config"
	"subledger/core/events"
	"subledger/core/state"
	"subledger/native/billing"
	"subledger/observability/logging"
	"subledger/rpc"
	"subledger/storage"
)

type logEmitter struct {
	log *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	l.log.Info("ledger event", "type", evt.EventType())
}

func main() {
	configPath := flag.String("config", "./config.toml", "path to the node configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	var fileCfg *logging.FileConfig
	if cfg.LogFile != "" {
		fileCfg = &logging.FileConfig{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
			MaxAgeDays: cfg.LogFileMaxAgeDays,
		}
	}
	log := logging.Setup("subledgerd", cfg.Environment, fileCfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("create data dir", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		log.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	engine := billing.NewEngine()
	engine.SetState(manager)
	engine.SetRecordDeposit(cfg.RecordDepositLamports)
	engine.SetEmitter(logEmitter{log: log})

	server := rpc.NewServer(engine, manager, log)
	if err := server.Start(cfg.RPCAddress); err != nil {
		log.Error("rpc server stopped", "err", err)
		os.Exit(1)
	}
}
