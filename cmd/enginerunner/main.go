package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"syscall"

	"github.com/basislab/hedgecore/internal/alert"
	"github.com/basislab/hedgecore/internal/chain"
	"github.com/basislab/hedgecore/internal/config"
	"github.com/basislab/hedgecore/internal/engine"
	"github.com/basislab/hedgecore/internal/handler"
	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/perf"
	"github.com/basislab/hedgecore/internal/pkg/logger"
	"github.com/basislab/hedgecore/internal/repository"
	"github.com/basislab/hedgecore/internal/risk"
	"github.com/basislab/hedgecore/internal/signer"
	"github.com/basislab/hedgecore/internal/venue"
	"github.com/basislab/hedgecore/internal/venue/binance"
	"github.com/basislab/hedgecore/internal/venue/bybit"
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// enginerunner hosts exactly one vault's engine. The orchestrator execs one
// per deployed vault with a materialized single-vault config file.
func main() {
	cfgPath := flag.String("config", "", "path to the instance config file")
	flag.Parse()
	if *cfgPath == "" {
		log.Fatal("--config is required")
	}

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config rejected: %v", err)
	}
	if len(cfg.Vaults) != 1 {
		log.Fatalf("instance config must carry exactly one vault, got %d", len(cfg.Vaults))
	}
	vault := cfg.Vaults[0]
	stateDir := cfg.Orchestrator.StateDir
	applyResourceLimits(limitsFromEnv())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Venue adapters
	var adapters []venue.Adapter
	var streams []*binance.MarkStream
	for _, vc := range cfg.Venues {
		switch vc.Kind {
		case "binance":
			a := binance.New(binance.Options{
				ID: vc.ID, BaseURL: vc.BaseURL, APIKey: vc.APIKey, APISecret: vc.APISecret,
				SymbolMap: vc.SymbolMap, QPS: vc.QPS, Burst: vc.Burst,
				Capabilities:  venueCapabilities(vc),
				ReadTimeout:   cfg.Timeouts.Read,
				SubmitTimeout: cfg.Timeouts.Submit,
			})
			if sym, ok := vc.SymbolMap[vault.HedgeSymbol]; ok {
				stream := binance.NewMarkStream(vc.WSURL, []string{sym})
				stream.Start()
				a.AttachStream(stream)
				streams = append(streams, stream)
			}
			adapters = append(adapters, a)
		case "bybit":
			adapters = append(adapters, bybit.New(bybit.Options{
				ID: vc.ID, BaseURL: vc.BaseURL, APIKey: vc.APIKey, APISecret: vc.APISecret,
				SymbolMap: vc.SymbolMap, QPS: vc.QPS, Burst: vc.Burst,
				Capabilities:  venueCapabilities(vc),
				ReadTimeout:   cfg.Timeouts.Read,
				SubmitTimeout: cfg.Timeouts.Submit,
			}))
		default:
			log.Fatalf("unknown venue kind %q for venue %s", vc.Kind, vc.ID)
		}
	}
	if len(adapters) == 0 {
		log.Fatal("at least one venue is required")
	}
	agg := venue.NewAggregator(adapters...)

	// 2. Chain adapter
	chainCfg := cfg.Chains[vault.ChainTag]
	chainAdapter, err := chain.Dial(ctx, chain.Options{
		Tag:                 vault.ChainTag,
		RPCURL:              chainCfg.RPCURL,
		WSURL:               chainCfg.WSURL,
		PrivateRPCURL:       chainCfg.PrivateRPCURL,
		ChainID:             chainCfg.ChainID,
		PrivateKeyHex:       cfg.Signer.PrivateKey,
		InsuranceFund:       chainCfg.InsuranceFund,
		AttestationContract: cfg.Signer.AttestationContract,
		ConfirmTimeout:      cfg.Timeouts.Confirm,
	})
	if err != nil {
		log.Fatalf("Failed to dial chain %s: %v", vault.ChainTag, err)
	}

	// 3. Risk engine over the persistent breaker. Seed equity comes from the
	// first venue read; a corrupted breaker file refuses to start.
	seed := agg.Collect(ctx, vault.HedgeSymbol)
	breaker, err := risk.OpenBreakerStore(stateDir, vault.ID, seed.AggregateEquity())
	if err != nil {
		log.Fatalf("Breaker store: %v", err)
	}
	riskEngine := risk.NewEngine(vault, breaker)

	// 4. Attestation signer
	attSigner, err := signer.New(cfg.Signer.PrivateKey)
	if err != nil {
		log.Fatalf("Attestation signer: %v", err)
	}

	// 5. Performance archive (Postgres > File)
	var db *gorm.DB
	if cfg.Database.DSN != "" {
		db, err = gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err == nil {
			logger.Info("✅ Connected to PostgreSQL perf archive")
		} else {
			logger.Error("⚠️ Failed to connect to DB, perf series will be file-only", "error", err)
			db = nil
		}
	}
	recorder, err := perf.NewRecorder(stateDir, vault.ID, db)
	if err != nil {
		log.Fatalf("Perf recorder: %v", err)
	}

	// 6. Insurance ledger (Redis > Memory)
	var insurance repository.InsuranceLedger
	if cfg.Redis.Addr != "" {
		ledger, err := repository.NewRedisInsuranceLedger(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err == nil {
			logger.Info("✅ Connected to Redis insurance ledger")
			insurance = ledger
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back to memory", "error", err)
		}
	}
	if insurance == nil {
		insurance = repository.NewMemoryInsuranceLedger()
	}

	// 7. Alert sinks
	sinks := alert.Fanout{alert.LogSink{}}
	if cfg.Alerts.NATSURL != "" {
		natsSink, err := alert.NewNATSSink(cfg.Alerts.NATSURL, cfg.Alerts.SubjectBase)
		if err == nil {
			logger.Info("✅ Connected to NATS alert sink")
			sinks = append(sinks, natsSink)
			defer natsSink.Close()
		} else {
			logger.Error("⚠️ Failed to connect to NATS, alerts are log-only", "error", err)
		}
	}

	// 8. Engine plus its trigger producers
	eng := engine.New(engine.Options{
		Vault:     vault,
		Agg:       agg,
		Chain:     chainAdapter,
		Risk:      riskEngine,
		Signer:    attSigner,
		Recorder:  recorder,
		Insurance: insurance,
		Alerts:    sinks,
		StateDir:  stateDir,
		Heartbeat: cfg.Orchestrator.HeartbeatEvery,
	})

	vaultAddr := common.HexToAddress(vault.Address)
	if chainCfg.WSURL != "" {
		listener := engine.NewListener(chainAdapter, vaultAddr, eng.Queue(), logger.ForVault(vault.ID))
		go listener.Run(ctx)
	} else {
		logger.Warn("no ws endpoint, running timer-only", "chain", vault.ChainTag)
	}
	sentinel := engine.NewSentinel(vault, agg, chainAdapter, eng.Queue())
	go sentinel.Run(ctx)

	go func() {
		if err := handler.ServeInstance(ctx, eng, stateDir, vault.ID); err != nil {
			logger.Error("instance control listener failed", "error", err)
		}
	}()

	go eng.Run(ctx)
	logger.Info("🚀 engine instance started",
		"vault_id", vault.ID,
		"hedge_symbol", vault.HedgeSymbol,
		"venues", len(adapters),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 engine instance stopping", "vault_id", vault.ID)
	cancel()
	for _, s := range streams {
		s.Stop()
	}
}

// runnerLimits is the resource budget the orchestrator hands down through the
// child environment.
type runnerLimits struct {
	cpu       float64
	memoryMiB int64
	fd        uint64
}

// limitsFromEnv parses the HEDGECORE_RUNNER_* budget variables. Absent or
// malformed entries leave the corresponding limit at zero, meaning unset.
func limitsFromEnv() runnerLimits {
	var lim runnerLimits
	if raw := os.Getenv("HEDGECORE_RUNNER_CPU_LIMIT"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			lim.cpu = v
		}
	}
	if raw := os.Getenv("HEDGECORE_RUNNER_MEMORY_MIB"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			lim.memoryMiB = v
		}
	}
	if raw := os.Getenv("HEDGECORE_RUNNER_FD_LIMIT"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil && v > 0 {
			lim.fd = v
		}
	}
	return lim
}

// applyResourceLimits enforces the instance budget on this process. Fractional
// CPU budgets round up so a 0.5-core instance still gets a scheduler thread.
func applyResourceLimits(lim runnerLimits) {
	if lim.cpu > 0 {
		runtime.GOMAXPROCS(int(math.Ceil(lim.cpu)))
	}
	if lim.memoryMiB > 0 {
		debug.SetMemoryLimit(lim.memoryMiB << 20)
	}
	if lim.fd > 0 {
		rl := syscall.Rlimit{Cur: lim.fd, Max: lim.fd}
		if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
			logger.Warn("fd limit not applied", "error", err)
		}
	}
}

// venueCapabilities maps the configured capability strings onto the typed set.
// An empty list keeps the adapter's built-in default.
func venueCapabilities(vc config.VenueConfig) []model.Capability {
	caps := make([]model.Capability, 0, len(vc.Capabilities))
	for _, c := range vc.Capabilities {
		caps = append(caps, model.Capability(c))
	}
	return caps
}
