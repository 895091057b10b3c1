package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/uykb/HypeFollow/internal/alert"
	"github.com/uykb/HypeFollow/internal/calculator"
	"github.com/uykb/HypeFollow/internal/config"
	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/executor"
	"github.com/uykb/HypeFollow/internal/exchange/follower"
	"github.com/uykb/HypeFollow/internal/exchange/master"
	"github.com/uykb/HypeFollow/internal/journal"
	"github.com/uykb/HypeFollow/internal/ledger"
	"github.com/uykb/HypeFollow/internal/mapper"
	"github.com/uykb/HypeFollow/internal/rebalance"
	"github.com/uykb/HypeFollow/internal/reconcile"
	"github.com/uykb/HypeFollow/internal/registry"
	"github.com/uykb/HypeFollow/internal/riskgate"
	"github.com/uykb/HypeFollow/internal/store"
	"github.com/uykb/HypeFollow/internal/validator"
	"github.com/uykb/HypeFollow/pkg/concurrency"
	"github.com/uykb/HypeFollow/pkg/logging"
	"github.com/uykb/HypeFollow/pkg/retry"
	"github.com/uykb/HypeFollow/pkg/telemetry"
)

// runner is the lifecycle contract every supervised background task
// implements, mirrored on the teacher's bootstrap.Runner.
type runner interface {
	Run(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "configs/hypefollow.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	tel, err := telemetry.Setup("hypefollow")
	if err != nil {
		logger.Error("telemetry setup failed", "error", err.Error())
		os.Exit(1)
	}

	kv, closeKV, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("store initialization failed", "error", err.Error())
		os.Exit(1)
	}
	defer closeKV()

	instruments := registry.New(cfg)

	masterAdapter := master.New(cfg.Master.WSURL, cfg.Master.HTTPBaseURL, logger)
	followerAdapter := follower.New(follower.Config{
		RESTBaseURL:   cfg.Follower.RESTBaseURL,
		WSBaseURL:     cfg.Follower.WSBaseURL,
		APIKey:        string(cfg.Follower.APIKey),
		APISecret:     string(cfg.Follower.SecretKey),
		RatePerSecond: cfg.Follower.RatePerSecond,
		RateBurst:     cfg.Follower.RateBurst,
	}, logger)
	for _, symbol := range instruments.Symbols() {
		inst, _ := instruments.Lookup(symbol)
		followerAdapter.SetInstrumentPrecision(symbol, inst.PriceTick, inst.QuantityDecimals)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := followerAdapter.SetOneWayMode(ctx); err != nil {
		logger.Error("failed to set follower one-way position mode", "error", err.Error())
		os.Exit(1)
	}

	m := mapper.New(kv, logger)
	led := ledger.New(kv, logger)
	jour := journal.New(kv, logger)
	gate := riskgate.New(instruments)
	gate.SetEmergencyStop(cfg.Trading.EmergencyStop)

	tradingMode := core.ModeFixed
	if cfg.Trading.Mode == "equal" {
		tradingMode = core.ModeEqual
	}

	calc := calculator.New(calculator.Config{
		Mode:            tradingMode,
		FixedRatio:      decimal.NewFromFloat(cfg.Trading.FixedRatio),
		EqualRatio:      decimal.NewFromFloat(cfg.Trading.EqualRatio),
		AccountCacheTTL: time.Duration(cfg.Trading.AccountCacheTTL) * time.Second,
	}, masterAdapter, followerAdapter, instruments, nil)

	orphans := reconcile.NewOrphanTracker(kv, led, logger)
	rebalancer := rebalance.New(rebalance.Config{
		Mode:       tradingMode,
		FixedRatio: decimal.NewFromFloat(cfg.Trading.FixedRatio),
	}, masterAdapter, followerAdapter, instruments, kv, logger)

	var dbosCtx dbos.DBOSContext
	if cfg.App.EngineType == "dbos" {
		var err error
		dbosCtx, err = dbos.NewDBOSContext(ctx, dbos.Config{AppName: "hypefollow", DatabaseURL: cfg.App.DatabaseURL})
		if err != nil {
			logger.Error("dbos context initialization failed", "error", err.Error())
			os.Exit(1)
		}
		if err := dbosCtx.Launch(); err != nil {
			logger.Error("dbos launch failed", "error", err.Error())
			os.Exit(1)
		}
		defer dbosCtx.Shutdown(30 * time.Second)
		rebalancer.SetDBOSContext(dbosCtx)
	}

	exec := executor.New(executor.Config{
		MasterAccount: cfg.Master.FollowedUsers[0],
		Mapper:        m,
		Ledger:        led,
		Journal:       jour,
		Calculator:    calc,
		Gate:          gate,
		Orphans:       orphans,
		Rebalancer:    rebalancer,
		Follower:      followerAdapter,
		Registry:      instruments,
		KV:            kv,
		Logger:        logger,
	})

	reconciler := reconcile.New(masterAdapter, followerAdapter, m, instruments, exec, logger)

	interval := time.Duration(cfg.Timing.ValidatorInterval) * time.Second
	v := validator.New(m, followerAdapter, logger, interval, 0)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "ExecutorDispatch",
		MaxWorkers:  cfg.Concurrency.ExecutorPoolSize,
		MaxCapacity: cfg.Concurrency.ExecutorPoolBuffer,
		NonBlocking: false,
	}, logger)
	defer pool.Stop()

	alertMgr := alert.NewAlertManager(logger)
	if cfg.Alerting.SlackWebhookURL != "" {
		alertMgr.AddChannel(alert.NewSlackChannel(cfg.Alerting.SlackWebhookURL))
	}
	if string(cfg.Alerting.TelegramBotToken) != "" && cfg.Alerting.TelegramChatID != "" {
		alertMgr.AddChannel(alert.NewTelegramChannel(string(cfg.Alerting.TelegramBotToken), cfg.Alerting.TelegramChatID))
	}

	masterAccount := cfg.Master.FollowedUsers[0]
	if err := retry.Do(ctx, retry.DefaultPolicy, retry.IsTransientVenueError, func() error {
		return reconciler.Run(ctx, masterAccount)
	}); err != nil {
		logger.Error("startup reconciliation failed", "error", err.Error())
		alertMgr.Alert(ctx, "startup reconciliation failed", err.Error(), alert.Error, nil)
		os.Exit(1)
	}

	namedRunners := []struct {
		name string
		r    runner
	}{
		{"masterOrders", masterOrderRunner{masterAdapter, exec, masterAccount, pool, logger}},
		{"masterFills", masterFillRunner{masterAdapter, exec, masterAccount, pool, logger}},
		{"followerReports", followerReportRunner{followerAdapter, exec, pool, logger}},
		{"validator", validatorRunner{v}},
		{"rebalance", rebalanceRunner{rebalancer, masterAccount, instruments, time.Duration(cfg.Timing.RebalanceInterval) * time.Second, logger}},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, nr := range namedRunners {
		nr := nr
		g.Go(func() error { return supervise(gctx, nr.name, nr.r, logger) })
	}

	logger.Info("hypefollow running", "masterAccount", masterAccount, "mode", cfg.Trading.Mode)

	werr := g.Wait()
	if werr != nil && werr != context.Canceled {
		logger.Error("application stopped with error", "error", werr.Error())
		alertMgr.Alert(context.Background(), "hypefollow stopped with error", werr.Error(), alert.Critical, nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown error", "error", err.Error())
	}

	if werr != nil && werr != context.Canceled {
		os.Exit(1)
	}
	logger.Info("hypefollow stopped")
}

// superviseRestartBackoff is how long supervise waits before restarting a
// runner that panicked or returned an error.
const superviseRestartBackoff = time.Second

// supervise keeps a runner alive for the lifetime of ctx: a panic or
// returned error inside r.Run is logged and r.Run is restarted rather than
// letting the error propagate to errgroup.Wait(), which would cancel gctx
// and tear down every other runner over one misbehaving subscription.
func supervise(ctx context.Context, name string, r runner, logger core.ILogger) error {
	for {
		err := runGuarded(ctx, r, logger, name)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.Error("runner exited, restarting", "runner", name, "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(superviseRestartBackoff):
		}
	}
}

// runGuarded recovers a panic inside r.Run and reports it as an error so
// supervise can log and restart it the same way it handles a returned error.
func runGuarded(ctx context.Context, r runner, logger core.ILogger, name string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("runner panicked", "runner", name, "panic", fmt.Sprintf("%v", rec))
			err = fmt.Errorf("runner %s panicked: %v", name, rec)
		}
	}()
	return r.Run(ctx)
}

func openStore(cfg config.StoreConfig) (store.KV, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		kv, err := store.NewSQLiteKV(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return kv, func() { _ = kv.Close() }, nil
	default:
		kv := store.NewMemoryKV()
		return kv, func() {}, nil
	}
}

// masterOrderRunner feeds the Master order-update subscription into the
// Executor, offloading each event onto the worker pool so a slow Follower
// call never head-of-line blocks the subscription socket.
type masterOrderRunner struct {
	master  core.MasterVenue
	exec    *executor.Executor
	account string
	pool    *concurrency.WorkerPool
	logger  core.ILogger
}

func (r masterOrderRunner) Run(ctx context.Context) error {
	return r.master.SubscribeOrders(ctx, r.account, func(event core.MasterOrderEvent) {
		_ = r.pool.Submit(func() {
			if err := r.exec.HandleMasterOrderEvent(ctx, event); err != nil {
				r.logger.Error("master order handling failed", "masterOid", event.Oid, "error", err.Error())
			}
		})
	})
}

type masterFillRunner struct {
	master  core.MasterVenue
	exec    *executor.Executor
	account string
	pool    *concurrency.WorkerPool
	logger  core.ILogger
}

func (r masterFillRunner) Run(ctx context.Context) error {
	return r.master.SubscribeFills(ctx, r.account, func(fill core.MasterFillEvent) {
		_ = r.pool.Submit(func() {
			if err := r.exec.HandleMasterFill(ctx, fill); err != nil {
				r.logger.Error("master fill handling failed", "instrument", fill.Instrument, "error", err.Error())
			}
		})
	})
}

type followerReportRunner struct {
	follower core.FollowerVenue
	exec     *executor.Executor
	pool     *concurrency.WorkerPool
	logger   core.ILogger
}

func (r followerReportRunner) Run(ctx context.Context) error {
	return r.follower.SubscribeExecutionReports(ctx, func(report core.FollowerExecutionReport) {
		_ = r.pool.Submit(func() {
			if err := r.exec.HandleExecutionReport(ctx, report); err != nil {
				r.logger.Error("execution report handling failed", "followerOrderId", report.FollowerOrderID, "error", err.Error())
			}
		})
	})
}

type validatorRunner struct {
	v *validator.Validator
}

func (r validatorRunner) Run(ctx context.Context) error {
	r.v.Start()
	<-ctx.Done()
	r.v.Stop()
	return ctx.Err()
}

// rebalanceRunner periodically checks every supported instrument for
// drift left by minimum-size enforcement (spec §4.7).
type rebalanceRunner struct {
	rebalancer *rebalance.Rebalancer
	account    string
	registry   core.InstrumentRegistry
	interval   time.Duration
	logger     core.ILogger
}

func (r rebalanceRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, symbol := range r.registry.Symbols() {
				if err := r.rebalancer.Check(ctx, r.account, symbol); err != nil {
					r.logger.Warn("rebalance check failed", "instrument", symbol, "error", err.Error())
				}
			}
		}
	}
}
