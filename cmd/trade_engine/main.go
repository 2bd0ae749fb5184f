package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/utrading/utrading-trade-engine/config"
	"github.com/utrading/utrading-trade-engine/internal/audit"
	"github.com/utrading/utrading-trade-engine/internal/cache"
	"github.com/utrading/utrading-trade-engine/internal/cleaner"
	"github.com/utrading/utrading-trade-engine/internal/dal"
	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/engine"
	"github.com/utrading/utrading-trade-engine/internal/exchange"
	"github.com/utrading/utrading-trade-engine/internal/monitor"
	"github.com/utrading/utrading-trade-engine/internal/nats"
	"github.com/utrading/utrading-trade-engine/internal/reconciler"
	"github.com/utrading/utrading-trade-engine/internal/scheduler"
	"github.com/utrading/utrading-trade-engine/internal/watch"
	"github.com/utrading/utrading-trade-engine/pkg/goplus"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
	"github.com/utrading/utrading-trade-engine/pkg/sigproc"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "cfg.toml", "config file path")
	flag.Parse()

	// 加载配置
	if err := config.Init(configFile); err != nil {
		panic(err)
	}
	cfg := config.Get()

	// 初始化日志
	if err := initLogger(cfg); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Close()

	logger.Info().Msg("trade_engine service starting...")

	// 初始化指标
	monitor.InitMetrics()

	// 初始化数据库
	dal.InitMysqlDB(cfg.MySQL)

	// 自动迁移表结构
	dal.AutoMigrate()

	// 初始化 DAO
	dao.InitDAO(dal.MySQL())

	// 创建数据清理器
	dataCleaner := cleaner.NewCleaner()
	dataCleaner.Start()

	// 初始化 NATS
	publisher, err := nats.NewPublisher(cfg.NATS.Endpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init nats publisher failed")
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 交易所连接注册表
	registry := exchange.NewRegistry(30*time.Minute, exchange.RetryPolicy{
		Base:        cfg.Reconciler.BackoffBase,
		Cap:         cfg.Reconciler.BackoffCap,
		MaxAttempts: cfg.Reconciler.MaxAttempts,
	})
	registry.Register("binance", exchange.NewBinance)
	registry.Register("gateio", exchange.NewGateio)
	registry.Register("kucoin", exchange.NewKucoin)

	// 行情缓存与去重缓存
	priceCache := cache.NewPriceCache()
	dedupCache := cache.NewReplaceDedupCache(cfg.Reconciler.DedupTTL, cfg.Reconciler.PriceBucketPct)

	// 审计写入器
	auditor := audit.NewWriter(nil)
	auditor.Start()

	// 保护单调节器
	manager := reconciler.NewManager(registry, dedupCache, auditor, publisher, reconciler.Options{
		LockWaitTimeout: cfg.Reconciler.LockWaitTimeout,
		MaxAttempts:     cfg.Reconciler.MaxAttempts,
		KlineLimit:      cfg.Reconciler.KlineLimit,
	})

	// 业务服务
	svc := engine.NewService(registry, manager, auditor, publisher, priceCache, cfg.Reconciler.KlineLimit)

	// 调度器 + 周期任务
	sched, err := scheduler.New(scheduler.Options{
		WorkerPoolSize: cfg.Scheduler.WorkerPoolSize,
		DefaultTimeout: cfg.Scheduler.JobTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init scheduler failed")
	}
	if err = svc.RegisterJobs(sched, cfg.Scheduler); err != nil {
		logger.Fatal().Err(err).Msg("register jobs failed")
	}
	sched.Start(ctx)

	// 行情流：ticker 落价缓存，供风控与仓位同步读取
	stream := exchange.NewTickerStream(func(symbol string, last float64, ts time.Time) {
		priceCache.Update(symbol, last, ts)
	})
	var botLoader *watch.BotLoader
	if cfg.Engine.PriceStreamEnabled {
		goplus.Go(func() {
			stream.Run(ctx)
		})
		botLoader = watch.NewBotLoader(stream, cfg.Engine.BotReloadInterval, cfg.Engine.BotRemoveGrace)
		if err = botLoader.Start(); err != nil {
			logger.Fatal().Err(err).Msg("start bot loader failed")
		}
	}

	// 初始化健康检查服务器
	healthServer := monitor.NewHealthServer(
		cfg.Engine.HealthServerAddr,
		sched,
		stream,
		publisher,
	)
	if err = healthServer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start health server failed")
	}
	defer healthServer.Stop(context.Background())

	logger.Info().
		Str("health_addr", cfg.Engine.HealthServerAddr).
		Bool("price_stream", cfg.Engine.PriceStreamEnabled).
		Msg("trade_engine service started successfully")

	// 优雅关闭
	sigproc.GracefulShutdown(func(sig os.Signal) {
		logger.Info().Str("signal", sig.String()).Msg("shutting down...")

		// 停止数据清理器
		dataCleaner.Stop()

		// 停止接收新任务
		cancel()
		sched.Stop()

		// 停止行情侧
		if botLoader != nil {
			botLoader.Stop()
		}
		_ = stream.Close()

		// 关闭交易所连接池
		registry.Close()

		// 关闭健康检查服务器
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		healthServer.Stop(shutdownCtx)

		// 关闭配置重载
		config.Stop()

		// 排空审计队列
		auditor.Stop()

		// 关闭数据库
		dal.CloseMySQL()

		logger.Info().Msg("trade_engine service stopped")
	})

	<-ctx.Done()
}

func initLogger(cfg *config.Config) error {
	return logger.NewBuilder().
		SetMaxSize(cfg.Logger.MaxSize).
		SetMaxBackups(cfg.Logger.MaxBackups).
		SetMaxAge(cfg.Logger.MaxAge).
		SetLevel(cfg.Logger.Level).
		EnableCompression(cfg.Logger.Compress).
		EnableConsoleOutput(cfg.Logger.Console).
		Build()
}
