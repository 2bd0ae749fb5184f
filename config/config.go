package config

import (
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

type Engine struct {
	HealthServerAddr string `toml:"health_server_addr"`
	// 行情流开关：开启后为活跃 Bot 的交易对维护 ticker 长连接
	PriceStreamEnabled bool `toml:"price_stream_enabled"`
	// Bot 重载间隔与移除宽限期
	BotReloadInterval time.Duration `toml:"bot_reload_interval"`
	BotRemoveGrace    time.Duration `toml:"bot_remove_grace"`
}

type MySQL struct {
	DSN                string   `toml:"dsn"`
	SlaveAddr          []string `toml:"slave_addr"`
	MaxIdleConnections int      `toml:"max_idle_connections"`
	MaxOpenConnections int      `toml:"max_open_connections"`
	SetConnMaxLifetime int      `toml:"set_conn_max_lifetime"`
	SetConnMaxIdleTime int      `toml:"set_conn_max_idle_time"`
	ProxyEnabled       bool     `toml:"proxy_enabled"`
	ProxyAddr          string   `toml:"proxy_addr"`
}

type NATS struct {
	Endpoint string `toml:"endpoint"`
}

type Logger struct {
	Level      string `toml:"level"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Compress   bool   `toml:"compress"`
	Console    bool   `toml:"console"`
}

type Scheduler struct {
	WorkerPoolSize int           `toml:"worker_pool_size"`
	JobTimeout     time.Duration `toml:"job_timeout"`
	// 崩溃清扫：started 超过宽限期视为可重试
	SweepGracePeriod time.Duration `toml:"sweep_grace_period"`
	SweepInterval    time.Duration `toml:"sweep_interval"`
	MaxRetries       int           `toml:"max_retries"`
	// 每日任务触发时刻（UTC）
	SignalJobAt   string `toml:"signal_job_at"`
	StopLossJobAt string `toml:"stop_loss_job_at"`
	// 仓位同步间隔
	PositionSyncInterval time.Duration `toml:"position_sync_interval"`
}

type Reconciler struct {
	LockWaitTimeout time.Duration `toml:"lock_wait_timeout"`
	// 目标价分桶宽度（比例），用于幂等键：同一桶内的重算不重复换单
	PriceBucketPct float64       `toml:"price_bucket_pct"`
	DedupTTL       time.Duration `toml:"dedup_ttl"`
	BackoffBase    time.Duration `toml:"backoff_base"`
	BackoffCap     time.Duration `toml:"backoff_cap"`
	MaxAttempts    int           `toml:"max_attempts"`
	KlineLimit     int           `toml:"kline_limit"`
}

type Config struct {
	Engine     Engine     `toml:"engine"`
	MySQL      MySQL      `toml:"mysql"`
	NATS       NATS       `toml:"nats"`
	Logger     Logger     `toml:"log"`
	Scheduler  Scheduler  `toml:"scheduler"`
	Reconciler Reconciler `toml:"reconciler"`
}

var (
	cfg         *Config
	cfgPath     string
	cfgLock     sync.RWMutex
	lastModTime time.Time
	stopChan    chan struct{}
)

func Default() *Config {
	return &Config{
		Engine: Engine{
			HealthServerAddr:   "0.0.0.0:16810",
			PriceStreamEnabled: true,
			BotReloadInterval:  time.Minute,
			BotRemoveGrace:     5 * time.Minute,
		},
		MySQL: MySQL{
			DSN:                "root:password@tcp(localhost:3306)/utrading?charset=utf8mb4&parseTime=True&loc=Local",
			SlaveAddr:          []string{},
			MaxIdleConnections: 16,
			MaxOpenConnections: 64,
			SetConnMaxLifetime: 7200,
			SetConnMaxIdleTime: 3600,
			ProxyEnabled:       false,
			ProxyAddr:          "127.0.0.1:7890",
		},
		NATS: NATS{
			Endpoint: "nats://localhost:4222",
		},
		Logger: Logger{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 60,
			MaxAge:     7,
			Compress:   false,
			Console:    false,
		},
		Scheduler: Scheduler{
			WorkerPoolSize:       30,
			JobTimeout:           2 * time.Minute,
			SweepGracePeriod:     10 * time.Minute,
			SweepInterval:        5 * time.Minute,
			MaxRetries:           3,
			SignalJobAt:          "00:05",
			StopLossJobAt:        "00:15", // 信号任务之后，使用新鲜数据
			PositionSyncInterval: 4 * time.Hour,
		},
		Reconciler: Reconciler{
			LockWaitTimeout: 3 * time.Second,
			PriceBucketPct:  0.001, // 0.1% 一桶
			DedupTTL:        30 * time.Minute,
			BackoffBase:     time.Second,
			BackoffCap:      30 * time.Second,
			MaxAttempts:     3,
			KlineLimit:      100,
		},
	}
}

func Load(path string) error {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	cfgLock.Lock()
	defer cfgLock.Unlock()
	cfg = c
	cfgPath = path
	lastModTime = info.ModTime()

	return nil
}

func Get() *Config {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return cfg
}

// Init 初始化配置并启动定期重载（默认10秒）
func Init(path string) error {
	return InitWithInterval(path, 10*time.Second)
}

// InitWithInterval 初始化配置并指定重载间隔
func InitWithInterval(path string, interval time.Duration) error {
	if err := Load(path); err != nil {
		return err
	}

	stopChan = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				reloadIfNeeded()
			case <-stopChan:
				return
			}
		}
	}()

	return nil
}

// Stop 停止配置重载
func Stop() {
	if stopChan != nil {
		close(stopChan)
	}
}

// reloadIfNeeded 仅在文件修改时重载
func reloadIfNeeded() {
	cfgLock.RLock()
	path := cfgPath
	lastMod := lastModTime
	cfgLock.RUnlock()

	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Error().Err(err).Msg("config stat failed")
		return
	}

	if info.ModTime().After(lastMod) {
		if err = Load(path); err != nil {
			logger.Error().Err(err).Msg("config reload failed")
		} else {
			logger.Info().Msg("config reloaded")
		}
	}
}
