package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/models"
	"github.com/utrading/utrading-trade-engine/internal/monitor"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// 审计记录默认保留 90 天，过期由清理任务删除
const defaultRetention = 90 * 24 * time.Hour

// WriterConfig 批量写入配置
type WriterConfig struct {
	BatchSize     int           // 批量大小（默认 100）
	FlushInterval time.Duration // 刷新间隔（默认 2s）
	MaxQueueSize  int           // 最大队列大小（默认 10000）
	Retention     time.Duration // 保留期
}

// Writer 审计批量写入器
// 审计行只追加不去重，攒批落库降低 IO 压力
// 错误处理准则：任何错误至少落一行审计记录，所以写入器自身失败只记日志不丢队列
type Writer struct {
	config    *WriterConfig
	queue     chan *models.Activity
	mu        sync.Mutex
	buffer    []*models.Activity
	flushTick *time.Ticker
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewWriter 创建审计写入器
func NewWriter(config *WriterConfig) *Writer {
	if config == nil {
		config = &WriterConfig{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 10000
	}
	if config.Retention <= 0 {
		config.Retention = defaultRetention
	}

	return &Writer{
		config: config,
		queue:  make(chan *models.Activity, config.MaxQueueSize),
		done:   make(chan struct{}),
	}
}

// Start 启动写入器
func (w *Writer) Start() {
	w.flushTick = time.NewTicker(w.config.FlushInterval)

	w.wg.Add(1)
	go w.loop()
}

// Record 入队一条审计记录；队列满时同步落库兜底
func (w *Writer) Record(act *models.Activity) {
	if act.ExpiredAt.IsZero() {
		act.ExpiredAt = time.Now().Add(w.config.Retention)
	}
	select {
	case w.queue <- act:
	default:
		logger.Warn().Str("type", act.Type).Msg("audit queue full, writing synchronously")
		if err := dao.Activity().Insert(act); err != nil {
			logger.Error().Err(err).Str("type", act.Type).Msg("audit sync insert failed")
		}
	}
}

// Event 便捷入口
func (w *Writer) Event(actType string, botID, positionID uint, amount float64, format string, args ...any) {
	w.Record(&models.Activity{
		Type:        actType,
		BotID:       botID,
		PositionID:  positionID,
		Amount:      amount,
		Description: fmt.Sprintf(format, args...),
	})
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case act := <-w.queue:
			w.mu.Lock()
			w.buffer = append(w.buffer, act)
			full := len(w.buffer) >= w.config.BatchSize
			w.mu.Unlock()
			if full {
				w.flush()
			}
		case <-w.flushTick.C:
			w.flush()
		case <-w.done:
			// 处理队列中剩余的数据
			for {
				select {
				case act := <-w.queue:
					w.mu.Lock()
					w.buffer = append(w.buffer, act)
					w.mu.Unlock()
				default:
					w.flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if err := dao.Activity().BatchInsert(batch); err != nil {
		logger.Error().Err(err).Int("count", len(batch)).Msg("audit batch insert failed")
		return
	}
	monitor.GetMetrics().ObserveAuditWriteSize(len(batch))
}

// Stop 停止写入器并刷出剩余数据
func (w *Writer) Stop() {
	close(w.done)
	w.wg.Wait()
	if w.flushTick != nil {
		w.flushTick.Stop()
	}
}
