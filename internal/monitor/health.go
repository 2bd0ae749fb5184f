package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utrading/utrading-trade-engine/pkg/goplus"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// HealthServer HTTP 健康检查和指标服务器
type HealthServer struct {
	addr      string
	scheduler SchedulerRef
	stream    StreamRef
	publisher PublisherRef
	server    *http.Server
	mu        sync.RWMutex
	healthy   bool
	startTime time.Time
}

// SchedulerRef 调度器引用接口（任务控制面）
type SchedulerRef interface {
	JobsStatus() []map[string]any
	RunNow(name string) error
	Pause(name string, paused bool) error
	QueueDepth() int
}

// StreamRef 行情流引用接口
type StreamRef interface {
	IsConnected() bool
}

// PublisherRef NATS发布器引用接口
type PublisherRef interface {
	IsConnected() bool
}

// NewHealthServer 创建健康检查服务器
func NewHealthServer(addr string, scheduler SchedulerRef, stream StreamRef, publisher PublisherRef) *HealthServer {
	return &HealthServer{
		addr:      addr,
		scheduler: scheduler,
		stream:    stream,
		publisher: publisher,
		healthy:   true,
		startTime: time.Now(),
	}
}

// Start 启动HTTP服务器
func (h *HealthServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", h.healthHandler)
	mux.HandleFunc("/health/ready", h.readyHandler)
	mux.HandleFunc("/health/live", h.liveHandler)

	// Prometheus指标端点
	mux.Handle("/metrics", promhttp.Handler())

	// 服务状态端点
	mux.HandleFunc("/status", h.healthHandler)

	// 调度任务控制面：查看/立即触发/暂停
	mux.HandleFunc("/jobs", h.jobsHandler)
	mux.HandleFunc("/jobs/run", h.jobRunHandler)
	mux.HandleFunc("/jobs/pause", h.jobPauseHandler)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info().Str("addr", h.addr).Msg("health server starting")

	goplus.Go(func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server error")
		}
	})

	return nil
}

// Stop 停止服务器
func (h *HealthServer) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.healthy = false
	h.mu.Unlock()

	return h.server.Shutdown(ctx)
}

func (h *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.getHealthStatus()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

func (h *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	healthy := h.healthy
	h.mu.RUnlock()
	if !healthy {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *HealthServer) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// jobsHandler 任务列表与最近一次运行状态
func (h *HealthServer) jobsHandler(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		http.Error(w, "scheduler not wired", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"queue_depth": h.scheduler.QueueDepth(),
		"jobs":        h.scheduler.JobsStatus(),
	})
}

// jobRunHandler 立即触发指定任务: POST /jobs/run?name=xxx
func (h *HealthServer) jobRunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.scheduler == nil {
		http.Error(w, "scheduler not wired", http.StatusServiceUnavailable)
		return
	}
	name := r.URL.Query().Get("name")
	if err := h.scheduler.RunNow(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("dispatched"))
}

// jobPauseHandler 暂停/恢复指定任务: POST /jobs/pause?name=xxx&paused=true
func (h *HealthServer) jobPauseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.scheduler == nil {
		http.Error(w, "scheduler not wired", http.StatusServiceUnavailable)
		return
	}
	name := r.URL.Query().Get("name")
	paused := r.URL.Query().Get("paused") == "true"
	if err := h.scheduler.Pause(name, paused); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// getHealthStatus 获取健康状态
func (h *HealthServer) getHealthStatus() HealthStatus {
	h.mu.RLock()
	healthy := h.healthy
	h.mu.RUnlock()

	streamConnected := false
	if h.stream != nil {
		streamConnected = h.stream.IsConnected()
	}
	natsConnected := false
	if h.publisher != nil {
		natsConnected = h.publisher.IsConnected()
	}
	queueDepth := 0
	if h.scheduler != nil {
		queueDepth = h.scheduler.QueueDepth()
	}

	return HealthStatus{
		Healthy:    healthy,
		Uptime:     time.Since(h.startTime).String(),
		Stream:     ConnStatus{Connected: streamConnected},
		NATS:       ConnStatus{Connected: natsConnected},
		QueueDepth: queueDepth,
	}
}

// HealthStatus 健康状态结构
type HealthStatus struct {
	Healthy    bool       `json:"healthy"`
	Uptime     string     `json:"uptime"`
	Stream     ConnStatus `json:"stream"`
	NATS       ConnStatus `json:"nats"`
	QueueDepth int        `json:"queue_depth"`
}

// ConnStatus 连接状态
type ConnStatus struct {
	Connected bool `json:"connected"`
}

// Metrics 指标收集器
type Metrics struct {
	reconcileAttempts  *prometheus.CounterVec
	protectiveOrders   prometheus.Gauge
	openPositions      prometheus.Gauge
	jobRuns            *prometheus.CounterVec
	jobDuration        prometheus.Histogram
	connectorErrors    *prometheus.CounterVec
	lockSkips          prometheus.Counter
	queueDepth         prometheus.Gauge
	natsConnected      prometheus.Gauge
	streamConnected    prometheus.Gauge
	eventsPublished    *prometheus.CounterVec
	policyInsufficient *prometheus.CounterVec
	auditWriteSize     prometheus.Histogram
	manualReviews      prometheus.Counter
}

// NewMetrics 创建指标收集器
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		reconcileAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_attempts_total",
				Help:      "Total reconciliation attempts by outcome",
			},
			[]string{"outcome"}, // placed, replaced, noop, skipped, rejected, failed, closed
		),
		protectiveOrders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "protective_orders_live",
				Help:      "Current number of live protective orders",
			},
		),
		openPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_positions",
				Help:      "Current number of open positions",
			},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Total scheduled job runs by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		jobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "调度任务耗时分布（秒）",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		connectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_errors_total",
				Help:      "Total exchange connector errors by exchange and class",
			},
			[]string{"exchange", "class"},
		),
		lockSkips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "position_lock_skips_total",
				Help:      "Total reconciliations skipped because the position lock was busy",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_queue_depth",
				Help:      "Current scheduler dispatch queue depth",
			},
		),
		natsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nats_connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),
		streamConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ticker_stream_connected",
				Help:      "Ticker stream connection status (1=connected, 0=disconnected)",
			},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total events published to NATS by type",
			},
			[]string{"type"},
		),
		policyInsufficient: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_insufficient_data_total",
				Help:      "Total stop-loss computations skipped for insufficient history",
			},
			[]string{"policy"},
		),
		auditWriteSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "audit_batch_write_size",
				Help:      "审计批量写入大小分布",
				Buckets:   []float64{1, 10, 25, 50, 100, 200, 500},
			},
		),
		manualReviews: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manual_reviews_total",
				Help:      "Total positions flagged for manual review",
			},
		),
	}

	prometheus.MustRegister(
		m.reconcileAttempts,
		m.protectiveOrders,
		m.openPositions,
		m.jobRuns,
		m.jobDuration,
		m.connectorErrors,
		m.lockSkips,
		m.queueDepth,
		m.natsConnected,
		m.streamConnected,
		m.eventsPublished,
		m.policyInsufficient,
		m.auditWriteSize,
		m.manualReviews,
	)

	return m
}

// IncReconcile 增加调节尝试计数
func (m *Metrics) IncReconcile(outcome string) {
	m.reconcileAttempts.WithLabelValues(outcome).Inc()
}

// SetProtectiveOrders 设置在场保护单数量
func (m *Metrics) SetProtectiveOrders(count int) {
	m.protectiveOrders.Set(float64(count))
}

// SetOpenPositions 设置未平仓持仓数量
func (m *Metrics) SetOpenPositions(count int) {
	m.openPositions.Set(float64(count))
}

// IncJobRun 增加任务运行计数
func (m *Metrics) IncJobRun(job, outcome string) {
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}

// ObserveJobDuration 观察任务耗时
func (m *Metrics) ObserveJobDuration(seconds float64) {
	m.jobDuration.Observe(seconds)
}

// IncConnectorError 增加连接器错误计数
func (m *Metrics) IncConnectorError(exchangeName, class string) {
	m.connectorErrors.WithLabelValues(exchangeName, class).Inc()
}

// IncLockSkip 增加锁竞争跳过计数
func (m *Metrics) IncLockSkip() {
	m.lockSkips.Inc()
}

// SetQueueDepth 设置派发队列深度
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// SetNATSConnected 设置NATS连接状态
func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.natsConnected.Set(1)
	} else {
		m.natsConnected.Set(0)
	}
}

// SetStreamConnected 设置行情流连接状态
func (m *Metrics) SetStreamConnected(connected bool) {
	if connected {
		m.streamConnected.Set(1)
	} else {
		m.streamConnected.Set(0)
	}
}

// IncEventPublished 增加事件发布计数
func (m *Metrics) IncEventPublished(eventType string) {
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// IncPolicyInsufficient 增加数据不足跳过计数
func (m *Metrics) IncPolicyInsufficient(policy string) {
	m.policyInsufficient.WithLabelValues(policy).Inc()
}

// ObserveAuditWriteSize 观察审计批量写入大小
func (m *Metrics) ObserveAuditWriteSize(size int) {
	m.auditWriteSize.Observe(float64(size))
}

// IncManualReview 增加人工复核标记计数
func (m *Metrics) IncManualReview() {
	m.manualReviews.Inc()
}

var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics 获取全局指标收集器
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics("trade_engine")
	})
	return globalMetrics
}

// InitMetrics 初始化指标收集器（供main使用）
func InitMetrics() {
	GetMetrics()
}
