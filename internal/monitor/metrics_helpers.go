package monitor

// 便捷函数供外部调用，无需访问 Metrics 实例

// IncReconcile 增加调节尝试计数
func IncReconcile(outcome string) {
	GetMetrics().IncReconcile(outcome)
}

// IncJobRun 增加任务运行计数
func IncJobRun(job, outcome string) {
	GetMetrics().IncJobRun(job, outcome)
}

// IncConnectorError 增加连接器错误计数
func IncConnectorError(exchangeName, class string) {
	GetMetrics().IncConnectorError(exchangeName, class)
}

// IncLockSkip 增加锁竞争跳过计数
func IncLockSkip() {
	GetMetrics().IncLockSkip()
}

// SetQueueDepth 设置派发队列深度
func SetQueueDepth(depth int) {
	GetMetrics().SetQueueDepth(depth)
}

// IncEventPublished 增加事件发布计数
func IncEventPublished(eventType string) {
	GetMetrics().IncEventPublished(eventType)
}

// IncPolicyInsufficient 增加数据不足跳过计数
func IncPolicyInsufficient(policy string) {
	GetMetrics().IncPolicyInsufficient(policy)
}

// IncManualReview 增加人工复核标记计数
func IncManualReview() {
	GetMetrics().IncManualReview()
}
