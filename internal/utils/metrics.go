// internal/utils/metrics.go
package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector 进程内指标收集器
// 计数器与仪表值走原子操作，注册表锁只在首次创建时竞争
type MetricsCollector struct {
	counters   map[string]*int64
	gauges     map[string]*int64
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Histogram 简易直方图：只跟踪 count/sum/min/max
type Histogram struct {
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector 返回全局指标收集器
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = &MetricsCollector{
			counters:   make(map[string]*int64),
			gauges:     make(map[string]*int64),
			histograms: make(map[string]*Histogram),
		}
	})
	return globalMetrics
}

// slot 取出或创建命名槽位，读锁快路径
func slot(mu *sync.RWMutex, m map[string]*int64, name string) *int64 {
	mu.RLock()
	p, ok := m[name]
	mu.RUnlock()
	if ok {
		return p
	}

	mu.Lock()
	defer mu.Unlock()
	if p, ok = m[name]; ok {
		return p
	}
	p = new(int64)
	m[name] = p
	return p
}

// IncrementCounter 计数器加一
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(slot(&m.mu, m.counters, name), 1)
}

// AddCounter 计数器累加
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(slot(&m.mu, m.counters, name), value)
}

// SetGauge 设置仪表值
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(slot(&m.mu, m.gauges, name), value)
}

// IncGauge 仪表值加一
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(slot(&m.mu, m.gauges, name), 1)
}

// DecGauge 仪表值减一
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(slot(&m.mu, m.gauges, name), -1)
}

// GetGauge 读取仪表当前值
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	p, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// GetCounterValue 读取计数器当前值
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	p, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// RecordHistogram 记录一个直方图采样
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if h, ok = m.histograms[name]; !ok {
			h = &Histogram{min: value, max: value}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
}

// GetMetrics 返回全部指标的快照
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, p := range m.counters {
		counters[name] = atomic.LoadInt64(p)
	}

	gauges := make(map[string]int64, len(m.gauges))
	for name, p := range m.gauges {
		gauges[name] = atomic.LoadInt64(p)
	}

	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{
			"count": h.count,
			"sum":   h.sum,
			"min":   h.min,
			"max":   h.max,
		}
		h.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// AppMetrics 应用级指标的记录入口
type AppMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewAppMetrics 创建应用指标实例
func NewAppMetrics() *AppMetrics {
	return &AppMetrics{
		metrics: GetMetricsCollector(),
		logger:  GetLogger(),
	}
}

// RecordAPIRequest 记录一次API请求
func (am *AppMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	am.metrics.IncrementCounter("api_requests_total")
	am.metrics.IncrementCounter("api_requests_" + method + "_" + endpoint)
	am.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())
	am.metrics.IncrementCounter("api_responses_" + string(rune('0'+statusCode/100)) + "xx")
}

// RecordLLMRequest 记录一次LLM请求
func (am *AppMetrics) RecordLLMRequest(provider, model string, tokensUsed int, duration time.Duration) {
	am.metrics.IncrementCounter("llm_requests_total")
	am.metrics.IncrementCounter("llm_requests_" + provider)
	am.metrics.AddCounter("llm_tokens_total", int64(tokensUsed))
	am.metrics.RecordHistogram("llm_response_time_ms", duration.Milliseconds())

	am.logger.Info("LLM请求完成", map[string]interface{}{
		"provider": provider,
		"model":    model,
		"tokens":   tokensUsed,
		"duration": duration.Milliseconds(),
	})
}

// RecordPlaySession 记录播放会话的生命周期事件
// event 取值：started / completed / closed
// 完成的会话随后也会关闭，活跃仪表只在 started/closed 上移动
func (am *AppMetrics) RecordPlaySession(storyID, event string) {
	am.metrics.IncrementCounter("play_sessions_" + event)

	switch event {
	case "started":
		am.metrics.IncGauge("play_sessions_active")
	case "closed":
		am.metrics.DecGauge("play_sessions_active")
	}

	am.logger.Debug("播放会话事件", map[string]interface{}{
		"story_id": storyID,
		"event":    event,
	})
}

// RecordError 记录错误指标
func (am *AppMetrics) RecordError(errorType, component string) {
	am.metrics.IncrementCounter("errors_total")
	am.metrics.IncrementCounter("errors_" + component + "_" + errorType)
}

// StartMetricsCollection 启动周期性的指标汇报
func (am *AppMetrics) StartMetricsCollection(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				am.logger.Info("周期指标报告", map[string]interface{}{
					"metrics": am.metrics.GetMetrics(),
				})
			}
		}
	}()
}
