package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇总拦截层的 Prometheus 计数器。nil 接收者上的方法均为空操作，
// 便于测试中省略指标。
type Metrics struct {
	Requests        *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	NetworkFailures *prometheus.CounterVec
	Fallbacks       *prometheus.CounterVec
}

// NewMetrics 创建全部计数器并注册到 reg。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_hub_requests_total",
		Help: "Intercepted requests by routing strategy and response source",
	}, []string{"strategy", "source"})

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_hub_cache_lookups_total",
		Help: "Cache partition lookups by result (hit, miss, expired)",
	}, []string{"partition", "result"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_hub_network_failures_total",
		Help: "Network fetches that failed by routing strategy",
	}, []string{"strategy"})

	fallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_hub_fallback_total",
		Help: "Global fallback resolutions by outcome",
	}, []string{"outcome"})

	reg.MustRegister(requests, lookups, failures, fallbacks)

	return &Metrics{
		Requests:        requests,
		CacheLookups:    lookups,
		NetworkFailures: failures,
		Fallbacks:       fallbacks,
	}
}

// ObserveRequest 记录一次完成的拦截。
func (m *Metrics) ObserveRequest(strategy, source string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(strategy, source).Inc()
}

// ObserveLookup 记录一次分区查找结果。
func (m *Metrics) ObserveLookup(partition, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(partition, result).Inc()
}

// ObserveNetworkFailure 记录一次回源失败。
func (m *Metrics) ObserveNetworkFailure(strategy string) {
	if m == nil {
		return
	}
	m.NetworkFailures.WithLabelValues(strategy).Inc()
}

// ObserveFallback 记录全局兜底的结果：match、root_document 或 offline。
func (m *Metrics) ObserveFallback(outcome string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(outcome).Inc()
}
