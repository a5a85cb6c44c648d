package monitoring

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"pricewise/pricing"
)

const latencyWindow = 1000

// LatencySummary 最近预测耗时统计，单位毫秒
type LatencySummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	Max   float64 `json:"max_ms"`
}

// Summary 预测指标摘要
type Summary struct {
	Predictions   int64            `json:"predictions"`
	Failures      int64            `json:"failures"`
	ByMode        map[string]int64 `json:"by_mode"`
	ByErrorKind   map[string]int64 `json:"by_error_kind"`
	Retries       int64            `json:"retries"`
	LastValue     float32          `json:"last_value"`
	LastVersion   string           `json:"last_version,omitempty"`
	LastEventTime time.Time        `json:"last_event_time,omitempty"`
	Latency       LatencySummary   `json:"latency"`
	Uptime        string           `json:"uptime"`
	Goroutines    int              `json:"goroutines"`
	HeapAlloc     uint64           `json:"heap_alloc"`
}

// MetricsCollector 统计预测事件
type MetricsCollector struct {
	metricsLock sync.RWMutex

	predictions int64
	failures    int64
	retries     int64
	byMode      map[string]int64
	byErrorKind map[string]int64
	lastValue   float32
	lastVersion string
	lastEvent   time.Time
	// latencies 环形缓冲，保存最近 latencyWindow 次耗时
	latencies []float64
	next      int

	startTime time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		byMode:      make(map[string]int64),
		byErrorKind: make(map[string]int64),
		latencies:   make([]float64, 0, latencyWindow),
		startTime:   time.Now(),
	}
}

// Publish 记录一次预测事件
func (mc *MetricsCollector) Publish(event pricing.Event) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	switch event.Type {
	case pricing.EventPrediction:
		mc.predictions++
		mc.byMode[event.Mode]++
		mc.lastValue = event.Value
		mc.lastVersion = event.Version
	case pricing.EventFailure:
		mc.failures++
		mc.byErrorKind[event.ErrorKind]++
	}
	if event.Attempts > 1 {
		mc.retries += int64(event.Attempts - 1)
	}
	mc.lastEvent = event.Timestamp

	ms := float64(event.Duration) / float64(time.Millisecond)
	if len(mc.latencies) < latencyWindow {
		mc.latencies = append(mc.latencies, ms)
	} else {
		mc.latencies[mc.next] = ms
		mc.next = (mc.next + 1) % latencyWindow
	}
}

// Summary 返回指标快照
func (mc *MetricsCollector) Summary() Summary {
	mc.metricsLock.RLock()
	s := Summary{
		Predictions:   mc.predictions,
		Failures:      mc.failures,
		Retries:       mc.retries,
		ByMode:        copyCounts(mc.byMode),
		ByErrorKind:   copyCounts(mc.byErrorKind),
		LastValue:     mc.lastValue,
		LastVersion:   mc.lastVersion,
		LastEventTime: mc.lastEvent,
	}
	latencies := append([]float64(nil), mc.latencies...)
	mc.metricsLock.RUnlock()

	s.Latency = summarizeLatency(latencies)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.Uptime = time.Since(mc.startTime).Round(time.Second).String()
	s.Goroutines = runtime.NumGoroutine()
	s.HeapAlloc = m.HeapAlloc
	return s
}

func summarizeLatency(values []float64) LatencySummary {
	if len(values) == 0 {
		return LatencySummary{}
	}
	sort.Float64s(values)
	return LatencySummary{
		Count: len(values),
		Mean:  stat.Mean(values, nil),
		P50:   stat.Quantile(0.5, stat.Empirical, values, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, values, nil),
		Max:   values[len(values)-1],
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
