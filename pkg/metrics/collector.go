package metrics

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus instruments shared by the execution core.
// A nil *Collector is valid and records nothing, so components can be
// constructed without metrics in tests.
type Collector struct {
	registry *prometheus.Registry

	// scanner
	txReceived       *prometheus.CounterVec
	txOutcome        *prometheus.CounterVec
	queueUtilization *prometheus.GaugeVec
	connectionStatus *prometheus.GaugeVec
	reconnects       *prometheus.CounterVec

	// backpressure
	backpressureState prometheus.Gauge
	backpressureDrops prometheus.Counter

	// filters
	filterEvaluations *prometheus.CounterVec

	// gas and nonce
	gasEstimates  *prometheus.CounterVec
	congestion    prometheus.Gauge
	baseFeeGwei   prometheus.Gauge
	nonceEvents   *prometheus.CounterVec
	pendingNonces *prometheus.GaugeVec

	// relays and execution
	relaySubmissions *prometheus.CounterVec
	relayLatency     *prometheus.HistogramVec
	executions       *prometheus.CounterVec
	netProfit        prometheus.Gauge

	// orchestration
	opportunities     *prometheus.CounterVec
	processingLatency *prometheus.HistogramVec
	currentBlock      prometheus.Gauge
}

// NewCollector creates a collector registered on a fresh registry
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.NewRegistry())
}

// NewCollectorWithRegistry creates a collector registered on the given registry
func NewCollectorWithRegistry(registry *prometheus.Registry) *Collector {
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		txReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mev_transactions_received_total",
			Help: "Total number of pending transactions received by network",
		}, []string{"network"}),
		txOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mev_transactions_processed_total",
			Help: "Pending transactions by scan outcome (accepted, filtered, dropped, invalid)",
		}, []string{"network", "outcome"}),
		queueUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mev_queue_utilization_ratio",
			Help: "Ingress queue fill ratio by network",
		}, []string{"network"}),
		connectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mev_connection_status",
			Help: "Connection status (1 = connected, 0 = disconnected)",
		}, []string{"network"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mev_reconnects_total",
			Help: "Total number of reconnect attempts by network",
		}, []string{"network"}),
		backpressureState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mev_backpressure_state",
			Help: "Backpressure state (0 = normal, 1 = warning, 2 = throttle, 3 = critical)",
		}),
		backpressureDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "mev_backpressure_drops_total",
			Help: "Total number of items shed by backpressure",
		}),
		filterEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mev_filter_evaluations_total",
			Help: "Filter engine evaluations by result",
		}, []string{"result"}),
		gasEstimates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mev_gas_estimates_total",
			Help: "Gas estimates produced by strategy",
		}, []string{"strategy"}),
		congestion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mev_network_congestion_ratio",
			Help: "Network congestion estimate in [0,1]",
		}),
		baseFeeGwei: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mev_base_fee_gwei",
			Help: "Latest observed base fee in gwei",
		}),
		nonceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mev_nonce_events_total",
			Help: "Nonce lifecycle events (reserved, confirmed, failed, released, expired)",
		}, []string{"event"}),
		pendingNonces: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mev_pending_nonces",
			Help: "Reserved but unconfirmed nonces by account",
		}, []string{"account"}),
		relaySubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mev_relay_submissions_total",
			Help: "Bundle submissions by relay and status",
		}, []string{"relay", "status"}),
		relayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mev_relay_submission_duration_seconds",
			Help:    "Bundle submission latency by relay in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"relay"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mev_executions_total",
			Help: "Executions by terminal status",
		}, []string{"status"}),
		netProfit: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mev_net_profit_wei",
			Help: "Cumulative expected net profit of included executions in wei",
		}),
		opportunities: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mev_opportunities_detected_total",
			Help: "Total number of MEV opportunities detected by strategy",
		}, []string{"strategy"}),
		processingLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mev_processing_duration_seconds",
			Help:    "Processing duration by operation in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		currentBlock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mev_current_block",
			Help: "Latest block handled by the orchestrator",
		}),
	}
}

// Registry returns the registry backing the collector
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordTransactionReceived counts a raw pending transaction
func (c *Collector) RecordTransactionReceived(network string) {
	if c == nil {
		return
	}
	c.txReceived.WithLabelValues(network).Inc()
}

// RecordTransactionOutcome counts a transaction by what the scanner did with it
func (c *Collector) RecordTransactionOutcome(network, outcome string) {
	if c == nil {
		return
	}
	c.txOutcome.WithLabelValues(network, outcome).Inc()
}

// SetQueueUtilization sets the queue fill ratio
func (c *Collector) SetQueueUtilization(network string, ratio float64) {
	if c == nil {
		return
	}
	c.queueUtilization.WithLabelValues(network).Set(ratio)
}

// SetConnectionStatus records whether a network connection is up
func (c *Collector) SetConnectionStatus(network string, connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1
	}
	c.connectionStatus.WithLabelValues(network).Set(value)
}

// RecordReconnect counts a reconnect attempt
func (c *Collector) RecordReconnect(network string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(network).Inc()
}

// SetBackpressureState records the numeric backpressure state
func (c *Collector) SetBackpressureState(state int) {
	if c == nil {
		return
	}
	c.backpressureState.Set(float64(state))
}

// RecordBackpressureDrop counts an item shed by backpressure
func (c *Collector) RecordBackpressureDrop() {
	if c == nil {
		return
	}
	c.backpressureDrops.Inc()
}

// RecordFilterEvaluation counts a filter engine verdict
func (c *Collector) RecordFilterEvaluation(passed bool) {
	if c == nil {
		return
	}
	result := "rejected"
	if passed {
		result = "passed"
	}
	c.filterEvaluations.WithLabelValues(result).Inc()
}

// RecordGasEstimate counts a gas estimate and updates network gauges
func (c *Collector) RecordGasEstimate(strategy string, congestion float64, baseFee *big.Int) {
	if c == nil {
		return
	}
	c.gasEstimates.WithLabelValues(strategy).Inc()
	c.congestion.Set(congestion)
	if baseFee != nil {
		gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(baseFee), big.NewFloat(1e9)).Float64()
		c.baseFeeGwei.Set(gwei)
	}
}

// RecordNonceEvent counts a nonce lifecycle event
func (c *Collector) RecordNonceEvent(event string) {
	if c == nil {
		return
	}
	c.nonceEvents.WithLabelValues(event).Inc()
}

// SetPendingNonces sets the number of unconfirmed nonces for an account
func (c *Collector) SetPendingNonces(account string, count int) {
	if c == nil {
		return
	}
	c.pendingNonces.WithLabelValues(account).Set(float64(count))
}

// RecordRelaySubmission counts a relay submission and observes its latency
func (c *Collector) RecordRelaySubmission(relay, status string, latency time.Duration) {
	if c == nil {
		return
	}
	c.relaySubmissions.WithLabelValues(relay, status).Inc()
	c.relayLatency.WithLabelValues(relay).Observe(latency.Seconds())
}

// RecordExecution counts a terminal execution and accumulates profit of included ones
func (c *Collector) RecordExecution(status string, netProfit *big.Int) {
	if c == nil {
		return
	}
	c.executions.WithLabelValues(status).Inc()
	if netProfit != nil && netProfit.Sign() > 0 {
		profit, _ := new(big.Float).SetInt(netProfit).Float64()
		c.netProfit.Add(profit)
	}
}

// RecordOpportunity counts a detected opportunity
func (c *Collector) RecordOpportunity(strategy string) {
	if c == nil {
		return
	}
	c.opportunities.WithLabelValues(strategy).Inc()
}

// RecordLatency observes a processing latency for an operation
func (c *Collector) RecordLatency(operation string, latency time.Duration) {
	if c == nil {
		return
	}
	c.processingLatency.WithLabelValues(operation).Observe(latency.Seconds())
}

// SetCurrentBlock records the latest handled block
func (c *Collector) SetCurrentBlock(block uint64) {
	if c == nil {
		return
	}
	c.currentBlock.Set(float64(block))
}
