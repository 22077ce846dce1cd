package metrics

import (
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordTransactionReceived("ethereum")
		c.RecordTransactionOutcome("ethereum", "accepted")
		c.SetQueueUtilization("ethereum", 0.5)
		c.SetConnectionStatus("ethereum", true)
		c.RecordReconnect("ethereum")
		c.SetBackpressureState(2)
		c.RecordBackpressureDrop()
		c.RecordFilterEvaluation(true)
		c.RecordGasEstimate("ADAPTIVE", 0.4, big.NewInt(1e9))
		c.RecordNonceEvent("reserved")
		c.SetPendingNonces("0xabc", 3)
		c.RecordRelaySubmission("flashbots", "submitted", time.Millisecond)
		c.RecordExecution("included", big.NewInt(100))
		c.RecordOpportunity("arbitrage")
		c.RecordLatency("process", time.Millisecond)
		c.SetCurrentBlock(100)
	})
	assert.Nil(t, c.Registry())
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.RecordTransactionReceived("ethereum")
	c.RecordTransactionReceived("ethereum")
	c.RecordTransactionOutcome("ethereum", "filtered")
	c.RecordFilterEvaluation(false)
	c.RecordRelaySubmission("flashbots", "failed", 10*time.Millisecond)
	c.RecordExecution("included", big.NewInt(2500))
	c.RecordExecution("failed", big.NewInt(-100))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.txReceived.WithLabelValues("ethereum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.txOutcome.WithLabelValues("ethereum", "filtered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.filterEvaluations.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relaySubmissions.WithLabelValues("flashbots", "failed")))
	assert.Equal(t, 2500.0, testutil.ToFloat64(c.netProfit))
}

func TestCollector_GasGauges(t *testing.T) {
	c := NewCollector()

	c.RecordGasEstimate("AGGRESSIVE", 0.75, big.NewInt(30_000_000_000))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.gasEstimates.WithLabelValues("AGGRESSIVE")))
	assert.Equal(t, 0.75, testutil.ToFloat64(c.congestion))
	assert.InDelta(t, 30.0, testutil.ToFloat64(c.baseFeeGwei), 1e-9)
}

func TestCollector_PrometheusHandler(t *testing.T) {
	c := NewCollector()
	c.SetConnectionStatus("arbitrum", true)

	server := httptest.NewServer(c.PrometheusHandler())
	defer server.Close()

	// Second call must not fail on duplicate runtime collectors
	_ = c.PrometheusHandler()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, `mev_connection_status{network="arbitrum"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
