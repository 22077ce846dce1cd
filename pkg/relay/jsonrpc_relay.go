package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sony/gobreaker/v2"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// Flavor selects the bundle submission API a relay speaks
type Flavor string

const (
	FlavorFlashbots Flavor = "flashbots"
	FlavorMevShare  Flavor = "mev-share"
)

var (
	ErrInvalidRelay   = errors.New("invalid relay endpoint")
	ErrBundleNotFound = errors.New("bundle not submitted to this relay")
)

// ParseFlavor resolves a flavor name, defaulting to flashbots when empty
func ParseFlavor(name string) (Flavor, error) {
	switch Flavor(name) {
	case "", FlavorFlashbots:
		return FlavorFlashbots, nil
	case FlavorMevShare:
		return FlavorMevShare, nil
	}
	return "", fmt.Errorf("%w: unknown flavor %q", ErrInvalidRelay, name)
}

// ClientConfig holds per-relay transport settings
type ClientConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// BreakerFailures consecutive transport failures open the circuit
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// DefaultClientConfig returns default relay transport settings
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout:  2 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// sendBundleArgs is the eth_sendBundle payload
type sendBundleArgs struct {
	Txs          []hexutil.Bytes `json:"txs"`
	BlockNumber  hexutil.Uint64  `json:"blockNumber"`
	MinTimestamp uint64          `json:"minTimestamp,omitempty"`
	MaxTimestamp uint64          `json:"maxTimestamp,omitempty"`
}

// mevBundleArgs is the mev_sendBundle v0.1 payload
type mevBundleArgs struct {
	Version   string           `json:"version"`
	Inclusion mevInclusion     `json:"inclusion"`
	Body      []mevBundleEntry `json:"body"`
}

type mevInclusion struct {
	BlockNumber hexutil.Uint64 `json:"block"`
	MaxBlock    hexutil.Uint64 `json:"maxBlock"`
}

type mevBundleEntry struct {
	Tx        hexutil.Bytes `json:"tx"`
	CanRevert bool          `json:"canRevert"`
}

type sendBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}

type bundleStatsArgs struct {
	BundleHash  common.Hash    `json:"bundleHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
}

// bundleStats is the flashbots_getBundleStatsV2 response
type bundleStats struct {
	IsSimulated    bool           `json:"isSimulated"`
	IsHighPriority bool           `json:"isHighPriority"`
	IsIncluded     bool           `json:"isIncluded"`
	GasUsed        hexutil.Uint64 `json:"gasUsed"`
	CoinbaseDiff   *hexutil.Big   `json:"coinbaseDiff"`
}

type submission struct {
	hash        common.Hash
	targetBlock uint64
}

// JSONRPCRelay submits bundles to one relay over JSON-RPC. Calls are rate
// limited and guarded by a circuit breaker that trips on transport failures.
type JSONRPCRelay struct {
	name    string
	url     string
	flavor  Flavor
	client  jsonrpc.RPCClient
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*jsonrpc.RPCResponse]
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	submitted map[string]submission
}

// NewJSONRPCRelay creates a relay client for endpoint. Requests are signed
// when signer is non-nil.
func NewJSONRPCRelay(endpoint types.RelayEndpoint, signer *Signer, config *ClientConfig, logger *zap.Logger) (*JSONRPCRelay, error) {
	if endpoint.Name == "" || endpoint.URL == "" {
		return nil, fmt.Errorf("%w: name and url are required", ErrInvalidRelay)
	}
	flavor, err := ParseFlavor(endpoint.Flavor)
	if err != nil {
		return nil, err
	}
	defaults := DefaultClientConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("relay").With(zap.String("relay", endpoint.Name))

	limit := rate.Inf
	if endpoint.RateLimit > 0 {
		limit = rate.Limit(endpoint.RateLimit)
	}

	httpClient := NewSigningClient(signer, &http.Client{Timeout: cfg.RequestTimeout})
	breaker := gobreaker.NewCircuitBreaker[*jsonrpc.RPCResponse](gobreaker.Settings{
		Name:    endpoint.Name,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Relay circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &JSONRPCRelay{
		name:      endpoint.Name,
		url:       endpoint.URL,
		flavor:    flavor,
		client:    jsonrpc.NewClientWithOpts(endpoint.URL, &jsonrpc.RPCClientOpts{HTTPClient: httpClient}),
		limiter:   rate.NewLimiter(limit, 1),
		breaker:   breaker,
		timeout:   cfg.RequestTimeout,
		logger:    logger,
		submitted: make(map[string]submission),
	}, nil
}

// Name returns the relay's configured name
func (r *JSONRPCRelay) Name() string {
	return r.name
}

// Flavor returns the submission API of the relay
func (r *JSONRPCRelay) Flavor() Flavor {
	return r.flavor
}

// SubmitBundle sends the bundle's signed transactions, in order, for its target block
func (r *JSONRPCRelay) SubmitBundle(ctx context.Context, bundle *types.BundleRequest, bundleID string) (*types.SubmissionResult, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	raws, err := bundle.RawTransactions()
	if err != nil {
		return nil, err
	}

	var (
		method string
		params interface{}
	)
	switch r.flavor {
	case FlavorMevShare:
		body := make([]mevBundleEntry, len(raws))
		for i, raw := range raws {
			body[i] = mevBundleEntry{Tx: raw}
		}
		method = "mev_sendBundle"
		params = []mevBundleArgs{{
			Version: "v0.1",
			Inclusion: mevInclusion{
				BlockNumber: hexutil.Uint64(bundle.TargetBlock),
				MaxBlock:    hexutil.Uint64(bundle.TargetBlock),
			},
			Body: body,
		}}
	default:
		method = "eth_sendBundle"
		params = []sendBundleArgs{{
			Txs:          raws,
			BlockNumber:  hexutil.Uint64(bundle.TargetBlock),
			MinTimestamp: bundle.MinTimestamp,
			MaxTimestamp: bundle.MaxTimestamp,
		}}
	}

	start := time.Now()
	res, err := r.call(ctx, method, params)
	if err != nil {
		return nil, err
	}

	var out sendBundleResponse
	if err := res.GetObject(&out); err != nil {
		return nil, fmt.Errorf("invalid %s response: %w", method, err)
	}
	if out.BundleHash == (common.Hash{}) {
		out.BundleHash = localBundleHash(raws)
	}

	r.mu.Lock()
	r.submitted[bundleID] = submission{hash: out.BundleHash, targetBlock: bundle.TargetBlock}
	r.mu.Unlock()

	r.logger.Debug("Bundle submitted",
		zap.String("bundle_id", bundleID),
		zap.String("bundle_hash", out.BundleHash.Hex()),
		zap.Uint64("target_block", bundle.TargetBlock),
	)

	return &types.SubmissionResult{
		Relay:       r.name,
		BundleID:    bundleID,
		BundleHash:  out.BundleHash.Hex(),
		Status:      types.BundleStatusSubmitted,
		TargetBlock: bundle.TargetBlock,
		SubmittedAt: start,
		Latency:     time.Since(start),
	}, nil
}

// CheckBundleStatus polls the relay's bundle stats for a previously submitted bundle
func (r *JSONRPCRelay) CheckBundleStatus(ctx context.Context, bundleID string) (*types.SubmissionResult, error) {
	r.mu.Lock()
	sub, ok := r.submitted[bundleID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrBundleNotFound
	}

	start := time.Now()
	res, err := r.call(ctx, "flashbots_getBundleStatsV2", []bundleStatsArgs{{
		BundleHash:  sub.hash,
		BlockNumber: hexutil.Uint64(sub.targetBlock),
	}})
	if err != nil {
		return nil, err
	}

	var stats bundleStats
	if err := res.GetObject(&stats); err != nil {
		return nil, fmt.Errorf("invalid bundle stats response: %w", err)
	}

	result := &types.SubmissionResult{
		Relay:       r.name,
		BundleID:    bundleID,
		BundleHash:  sub.hash.Hex(),
		Status:      types.BundleStatusSubmitted,
		Included:    stats.IsIncluded,
		Simulated:   stats.IsSimulated,
		GasUsed:     uint64(stats.GasUsed),
		TargetBlock: sub.targetBlock,
		Latency:     time.Since(start),
	}
	switch {
	case stats.IsIncluded:
		result.Status = types.BundleStatusIncluded
	case stats.IsSimulated:
		result.Status = types.BundleStatusSimulated
	}
	if stats.CoinbaseDiff != nil {
		result.Profit = new(big.Int).Set(stats.CoinbaseDiff.ToInt())
	}
	return result, nil
}

// call runs one JSON-RPC request through the rate limiter and breaker. Only
// transport failures count against the breaker; a relay-level error response
// is returned as an error without tripping it.
func (r *JSONRPCRelay) call(ctx context.Context, method string, params interface{}) (*jsonrpc.RPCResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("relay %s rate limit: %w", r.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.breaker.Execute(func() (*jsonrpc.RPCResponse, error) {
		return r.client.Call(ctx, method, params)
	})
	if err != nil {
		return nil, fmt.Errorf("relay %s %s: %w", r.name, method, err)
	}
	if res.Error != nil {
		return nil, fmt.Errorf("relay %s %s: %w", r.name, method, res.Error)
	}
	return res, nil
}

// localBundleHash is keccak256 over the concatenated transaction hashes, used
// when a relay does not echo a bundle hash
func localBundleHash(raws []hexutil.Bytes) common.Hash {
	hashes := make([]byte, 0, len(raws)*common.HashLength)
	for _, raw := range raws {
		hashes = append(hashes, crypto.Keccak256(raw)...)
	}
	return crypto.Keccak256Hash(hashes)
}
