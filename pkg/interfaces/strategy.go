package interfaces

import (
	"context"
	"time"

	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// Strategy is the contract every opportunity-detection strategy implements.
// Strategies are registered explicitly with the orchestrator registry.
//
// OnTx and OnBlock may be called concurrently for different inputs; a strategy
// that keeps state must guard it.
type Strategy interface {
	// Name uniquely identifies the strategy in the registry
	Name() string
	// OnTx inspects an accepted pending transaction; nil means no opportunity
	OnTx(ctx context.Context, tx *types.TransactionData) (*types.MEVOpportunity, error)
	// OnBlock is invoked once per new block
	OnBlock(ctx context.Context, blockNumber uint64, timestamp time.Time) ([]*types.MEVOpportunity, error)
	// BuildBundle turns an opportunity into an ordered bundle; nil skips it
	BuildBundle(ctx context.Context, opportunity *types.MEVOpportunity) (*types.BundleRequest, error)
	// OnBundleResult reports the terminal outcome of an executed opportunity
	OnBundleResult(ctx context.Context, result *types.ExecutionResult)
}
