package interfaces

import (
	"context"

	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// RelayClient submits bundles to a single relay and polls their status
type RelayClient interface {
	Name() string
	SubmitBundle(ctx context.Context, bundle *types.BundleRequest, bundleID string) (*types.SubmissionResult, error)
	CheckBundleStatus(ctx context.Context, bundleID string) (*types.SubmissionResult, error)
}
