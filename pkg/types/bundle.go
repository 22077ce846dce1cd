package types

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrEmptyBundle      = errors.New("bundle has no transactions")
	ErrInvalidTarget    = errors.New("bundle target block must be positive")
	ErrInvalidTimestamp = errors.New("bundle min timestamp is after max timestamp")
	ErrUnsignedTx       = errors.New("bundle transaction is not signed")
)

// BundleTransaction is a single entry of a bundle. Entries with RawTx set are
// already signed (for example a victim transaction) and are forwarded verbatim.
type BundleTransaction struct {
	To                   *common.Address `json:"to"`
	Value                *big.Int        `json:"value"`
	Data                 []byte          `json:"data"`
	GasLimit             uint64          `json:"gasLimit"`
	GasPrice             *big.Int        `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int        `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int        `json:"maxPriorityFeePerGas,omitempty"`

	// Set during execution
	Nonce *uint64       `json:"nonce,omitempty"`
	RawTx hexutil.Bytes `json:"rawTx,omitempty"`
	Hash  common.Hash   `json:"hash"`
}

// PreSigned reports whether the transaction was supplied already signed
func (t *BundleTransaction) PreSigned() bool {
	return len(t.RawTx) > 0 && t.Nonce == nil
}

// BundleRequest is an ordered list of transactions targeting one block. The
// order of Transactions is significant and is never changed after construction.
type BundleRequest struct {
	Transactions []*BundleTransaction `json:"transactions"`
	TargetBlock  uint64               `json:"targetBlock"`
	MinTimestamp uint64               `json:"minTimestamp,omitempty"`
	MaxTimestamp uint64               `json:"maxTimestamp,omitempty"`
}

// NewBundleRequest builds a bundle from the given transactions, preserving order
func NewBundleRequest(targetBlock uint64, txs ...*BundleTransaction) *BundleRequest {
	ordered := make([]*BundleTransaction, len(txs))
	copy(ordered, txs)
	return &BundleRequest{
		Transactions: ordered,
		TargetBlock:  targetBlock,
	}
}

// Clone copies the bundle and each of its entries. Field values are shared;
// callers replace fields on the copy rather than mutating what they point to.
func (b *BundleRequest) Clone() *BundleRequest {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Transactions = make([]*BundleTransaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		entry := *tx
		clone.Transactions[i] = &entry
	}
	return &clone
}

// Validate checks the structural constraints of a bundle
func (b *BundleRequest) Validate() error {
	if b == nil || len(b.Transactions) == 0 {
		return ErrEmptyBundle
	}
	if b.TargetBlock == 0 {
		return ErrInvalidTarget
	}
	if b.MaxTimestamp != 0 && b.MinTimestamp > b.MaxTimestamp {
		return ErrInvalidTimestamp
	}
	return nil
}

// RawTransactions returns the signed transactions in bundle order
func (b *BundleRequest) RawTransactions() ([]hexutil.Bytes, error) {
	raws := make([]hexutil.Bytes, 0, len(b.Transactions))
	for i, tx := range b.Transactions {
		if len(tx.RawTx) == 0 {
			return nil, fmt.Errorf("tx %d: %w", i, ErrUnsignedTx)
		}
		raws = append(raws, tx.RawTx)
	}
	return raws, nil
}

// OwnTransactionCount returns how many entries need gas pricing, a nonce and a signature
func (b *BundleRequest) OwnTransactionCount() int {
	count := 0
	for _, tx := range b.Transactions {
		if !tx.PreSigned() {
			count++
		}
	}
	return count
}

// BundleStatus is the per-relay lifecycle status of a submitted bundle
type BundleStatus string

const (
	BundleStatusPending   BundleStatus = "pending"
	BundleStatusSubmitted BundleStatus = "submitted"
	BundleStatusSimulated BundleStatus = "simulated"
	BundleStatusIncluded  BundleStatus = "included"
	BundleStatusFailed    BundleStatus = "failed"
)

// RelayEndpoint is the configuration and rolling performance of a relay
type RelayEndpoint struct {
	Name        string  `json:"name" yaml:"name" mapstructure:"name"`
	URL         string  `json:"url" yaml:"url" mapstructure:"url"`
	Flavor      string  `json:"flavor" yaml:"flavor" mapstructure:"flavor"`
	Priority    int     `json:"priority" yaml:"priority" mapstructure:"priority"`
	Enabled     bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RateLimit   float64 `json:"rateLimit" yaml:"rate_limit" mapstructure:"rate_limit"`
	SuccessRate float64 `json:"successRate" yaml:"-" mapstructure:"-"`
	Submissions int64   `json:"submissions" yaml:"-" mapstructure:"-"`
	Successes   int64   `json:"successes" yaml:"-" mapstructure:"-"`
	Failures    int64   `json:"failures" yaml:"-" mapstructure:"-"`
}

// SubmissionResult is the outcome of submitting (or polling) a bundle on one relay
type SubmissionResult struct {
	Relay       string        `json:"relay"`
	BundleID    string        `json:"bundleId"`
	BundleHash  string        `json:"bundleHash,omitempty"`
	Status      BundleStatus  `json:"status"`
	Included    bool          `json:"included"`
	Simulated   bool          `json:"simulated"`
	GasUsed     uint64        `json:"gasUsed"`
	Profit      *big.Int      `json:"profit,omitempty"`
	TargetBlock uint64        `json:"targetBlock"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submittedAt"`
	Latency     time.Duration `json:"latency"`
}

// Failed reports whether the relay rejected or could not be reached
func (r *SubmissionResult) Failed() bool {
	return r.Status == BundleStatusFailed
}
