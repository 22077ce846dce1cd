package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoSigningKey = errors.New("no signing key configured")

// TxRequest holds the fields of a dynamic fee transaction to sign
type TxRequest struct {
	To                   *common.Address
	Value                *big.Int
	Data                 []byte
	Nonce                uint64
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// TxSigner signs EIP-1559 transactions with the searcher key
type TxSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  gethtypes.Signer
}

// NewTxSigner creates a signer for the given chain
func NewTxSigner(key *ecdsa.PrivateKey, chainID *big.Int) (*TxSigner, error) {
	if key == nil {
		return nil, ErrNoSigningKey
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id %v", chainID)
	}
	return &TxSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		signer:  gethtypes.LatestSignerForChainID(chainID),
	}, nil
}

// NewTxSignerFromHex parses a hex private key, with or without 0x prefix
func NewTxSignerFromHex(hexKey string, chainID *big.Int) (*TxSigner, error) {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return NewTxSigner(key, chainID)
}

// ParsePrivateKey decodes a hex secp256k1 private key
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrNoSigningKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// Address returns the account the signer signs for
func (s *TxSigner) Address() common.Address {
	return s.address
}

// ChainID returns the chain id transactions are signed for
func (s *TxSigner) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// Sign builds and signs a dynamic fee transaction, returning its binary
// encoding and hash
func (s *TxSigner) Sign(req *TxRequest) (hexutil.Bytes, common.Hash, error) {
	if req.MaxFeePerGas == nil || req.MaxPriorityFeePerGas == nil {
		return nil, common.Hash{}, errors.New("fee fields are required")
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     req.Nonce,
		GasTipCap: req.MaxPriorityFeePerGas,
		GasFeeCap: req.MaxFeePerGas,
		Gas:       req.GasLimit,
		To:        req.To,
		Value:     value,
		Data:      req.Data,
	})

	signed, err := gethtypes.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return raw, signed.Hash(), nil
}
