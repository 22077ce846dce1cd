package relay

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureHeader carries the searcher's identity on every relay request
const SignatureHeader = "X-Flashbots-Signature"

var ErrInvalidSignature = errors.New("invalid relay signature")

// Signer produces the relay authentication header for request bodies
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner creates a signer from the searcher's reputation key
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the identity relays attribute bundles to
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign returns the header value "address:signature" for body. The signature
// covers the EIP-191 text hash of the hex keccak256 of the body.
func (s *Signer) Sign(body []byte) (string, error) {
	sig, err := crypto.Sign(bodyDigest(body), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign request body: %w", err)
	}
	return s.address.Hex() + ":" + hexutil.Encode(sig), nil
}

// VerifySignature checks a header value produced by Sign against body and
// returns the signing address
func VerifySignature(header string, body []byte) (common.Address, error) {
	parts := strings.SplitN(header, ":", 2)
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) {
		return common.Address{}, ErrInvalidSignature
	}
	sig, err := hexutil.Decode(parts[1])
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}

	pub, err := crypto.SigToPub(bodyDigest(body), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(parts[0]) {
		return common.Address{}, ErrInvalidSignature
	}
	return signer, nil
}

func bodyDigest(body []byte) []byte {
	hashHex := hexutil.Encode(crypto.Keccak256(body))
	return accounts.TextHash([]byte(hashHex))
}

// signingTransport adds the signature header to every outgoing request
type signingTransport struct {
	signer *Signer
	base   http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	sig, err := t.signer.Sign(body)
	if err != nil {
		return nil, err
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.Header.Set(SignatureHeader, sig)
	return t.base.RoundTrip(signed)
}

// NewSigningClient returns an HTTP client whose requests carry the signature
// header. A nil signer returns a plain client.
func NewSigningClient(signer *Signer, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	if signer == nil {
		return base
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client := *base
	client.Transport = &signingTransport{signer: signer, base: transport}
	return &client
}
