package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformedSignature is returned when a signature is not a
// well-formed 65-byte recoverable secp256k1 signature.
var ErrMalformedSignature = errors.New("malformed signature")

// Signer manages a secp256k1 key pair (Ethereum-compatible).
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a new random secp256k1 key pair.
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newSigner(privateKey), nil
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key
// (64 hex chars, no 0x prefix).
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return newSigner(privateKey), nil
}

func newSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the Ethereum address derived from the public key.
func (s *Signer) Address() common.Address { return s.address }

// PrivateKeyHex returns the private key as hex (no 0x prefix).
// Keep this out of logs.
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// Sign signs a 32-byte digest and returns a [R || S || V] signature
// with V in {27, 28} for wallet compatibility.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverAddress recovers the signing address from a 32-byte digest and
// a 65-byte [R || S || V] signature. V may be 0/1 or 27/28.
func RecoverAddress(digest []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d, want 65", ErrMalformedSignature, len(signature))
	}
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("%w: digest length %d, want 32", ErrMalformedSignature, len(digest))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, signature[64])
	}

	pubBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether signature was produced over digest by
// the key behind address.
func VerifySignature(address common.Address, digest []byte, signature []byte) bool {
	recovered, err := RecoverAddress(digest, signature)
	if err != nil {
		return false
	}
	return recovered == address
}
