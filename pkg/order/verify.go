package order

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/coveswap/coveswap/pkg/crypto"
)

// ErrInvalidSignature is returned when a well-formed signature does not
// recover to the claimed signer.
var ErrInvalidSignature = errors.New("invalid signature")

// Verifier is the sole authorization gate for order admission. It is
// stateless: fingerprint derivation lives in Codec, recovery in
// pkg/crypto, so both halves can be exercised independently.
type Verifier struct {
	codec *Codec
}

func NewVerifier(codec *Codec) *Verifier {
	return &Verifier{codec: codec}
}

// digest returns the message that must have been signed for the order's
// declared scheme. eip712 signs the fingerprint directly; ethsign wraps
// it in the personal-message envelope first.
func (v *Verifier) digest(o *Order) (common.Hash, error) {
	fp, err := v.codec.Fingerprint(o)
	if err != nil {
		return common.Hash{}, err
	}
	if o.SigningScheme == SchemeEthSign {
		return ethcrypto.Keccak256Hash(
			[]byte("\x19Ethereum Signed Message:\n32"), fp.Bytes(),
		), nil
	}
	return fp, nil
}

// RecoverSigner recovers the identity that produced signature over the
// order's digest. Fails with crypto.ErrMalformedSignature when the
// signature is not recoverable under the declared scheme.
func (v *Verifier) RecoverSigner(o *Order, signature []byte) (common.Address, error) {
	digest, err := v.digest(o)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.RecoverAddress(digest.Bytes(), signature)
}

// Verify reports whether signature was produced over the order's
// fingerprint by claimedSigner. Any field altered after signing changes
// the fingerprint and makes this return false.
func (v *Verifier) Verify(o *Order, signature []byte, claimedSigner common.Address) (bool, error) {
	recovered, err := v.RecoverSigner(o, signature)
	if err != nil {
		return false, err
	}
	return recovered == claimedSigner, nil
}
