package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/coveswap/coveswap/params"
)

// ReleaseHasher computes the domain-separated digest an arbiter must
// sign to force-release escrowed funds. Same EIP-712 domain family as
// order fingerprints, so a release signature is bound to one deployment
// and one (instance, recipient, asset, amount) tuple.
type ReleaseHasher struct {
	domain apitypes.TypedDataDomain
}

func NewReleaseHasher(signing params.Signing) *ReleaseHasher {
	return &ReleaseHasher{
		domain: apitypes.TypedDataDomain{
			Name:              signing.Name,
			Version:           signing.Version,
			ChainId:           (*math.HexOrDecimal256)(signing.ChainID),
			VerifyingContract: signing.VerifyingContract.Hex(),
		},
	}
}

func (h *ReleaseHasher) Digest(instanceID common.Hash, to, asset common.Address, amount *big.Int) (common.Hash, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Release": {
				{Name: "instanceId", Type: "bytes32"},
				{Name: "recipient", Type: "address"},
				{Name: "asset", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "Release",
		Domain:      h.domain,
		Message: apitypes.TypedDataMessage{
			"instanceId": instanceID.Hex(),
			"recipient":  to.Hex(),
			"asset":      asset.Hex(),
			"amount":     amount.String(),
		},
	}

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash release: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256Hash(raw), nil
}
