package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/coveswap/coveswap/params"
)

// ErrEncoding marks an order that cannot be canonically encoded.
var ErrEncoding = errors.New("order encoding failed")

// orderTypes is the canonical EIP-712 schema. Field order is fixed;
// changing it is a breaking change to every fingerprint and signature.
var orderTypes = []apitypes.Type{
	{Name: "sellAsset", Type: "address"},
	{Name: "buyAsset", Type: "address"},
	{Name: "sellAmount", Type: "uint256"},
	{Name: "buyAmount", Type: "uint256"},
	{Name: "feeAmount", Type: "uint256"},
	{Name: "validTo", Type: "uint256"},
	{Name: "signer", Type: "address"},
	{Name: "receiver", Type: "address"},
	{Name: "extraData", Type: "bytes"},
	{Name: "partiallyFillable", Type: "bool"},
	{Name: "side", Type: "string"},
	{Name: "signingScheme", Type: "string"},
	{Name: "nonce", Type: "uint256"},
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Codec turns orders into their canonical EIP-712 encoding and
// fingerprint. The domain separator binds every fingerprint to one
// deployment, so a signed order cannot be replayed elsewhere.
type Codec struct {
	domain apitypes.TypedDataDomain
}

func NewCodec(signing params.Signing) *Codec {
	return &Codec{
		domain: apitypes.TypedDataDomain{
			Name:              signing.Name,
			Version:           signing.Version,
			ChainId:           (*math.HexOrDecimal256)(signing.ChainID),
			VerifyingContract: signing.VerifyingContract.Hex(),
		},
	}
}

func (c *Codec) typedData(o *Order) (apitypes.TypedData, error) {
	if err := o.Validate(); err != nil {
		return apitypes.TypedData{}, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order":        orderTypes,
		},
		PrimaryType: "Order",
		Domain:      c.domain,
		Message: apitypes.TypedDataMessage{
			"sellAsset":         o.SellAsset.Hex(),
			"buyAsset":          o.BuyAsset.Hex(),
			"sellAmount":        o.SellAmount.String(),
			"buyAmount":         o.BuyAmount.String(),
			"feeAmount":         o.FeeAmount.String(),
			"validTo":           new(big.Int).SetUint64(o.ValidTo).String(),
			"signer":            o.Signer.Hex(),
			"receiver":          o.Receiver.Hex(),
			"extraData":         hexutil.Encode(o.ExtraData),
			"partiallyFillable": o.PartiallyFillable,
			"side":              string(o.Side),
			"signingScheme":     string(o.SigningScheme),
			"nonce":             new(big.Int).SetUint64(o.Nonce).String(),
		},
	}, nil
}

// Encode returns the canonical struct encoding of the order (the
// EIP-712 hashStruct preimage). Injective: no two distinct field sets
// encode identically.
func (c *Codec) Encode(o *Order) ([]byte, error) {
	td, err := c.typedData(o)
	if err != nil {
		return nil, err
	}
	enc, err := td.EncodeData(td.PrimaryType, td.Message, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return enc, nil
}

// Fingerprint computes the order's domain-separated digest:
// keccak256("\x19\x01" || domainSeparator || hashStruct(order)).
// The fingerprint doubles as the order's identity and as the message
// the signer must have signed.
func (c *Codec) Fingerprint(o *Order) (common.Hash, error) {
	td, err := c.typedData(o)
	if err != nil {
		return common.Hash{}, err
	}

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: hash domain: %v", ErrEncoding, err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: hash message: %v", ErrEncoding, err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256Hash(raw), nil
}

// SigningJSON renders the order as an eth_signTypedData_v4 payload for
// wallets.
func (c *Codec) SigningJSON(o *Order) (string, error) {
	td, err := c.typedData(o)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return string(out), nil
}
