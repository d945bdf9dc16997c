package order

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrValidation marks a malformed order. Validation rejects, it never
// substitutes defaults: a field the client did not set is a hard error.
var ErrValidation = errors.New("invalid order")

type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

type SigningScheme string

const (
	// SchemeEIP712 signs the typed-data digest directly.
	SchemeEIP712 SigningScheme = "eip712"
	// SchemeEthSign signs the digest wrapped in the
	// "\x19Ethereum Signed Message" envelope (eth_sign wallets).
	SchemeEthSign SigningScheme = "ethsign"
)

// Order is a signed intent to exchange a fixed amount of SellAsset for
// at least BuyAmount of BuyAsset. Immutable after submission; partial
// fills are tracked on the book-side resident state, never here, so the
// original fingerprint and signature stay valid evidence of intent.
type Order struct {
	SellAsset         common.Address
	BuyAsset          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	FeeAmount         *big.Int
	ValidTo           uint64 // unix seconds
	Signer            common.Address
	Receiver          common.Address
	ExtraData         []byte // hashed, never interpreted
	PartiallyFillable bool
	Side              Side
	SigningScheme     SigningScheme
	Nonce             uint64
}

// Validate checks every field for presence and declared range.
func (o *Order) Validate() error {
	if o.SellAsset == (common.Address{}) {
		return fmt.Errorf("%w: sellAsset is required", ErrValidation)
	}
	if o.BuyAsset == (common.Address{}) {
		return fmt.Errorf("%w: buyAsset is required", ErrValidation)
	}
	if o.SellAsset == o.BuyAsset {
		return fmt.Errorf("%w: sellAsset equals buyAsset", ErrValidation)
	}
	if o.SellAmount == nil || o.SellAmount.Sign() <= 0 {
		return fmt.Errorf("%w: sellAmount must be positive", ErrValidation)
	}
	if o.BuyAmount == nil || o.BuyAmount.Sign() <= 0 {
		return fmt.Errorf("%w: buyAmount must be positive", ErrValidation)
	}
	if o.FeeAmount == nil || o.FeeAmount.Sign() < 0 {
		return fmt.Errorf("%w: feeAmount must be zero or positive", ErrValidation)
	}
	if o.ValidTo == 0 {
		return fmt.Errorf("%w: validTo is required", ErrValidation)
	}
	if o.Signer == (common.Address{}) {
		return fmt.Errorf("%w: signer is required", ErrValidation)
	}
	if o.Receiver == (common.Address{}) {
		return fmt.Errorf("%w: receiver is required", ErrValidation)
	}
	switch o.Side {
	case SideSell, SideBuy:
	default:
		return fmt.Errorf("%w: side must be %q or %q", ErrValidation, SideSell, SideBuy)
	}
	switch o.SigningScheme {
	case SchemeEIP712, SchemeEthSign:
	default:
		return fmt.Errorf("%w: unknown signing scheme %q", ErrValidation, o.SigningScheme)
	}
	return nil
}

// Pair returns the canonical trading pair for this order: the base
// asset is always the one the sell side hands over, so an order and its
// mirror land in the same book.
//
// sell: base = SellAsset, quote = BuyAsset
// buy:  base = BuyAsset, quote = SellAsset
func (o *Order) Pair() Pair {
	if o.Side == SideSell {
		return Pair{Base: o.SellAsset, Quote: o.BuyAsset}
	}
	return Pair{Base: o.BuyAsset, Quote: o.SellAsset}
}

// Quantity is the order's size in base units of its pair.
func (o *Order) Quantity() *big.Int {
	if o.Side == SideSell {
		return new(big.Int).Set(o.SellAmount)
	}
	return new(big.Int).Set(o.BuyAmount)
}

// LimitPrice is the order's limit as a rational quote-per-base price.
// For a sell order it is the minimum acceptable, for a buy order the
// maximum it will pay. Comparisons must cross-multiply, never divide.
func (o *Order) LimitPrice() (num, den *big.Int) {
	if o.Side == SideSell {
		return new(big.Int).Set(o.BuyAmount), new(big.Int).Set(o.SellAmount)
	}
	return new(big.Int).Set(o.SellAmount), new(big.Int).Set(o.BuyAmount)
}

// Pair identifies one order book.
type Pair struct {
	Base  common.Address
	Quote common.Address
}

func (p Pair) String() string {
	return p.Base.Hex() + "/" + p.Quote.Hex()
}
