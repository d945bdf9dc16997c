package api

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/coveswap/coveswap/pkg/book"
	"github.com/coveswap/coveswap/pkg/crypto"
	"github.com/coveswap/coveswap/pkg/escrow"
	"github.com/coveswap/coveswap/pkg/ledger"
	"github.com/coveswap/coveswap/pkg/order"
)

// ==============================
// Requests
// ==============================

// OrderPayload is the wire form of an order. Every field is required;
// absence is a validation error, never a silently substituted default.
// Pointer fields exist to distinguish "absent" from zero values.
type OrderPayload struct {
	SellAsset         string  `json:"sellAsset"`
	BuyAsset          string  `json:"buyAsset"`
	SellAmount        string  `json:"sellAmount"` // base-10 uint256
	BuyAmount         string  `json:"buyAmount"`
	FeeAmount         string  `json:"feeAmount"`
	ValidTo           *uint64 `json:"validTo"`
	Signer            string  `json:"signer"`
	Receiver          string  `json:"receiver"`
	ExtraData         string  `json:"extraData"` // 0x-prefixed hex, may be "0x"
	PartiallyFillable *bool   `json:"partiallyFillable"`
	Side              string  `json:"side"`
	SigningScheme     string  `json:"signingScheme"`
	Nonce             *uint64 `json:"nonce"`
}

// ToOrder converts the wire payload into a typed Order, checking every
// field for presence and shape before the codec ever sees it.
func (p *OrderPayload) ToOrder() (*order.Order, error) {
	sellAsset, err := crypto.ParseAddress(p.SellAsset)
	if err != nil {
		return nil, fmt.Errorf("%w: sellAsset: %v", order.ErrValidation, err)
	}
	buyAsset, err := crypto.ParseAddress(p.BuyAsset)
	if err != nil {
		return nil, fmt.Errorf("%w: buyAsset: %v", order.ErrValidation, err)
	}
	signer, err := crypto.ParseAddress(p.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: signer: %v", order.ErrValidation, err)
	}
	receiver, err := crypto.ParseAddress(p.Receiver)
	if err != nil {
		return nil, fmt.Errorf("%w: receiver: %v", order.ErrValidation, err)
	}

	sellAmount, err := parseAmount(p.SellAmount, "sellAmount")
	if err != nil {
		return nil, err
	}
	buyAmount, err := parseAmount(p.BuyAmount, "buyAmount")
	if err != nil {
		return nil, err
	}
	feeAmount, err := parseAmount(p.FeeAmount, "feeAmount")
	if err != nil {
		return nil, err
	}

	if p.ValidTo == nil {
		return nil, fmt.Errorf("%w: validTo is required", order.ErrValidation)
	}
	if p.PartiallyFillable == nil {
		return nil, fmt.Errorf("%w: partiallyFillable is required", order.ErrValidation)
	}
	if p.Nonce == nil {
		return nil, fmt.Errorf("%w: nonce is required", order.ErrValidation)
	}

	extraData := []byte{}
	if p.ExtraData != "" {
		extraData, err = hexutil.Decode(p.ExtraData)
		if err != nil {
			return nil, fmt.Errorf("%w: extraData: %v", order.ErrValidation, err)
		}
	}

	o := &order.Order{
		SellAsset:         sellAsset,
		BuyAsset:          buyAsset,
		SellAmount:        sellAmount,
		BuyAmount:         buyAmount,
		FeeAmount:         feeAmount,
		ValidTo:           *p.ValidTo,
		Signer:            signer,
		Receiver:          receiver,
		ExtraData:         extraData,
		PartiallyFillable: *p.PartiallyFillable,
		Side:              order.Side(p.Side),
		SigningScheme:     order.SigningScheme(p.SigningScheme),
		Nonce:             *p.Nonce,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func parseAmount(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s is required", order.ErrValidation, field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s is not a valid amount: %q", order.ErrValidation, field, s)
	}
	return v, nil
}

type SubmitRequest struct {
	Order     *OrderPayload `json:"order"`
	Signature string        `json:"signature"` // 0x-prefixed, 65 bytes
}

type CancelRequest struct {
	OrderID   string `json:"orderId"` // fingerprint
	Requester string `json:"requester"`
}

type CreateEscrowRequest struct {
	Depositor    string `json:"depositor"`
	Counterparty string `json:"counterparty"`
	Arbiter      string `json:"arbiter"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	TradeHash    string `json:"tradeHash"`
}

type DepositRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type ConfirmRequest struct {
	Caller string `json:"caller"`
}

type ReleaseRequest struct {
	To        string `json:"to"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

type RefundRequest struct {
	Caller string `json:"caller"`
}

// WSSubscribeRequest is a client subscription message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

// ==============================
// Responses
// ==============================

type SubmitResponse struct {
	Accepted        bool        `json:"accepted"`
	OrderID         string      `json:"orderId"`
	Status          book.Status `json:"status"`
	Trades          []TradeInfo `json:"trades"`
	RemainingAmount string      `json:"remainingAmount"`
}

type TradeInfo struct {
	ID         uint64 `json:"id"`
	BuyOrder   string `json:"buyOrder"`
	SellOrder  string `json:"sellOrder"`
	Pair       string `json:"pair"`
	Amount     string `json:"amount"`
	PriceNum   string `json:"priceNum"`
	PriceDen   string `json:"priceDen"`
	ExecutedAt int64  `json:"executedAt"` // unix milliseconds
}

func tradeInfo(t ledger.Trade) TradeInfo {
	return TradeInfo{
		ID:         t.ID,
		BuyOrder:   t.BuyOrder.Hex(),
		SellOrder:  t.SellOrder.Hex(),
		Pair:       t.Pair,
		Amount:     t.Amount.String(),
		PriceNum:   t.PriceNum.String(),
		PriceDen:   t.PriceDen.String(),
		ExecutedAt: t.ExecutedAt.UnixMilli(),
	}
}

type OrderInfo struct {
	OrderID         string      `json:"orderId"`
	Signer          string      `json:"signer"`
	Status          book.Status `json:"status"`
	RemainingAmount string      `json:"remainingAmount"`
	AdmittedAt      int64       `json:"admittedAt"`
}

type BookEntry struct {
	OrderID   string `json:"orderId"`
	Signer    string `json:"signer"`
	Remaining string `json:"remaining"`
	PriceNum  string `json:"priceNum"`
	PriceDen  string `json:"priceDen"`
}

type BookLevel struct {
	PriceNum string `json:"priceNum"`
	PriceDen string `json:"priceDen"`
	Quantity string `json:"quantity"`
}

type BookSnapshot struct {
	Pair      string      `json:"pair"`
	Bids      []BookEntry `json:"bids"`
	Asks      []BookEntry `json:"asks"`
	BidLevels []BookLevel `json:"bidLevels"`
	AskLevels []BookLevel `json:"askLevels"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
}

type EscrowInfo struct {
	ID           string       `json:"id"`
	Depositor    string       `json:"depositor"`
	Counterparty string       `json:"counterparty"`
	Arbiter      string       `json:"arbiter"`
	Asset        string       `json:"asset"`
	Amount       string       `json:"amount"`
	TradeHash    string       `json:"tradeHash"`
	State        escrow.State `json:"state"`
	Recipient    string       `json:"recipient,omitempty"`
}

func escrowInfo(inst *escrow.Instance) EscrowInfo {
	info := EscrowInfo{
		ID:           inst.ID.Hex(),
		Depositor:    crypto.Checksum(inst.Depositor),
		Counterparty: crypto.Checksum(inst.Counterparty),
		Arbiter:      crypto.Checksum(inst.Arbiter),
		Asset:        crypto.Checksum(inst.Asset),
		Amount:       inst.Amount.String(),
		TradeHash:    inst.TradeHash.Hex(),
		State:        inst.State,
	}
	if inst.State.Terminal() {
		info.Recipient = crypto.Checksum(inst.Recipient)
	}
	return info
}

// ErrorResponse carries a stable machine code so callers can tell
// "resubmit won't help" from "already handled".
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSMessage wraps every event pushed over the WebSocket stream.
type WSMessage struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
	At      int64       `json:"at"` // unix milliseconds
}

func wsMessage(channel string, data interface{}) WSMessage {
	return WSMessage{Channel: channel, Data: data, At: time.Now().UnixMilli()}
}

// ==============================
// Error taxonomy
// ==============================

// errorCode maps a domain error to HTTP status and stable code. Every
// error in the core taxonomy is caller-recoverable; only unexpected
// failures map to INTERNAL.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, order.ErrValidation), errors.Is(err, order.ErrEncoding), errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, crypto.ErrMalformedSignature):
		return http.StatusBadRequest, "MALFORMED_SIGNATURE"
	case errors.Is(err, order.ErrInvalidSignature), errors.Is(err, escrow.ErrInvalidSignature):
		return http.StatusUnauthorized, "INVALID_SIGNATURE"
	case errors.Is(err, book.ErrOrderExpired):
		return http.StatusBadRequest, "EXPIRED_ORDER"
	case errors.Is(err, book.ErrDuplicateOrder):
		return http.StatusConflict, "DUPLICATE_ORDER"
	case errors.Is(err, book.ErrUnfillable):
		return http.StatusBadRequest, "UNFILLABLE"
	case errors.Is(err, book.ErrUnauthorized), errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED"
	case errors.Is(err, book.ErrOrderNotFound), errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, escrow.ErrWrongState):
		return http.StatusConflict, "WRONG_STATE"
	case errors.Is(err, escrow.ErrAmountMismatch):
		return http.StatusBadRequest, "AMOUNT_MISMATCH"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
