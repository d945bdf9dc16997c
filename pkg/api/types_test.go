package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/coveswap/coveswap/pkg/book"
	"github.com/coveswap/coveswap/pkg/crypto"
	"github.com/coveswap/coveswap/pkg/escrow"
	"github.com/coveswap/coveswap/pkg/order"
)

func validPayload() *OrderPayload {
	validTo := uint64(1900000000)
	pf := true
	nonce := uint64(1)
	return &OrderPayload{
		SellAsset:         "0x1111111111111111111111111111111111111111",
		BuyAsset:          "0x2222222222222222222222222222222222222222",
		SellAmount:        "100",
		BuyAmount:         "200",
		FeeAmount:         "0",
		ValidTo:           &validTo,
		Signer:            "0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa",
		Receiver:          "0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa",
		ExtraData:         "0x",
		PartiallyFillable: &pf,
		Side:              "sell",
		SigningScheme:     "eip712",
		Nonce:             &nonce,
	}
}

func TestToOrder(t *testing.T) {
	o, err := validPayload().ToOrder()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if o.Side != order.SideSell {
		t.Errorf("side = %s, want sell", o.Side)
	}
	if o.SellAmount.String() != "100" {
		t.Errorf("sellAmount = %s, want 100", o.SellAmount)
	}
	if !o.PartiallyFillable {
		t.Error("partiallyFillable lost in conversion")
	}
}

func TestToOrderRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *OrderPayload)
	}{
		{"bad sellAsset", func(p *OrderPayload) { p.SellAsset = "zzz" }},
		{"empty sellAmount", func(p *OrderPayload) { p.SellAmount = "" }},
		{"non-numeric amount", func(p *OrderPayload) { p.BuyAmount = "12.5" }},
		{"negative amount", func(p *OrderPayload) { p.FeeAmount = "-1" }},
		{"missing validTo", func(p *OrderPayload) { p.ValidTo = nil }},
		{"missing partiallyFillable", func(p *OrderPayload) { p.PartiallyFillable = nil }},
		{"missing nonce", func(p *OrderPayload) { p.Nonce = nil }},
		{"bad extraData", func(p *OrderPayload) { p.ExtraData = "not-hex" }},
		{"unknown side", func(p *OrderPayload) { p.Side = "hold" }},
		{"unknown scheme", func(p *OrderPayload) { p.SigningScheme = "presign" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPayload()
			tc.mutate(p)
			if _, err := p.ToOrder(); !errors.Is(err, order.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{order.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
		{order.ErrEncoding, http.StatusBadRequest, "VALIDATION_ERROR"},
		{escrow.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
		{crypto.ErrMalformedSignature, http.StatusBadRequest, "MALFORMED_SIGNATURE"},
		{order.ErrInvalidSignature, http.StatusUnauthorized, "INVALID_SIGNATURE"},
		{escrow.ErrInvalidSignature, http.StatusUnauthorized, "INVALID_SIGNATURE"},
		{book.ErrOrderExpired, http.StatusBadRequest, "EXPIRED_ORDER"},
		{book.ErrDuplicateOrder, http.StatusConflict, "DUPLICATE_ORDER"},
		{book.ErrUnfillable, http.StatusBadRequest, "UNFILLABLE"},
		{book.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
		{escrow.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
		{book.ErrOrderNotFound, http.StatusNotFound, "NOT_FOUND"},
		{escrow.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{escrow.ErrWrongState, http.StatusConflict, "WRONG_STATE"},
		{escrow.ErrAmountMismatch, http.StatusBadRequest, "AMOUNT_MISMATCH"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			// Wrapped errors must map the same as bare sentinels
			status, code := errorCode(fmt.Errorf("context: %w", tc.err))
			if status != tc.status || code != tc.code {
				t.Errorf("errorCode(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
			}
		})
	}
}
