package order

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coveswap/coveswap/params"
)

func testSigning() params.Signing {
	return params.Signing{
		Name:              "CoveSwap",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	codec := NewCodec(testSigning())
	o := validOrder()

	fp1, err := codec.Fingerprint(o)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := codec.Fingerprint(o)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("same order produced different fingerprints: %s vs %s", fp1.Hex(), fp2.Hex())
	}
	if fp1 == (common.Hash{}) {
		t.Error("fingerprint is zero")
	}
}

func TestFingerprintChangesWithEveryField(t *testing.T) {
	codec := NewCodec(testSigning())
	base, err := codec.Fingerprint(validOrder())
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(o *Order)
	}{
		{"sellAsset", func(o *Order) { o.SellAsset = common.HexToAddress("0x3333333333333333333333333333333333333333") }},
		{"buyAsset", func(o *Order) { o.BuyAsset = common.HexToAddress("0x3333333333333333333333333333333333333333") }},
		{"sellAmount", func(o *Order) { o.SellAmount = big.NewInt(101) }},
		{"buyAmount", func(o *Order) { o.BuyAmount = big.NewInt(201) }},
		{"feeAmount", func(o *Order) { o.FeeAmount = big.NewInt(1) }},
		{"validTo", func(o *Order) { o.ValidTo++ }},
		{"signer", func(o *Order) { o.Signer = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb") }},
		{"receiver", func(o *Order) { o.Receiver = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb") }},
		{"extraData", func(o *Order) { o.ExtraData = []byte{0x01} }},
		{"partiallyFillable", func(o *Order) { o.PartiallyFillable = false }},
		{"side", func(o *Order) {
			o.Side = SideBuy
			o.SellAsset, o.BuyAsset = o.BuyAsset, o.SellAsset
		}},
		{"signingScheme", func(o *Order) { o.SigningScheme = SchemeEthSign }},
		{"nonce", func(o *Order) { o.Nonce++ }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := validOrder()
			tc.mutate(o)
			fp, err := codec.Fingerprint(o)
			if err != nil {
				t.Fatalf("fingerprint: %v", err)
			}
			if fp == base {
				t.Errorf("mutating %s did not change the fingerprint", tc.name)
			}
		})
	}
}

func TestFingerprintBoundToDomain(t *testing.T) {
	o := validOrder()

	mainnet := testSigning()
	mainnet.ChainID = big.NewInt(1)
	fpA, err := NewCodec(testSigning()).Fingerprint(o)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fpB, err := NewCodec(mainnet).Fingerprint(o)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fpA == fpB {
		t.Error("fingerprints match across chain ids; replay across deployments is possible")
	}

	renamed := testSigning()
	renamed.Name = "SomeoneElse"
	fpC, err := NewCodec(renamed).Fingerprint(o)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fpA == fpC {
		t.Error("fingerprints match across domain names")
	}
}

func TestEncodeInjective(t *testing.T) {
	codec := NewCodec(testSigning())

	a := validOrder()
	b := validOrder()
	b.Nonce = a.Nonce + 1

	encA, err := codec.Encode(a)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	encB, err := codec.Encode(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Equal(encA, encB) {
		t.Error("distinct orders encoded identically")
	}
}

func TestEncodeRejectsInvalidOrder(t *testing.T) {
	codec := NewCodec(testSigning())
	o := validOrder()
	o.SellAmount = nil

	if _, err := codec.Encode(o); !errors.Is(err, ErrEncoding) {
		t.Errorf("err = %v, want ErrEncoding", err)
	}
	if _, err := codec.Fingerprint(o); !errors.Is(err, ErrEncoding) {
		t.Errorf("err = %v, want ErrEncoding", err)
	}
}

func TestSigningJSONContainsDomain(t *testing.T) {
	codec := NewCodec(testSigning())
	out, err := codec.SigningJSON(validOrder())
	if err != nil {
		t.Fatalf("signing json: %v", err)
	}
	for _, want := range []string{"CoveSwap", "EIP712Domain", "Order", "sellAsset"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("payload missing %q", want)
		}
	}
}
