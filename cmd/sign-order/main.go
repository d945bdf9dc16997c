package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/coveswap/coveswap/params"
	"github.com/coveswap/coveswap/pkg/crypto"
	"github.com/coveswap/coveswap/pkg/order"
)

// Signs a sample order and prints the submission JSON. Set PRIVATE_KEY
// to sign with an existing key, otherwise a fresh one is generated.
func main() {
	cfg := params.LoadFromEnv("")

	var (
		signer *crypto.Signer
		err    error
	)
	if hexKey := os.Getenv("PRIVATE_KEY"); hexKey != "" {
		signer, err = crypto.FromPrivateKeyHex(hexKey)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", crypto.Checksum(signer.Address()))
	if os.Getenv("PRIVATE_KEY") == "" {
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	fmt.Println()

	o := &order.Order{
		SellAsset:         mustAddr("SELL_ASSET", "0x1111111111111111111111111111111111111111"),
		BuyAsset:          mustAddr("BUY_ASSET", "0x2222222222222222222222222222222222222222"),
		SellAmount:        mustAmount("SELL_AMOUNT", "100"),
		BuyAmount:         mustAmount("BUY_AMOUNT", "200"),
		FeeAmount:         big.NewInt(0),
		ValidTo:           uint64(time.Now().Add(time.Hour).Unix()),
		Signer:            signer.Address(),
		Receiver:          signer.Address(),
		ExtraData:         []byte{},
		PartiallyFillable: true,
		Side:              order.SideSell,
		SigningScheme:     order.SchemeEIP712,
		Nonce:             1,
	}

	codec := order.NewCodec(cfg.Signing)
	fp, err := codec.Fingerprint(o)
	if err != nil {
		fmt.Printf("Error hashing order: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Fingerprint: %s\n", fp.Hex())

	signature, err := signer.Sign(fp.Bytes())
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Signature: %s\n\n", hexutil.Encode(signature))

	// Wallet payload for eth_signTypedData_v4
	walletJSON, err := codec.SigningJSON(o)
	if err != nil {
		fmt.Printf("Error building wallet payload: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Typed data (eth_signTypedData_v4):")
	fmt.Println(walletJSON)
	fmt.Println()

	submission := map[string]interface{}{
		"order": map[string]interface{}{
			"sellAsset":         o.SellAsset.Hex(),
			"buyAsset":          o.BuyAsset.Hex(),
			"sellAmount":        o.SellAmount.String(),
			"buyAmount":         o.BuyAmount.String(),
			"feeAmount":         o.FeeAmount.String(),
			"validTo":           o.ValidTo,
			"signer":            o.Signer.Hex(),
			"receiver":          o.Receiver.Hex(),
			"extraData":         "0x",
			"partiallyFillable": o.PartiallyFillable,
			"side":              string(o.Side),
			"signingScheme":     string(o.SigningScheme),
			"nonce":             o.Nonce,
		},
		"signature": hexutil.Encode(signature),
	}
	body, err := json.MarshalIndent(submission, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("POST /api/v1/orders body:")
	fmt.Println(string(body))

	// Sanity check: the signature must recover to our own address
	verifier := order.NewVerifier(codec)
	ok, err := verifier.Verify(o, signature, signer.Address())
	if err != nil || !ok {
		fmt.Printf("Signature verification failed: ok=%v err=%v\n", ok, err)
		os.Exit(1)
	}
	fmt.Println("\nSignature verified.")
}

func mustAddr(env, fallback string) common.Address {
	v := os.Getenv(env)
	if v == "" {
		v = fallback
	}
	addr, err := crypto.ParseAddress(v)
	if err != nil {
		fmt.Printf("Invalid %s: %v\n", env, err)
		os.Exit(1)
	}
	return addr
}

func mustAmount(env, fallback string) *big.Int {
	v := os.Getenv(env)
	if v == "" {
		v = fallback
	}
	amount, ok := new(big.Int).SetString(v, 10)
	if !ok {
		fmt.Printf("Invalid %s: %q\n", env, v)
		os.Exit(1)
	}
	return amount
}
