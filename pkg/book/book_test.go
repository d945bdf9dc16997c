package book

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/coveswap/coveswap/pkg/order"
	"github.com/coveswap/coveswap/pkg/util"
)

var (
	base  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	quote = common.HexToAddress("0x2222222222222222222222222222222222222222")
	alice = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

var testStart = time.Unix(1_700_000_000, 0)

func newTestBook() (*Book, *util.FakeClock) {
	clock := util.NewFakeClock(testStart)
	pair := order.Pair{Base: base, Quote: quote}
	return New(pair, clock), clock
}

// sellOrder sells qty base units at a limit of price quote per base.
func sellOrder(signer common.Address, qty, price int64, nonce uint64) *order.Order {
	return &order.Order{
		SellAsset:         base,
		BuyAsset:          quote,
		SellAmount:        big.NewInt(qty),
		BuyAmount:         big.NewInt(qty * price),
		FeeAmount:         big.NewInt(0),
		ValidTo:           uint64(testStart.Add(time.Hour).Unix()),
		Signer:            signer,
		Receiver:          signer,
		PartiallyFillable: true,
		Side:              order.SideSell,
		SigningScheme:     order.SchemeEIP712,
		Nonce:             nonce,
	}
}

// buyOrder buys qty base units at a limit of price quote per base.
func buyOrder(signer common.Address, qty, price int64, nonce uint64) *order.Order {
	return &order.Order{
		SellAsset:         quote,
		BuyAsset:          base,
		SellAmount:        big.NewInt(qty * price),
		BuyAmount:         big.NewInt(qty),
		FeeAmount:         big.NewInt(0),
		ValidTo:           uint64(testStart.Add(time.Hour).Unix()),
		Signer:            signer,
		Receiver:          signer,
		PartiallyFillable: true,
		Side:              order.SideBuy,
		SigningScheme:     order.SchemeEIP712,
		Nonce:             nonce,
	}
}

// fp derives a unique synthetic fingerprint; admission does not verify
// signatures, that happens a layer up.
func fp(n int) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(fmt.Sprintf("order-%d", n)))
}

func TestPartialFill(t *testing.T) {
	b, _ := newTestBook()

	// Resting sell: 100 base at limit 2
	_, maker, err := b.Submit(sellOrder(alice, 100, 2, 1), fp(1))
	if err != nil {
		t.Fatalf("submit maker: %v", err)
	}
	if maker.Status != StatusOpen {
		t.Errorf("maker status = %s, want OPEN", maker.Status)
	}

	// Incoming buy: 60 base at limit 2
	fills, taker, err := b.Submit(buyOrder(bob, 60, 2, 1), fp(2))
	if err != nil {
		t.Fatalf("submit taker: %v", err)
	}

	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	f := fills[0]
	if f.Amount.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("fill amount = %s, want 60", f.Amount)
	}
	if f.BuyOrder != fp(2) || f.SellOrder != fp(1) {
		t.Errorf("fill attribution wrong: buy=%s sell=%s", f.BuyOrder.Hex(), f.SellOrder.Hex())
	}
	// Executed at the maker's limit price
	if f.PriceNum.Cmp(big.NewInt(200)) != 0 || f.PriceDen.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("fill price = %s/%s, want 200/100", f.PriceNum, f.PriceDen)
	}

	if taker.Status != StatusFilled {
		t.Errorf("taker status = %s, want FILLED", taker.Status)
	}
	if taker.Remaining.Sign() != 0 {
		t.Errorf("taker remaining = %s, want 0", taker.Remaining)
	}

	if maker.Status != StatusPartiallyFilled {
		t.Errorf("maker status = %s, want PARTIALLY_FILLED", maker.Status)
	}
	if maker.Remaining.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("maker remaining = %s, want 40", maker.Remaining)
	}
}

func TestPriceTimePriority(t *testing.T) {
	b, _ := newTestBook()

	// Two asks at 10, admitted in order, then one at 12
	if _, _, err := b.Submit(sellOrder(alice, 50, 10, 1), fp(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := b.Submit(sellOrder(bob, 50, 10, 1), fp(2)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := b.Submit(sellOrder(alice, 50, 12, 2), fp(3)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Buy 120 at limit 12: consumes the 10s first (oldest first), then 12
	fills, taker, err := b.Submit(buyOrder(bob, 120, 12, 2), fp(4))
	if err != nil {
		t.Fatalf("submit taker: %v", err)
	}
	if len(fills) != 3 {
		t.Fatalf("fills = %d, want 3", len(fills))
	}

	wantMakers := []common.Hash{fp(1), fp(2), fp(3)}
	wantAmounts := []int64{50, 50, 20}
	wantPriceNum := []int64{500, 500, 600}
	for i, f := range fills {
		if f.SellOrder != wantMakers[i] {
			t.Errorf("fill %d maker = %s, want %s", i, f.SellOrder.Hex(), wantMakers[i].Hex())
		}
		if f.Amount.Cmp(big.NewInt(wantAmounts[i])) != 0 {
			t.Errorf("fill %d amount = %s, want %d", i, f.Amount, wantAmounts[i])
		}
		if f.PriceNum.Cmp(big.NewInt(wantPriceNum[i])) != 0 {
			t.Errorf("fill %d priceNum = %s, want %d", i, f.PriceNum, wantPriceNum[i])
		}
	}

	if taker.Status != StatusFilled {
		t.Errorf("taker status = %s, want FILLED", taker.Status)
	}

	// The 12 ask kept its remainder on the book
	r, ok := b.Get(fp(3))
	if !ok {
		t.Fatal("maker 3 not found")
	}
	if r.Remaining.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("maker 3 remaining = %s, want 30", r.Remaining)
	}
}

func TestLimitPriceRespected(t *testing.T) {
	b, _ := newTestBook()

	// Ask at 10; a bid limited to 9 must not trade
	if _, _, err := b.Submit(sellOrder(alice, 50, 10, 1), fp(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	fills, taker, err := b.Submit(buyOrder(bob, 50, 9, 1), fp(2))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("fills = %d, want 0", len(fills))
	}
	if taker.Status != StatusOpen {
		t.Errorf("taker status = %s, want OPEN", taker.Status)
	}
}

func TestAllOrNothingRejected(t *testing.T) {
	b, _ := newTestBook()

	// Only 60 available at 2
	if _, _, err := b.Submit(sellOrder(alice, 60, 2, 1), fp(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	fok := buyOrder(bob, 100, 2, 1)
	fok.PartiallyFillable = false
	_, _, err := b.Submit(fok, fp(2))
	if err != ErrUnfillable {
		t.Fatalf("err = %v, want ErrUnfillable", err)
	}

	// Nothing executed: the resting ask is untouched
	r, ok := b.Get(fp(1))
	if !ok {
		t.Fatal("maker not found")
	}
	if r.Remaining.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("maker remaining = %s, want 60", r.Remaining)
	}
	if _, ok := b.Get(fp(2)); ok {
		t.Error("rejected order should not be resident")
	}
}

func TestAllOrNothingFillsWhenCovered(t *testing.T) {
	b, _ := newTestBook()

	if _, _, err := b.Submit(sellOrder(alice, 60, 2, 1), fp(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := b.Submit(sellOrder(alice, 60, 2, 2), fp(2)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	fok := buyOrder(bob, 100, 2, 1)
	fok.PartiallyFillable = false
	fills, taker, err := b.Submit(fok, fp(3))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if taker.Status != StatusFilled {
		t.Errorf("taker status = %s, want FILLED", taker.Status)
	}

	total := new(big.Int)
	for _, f := range fills {
		total.Add(total, f.Amount)
	}
	if total.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("total filled = %s, want 100", total)
	}
}

func TestDuplicateFingerprint(t *testing.T) {
	b, _ := newTestBook()

	o := sellOrder(alice, 100, 2, 1)
	if _, _, err := b.Submit(o, fp(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := b.Submit(o, fp(1)); err != ErrDuplicateOrder {
		t.Fatalf("err = %v, want ErrDuplicateOrder", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	b, clock := newTestBook()

	short := sellOrder(alice, 100, 2, 1)
	short.ValidTo = uint64(testStart.Add(time.Minute).Unix())
	if _, _, err := b.Submit(short, fp(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	clock.Advance(2 * time.Minute)

	// A crossing buy arrives after expiry: no fill, the stale ask is gone
	fills, taker, err := b.Submit(buyOrder(bob, 50, 2, 1), fp(2))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("fills = %d, want 0 (maker expired)", len(fills))
	}
	if taker.Status != StatusOpen {
		t.Errorf("taker status = %s, want OPEN", taker.Status)
	}

	r, ok := b.Get(fp(1))
	if !ok {
		t.Fatal("expired order should stay queryable")
	}
	if r.Status != StatusExpired {
		t.Errorf("status = %s, want EXPIRED", r.Status)
	}
}

func TestSubmitExpiredOrder(t *testing.T) {
	b, clock := newTestBook()
	clock.Advance(2 * time.Hour)

	_, _, err := b.Submit(sellOrder(alice, 100, 2, 1), fp(1))
	if err != ErrOrderExpired {
		t.Fatalf("err = %v, want ErrOrderExpired", err)
	}
}

func TestCancel(t *testing.T) {
	b, _ := newTestBook()

	if _, _, err := b.Submit(sellOrder(alice, 100, 2, 1), fp(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Only the signer may cancel
	if _, err := b.Cancel(fp(1), bob); err != ErrUnauthorized {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}

	r, err := b.Cancel(fp(1), alice)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", r.Status)
	}

	// Second cancel is a harmless no-op
	r2, err := b.Cancel(fp(1), alice)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if r2.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", r2.Status)
	}

	// Cancelled liquidity is off the book
	fills, _, err := b.Submit(buyOrder(bob, 50, 2, 1), fp(2))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("fills = %d, want 0 against a cancelled order", len(fills))
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	b, _ := newTestBook()
	if _, err := b.Cancel(fp(42), alice); err != ErrOrderNotFound {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestValueConservation(t *testing.T) {
	b, _ := newTestBook()

	if _, m1, err := b.Submit(sellOrder(alice, 70, 2, 1), fp(1)); err != nil || m1 == nil {
		t.Fatalf("submit: %v", err)
	}
	if _, m2, err := b.Submit(sellOrder(alice, 50, 3, 2), fp(2)); err != nil || m2 == nil {
		t.Fatalf("submit: %v", err)
	}

	fills, taker, err := b.Submit(buyOrder(bob, 100, 3, 1), fp(3))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// filled + remaining always equals the original quantity
	filled := new(big.Int)
	for _, f := range fills {
		filled.Add(filled, f.Amount)
	}
	total := new(big.Int).Add(filled, taker.Remaining)
	if total.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("filled %s + remaining %s != 100", filled, taker.Remaining)
	}

	for _, id := range []common.Hash{fp(1), fp(2)} {
		r, _ := b.Get(id)
		got := new(big.Int).Set(r.Remaining)
		for _, f := range fills {
			if f.SellOrder == id {
				got.Add(got, f.Amount)
			}
		}
		if got.Cmp(r.Order.Quantity()) != 0 {
			t.Errorf("maker %s: filled+remaining = %s, want %s", id.Hex(), got, r.Order.Quantity())
		}
	}
}

func TestRestore(t *testing.T) {
	b, _ := newTestBook()

	r := &Resident{
		Order:       sellOrder(alice, 100, 2, 1),
		Fingerprint: fp(1),
		Remaining:   big.NewInt(40),
		Status:      StatusPartiallyFilled,
		AdmittedAt:  testStart,
		Seq:         7,
	}
	b.Restore(r)

	got, ok := b.Get(fp(1))
	if !ok {
		t.Fatal("restored order not found")
	}
	if got.Remaining.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("remaining = %s, want 40", got.Remaining)
	}

	// Restored liquidity matches again
	fills, _, err := b.Submit(buyOrder(bob, 40, 2, 1), fp(2))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 1 || fills[0].Amount.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("expected one 40-unit fill against restored order, got %v", fills)
	}

	// New admissions must not reuse restored sequence numbers
	taker, _ := b.Get(fp(2))
	if taker.Seq <= 7 {
		t.Errorf("new seq = %d, want > 7", taker.Seq)
	}
}
