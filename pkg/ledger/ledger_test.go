package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/coveswap/coveswap/pkg/book"
	"github.com/coveswap/coveswap/pkg/order"
)

var (
	testPair = order.Pair{
		Base:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Quote: common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	testStart = time.Unix(1_700_000_000, 0)
)

func fp(n int) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(fmt.Sprintf("order-%d", n)))
}

func fill(buy, sell int, amount int64, at time.Time) book.Fill {
	return book.Fill{
		BuyOrder:   fp(buy),
		SellOrder:  fp(sell),
		Pair:       testPair,
		Amount:     big.NewInt(amount),
		PriceNum:   big.NewInt(200),
		PriceDen:   big.NewInt(100),
		ExecutedAt: at,
	}
}

func TestRecordAssignsMonotonicSequence(t *testing.T) {
	l := New()

	t1, err := l.Record(fill(1, 2, 60, testStart))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	t2, err := l.Record(fill(3, 2, 40, testStart.Add(time.Second)))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if t1.ID != 1 || t2.ID != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", t1.ID, t2.ID)
	}
	if l.Len() != 2 {
		t.Errorf("len = %d, want 2", l.Len())
	}
}

func TestRecordRejectsDuplicateExecution(t *testing.T) {
	l := New()

	f := fill(1, 2, 60, testStart)
	if _, err := l.Record(f); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := l.Record(f); !errors.Is(err, ErrDuplicateTrade) {
		t.Fatalf("err = %v, want ErrDuplicateTrade", err)
	}

	// The same order pair matching again at a later instant is legitimate
	if _, err := l.Record(fill(1, 2, 10, testStart.Add(time.Second))); err != nil {
		t.Fatalf("later rematch rejected: %v", err)
	}
	if l.Len() != 2 {
		t.Errorf("len = %d, want 2", l.Len())
	}
}

func TestQueryFilters(t *testing.T) {
	l := New()

	l.Record(fill(1, 2, 60, testStart))
	l.Record(fill(3, 2, 40, testStart.Add(time.Minute)))
	l.Record(fill(1, 4, 20, testStart.Add(2*time.Minute)))

	// No filter: everything, oldest first
	all := l.Query(Filter{})
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Errorf("query not oldest-first at %d", i)
		}
	}

	// By order: matches on either side
	byOrder := l.Query(Filter{Order: fp(2)})
	if len(byOrder) != 2 {
		t.Errorf("order filter len = %d, want 2", len(byOrder))
	}

	// By time window
	windowed := l.Query(Filter{
		From: testStart.Add(30 * time.Second),
		To:   testStart.Add(90 * time.Second),
	})
	if len(windowed) != 1 || windowed[0].Amount.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("window filter = %v, want single 40-unit trade", windowed)
	}

	// By pair
	byPair := l.Query(Filter{Pair: testPair.String()})
	if len(byPair) != 3 {
		t.Errorf("pair filter len = %d, want 3", len(byPair))
	}
	if none := l.Query(Filter{Pair: "nope"}); len(none) != 0 {
		t.Errorf("unknown pair returned %d trades", len(none))
	}
}

func TestRestoreKeepsSequence(t *testing.T) {
	l := New()

	l.Restore(Trade{
		ID:         9,
		BuyOrder:   fp(1),
		SellOrder:  fp(2),
		Pair:       testPair.String(),
		Amount:     big.NewInt(60),
		PriceNum:   big.NewInt(200),
		PriceDen:   big.NewInt(100),
		ExecutedAt: testStart,
	})

	// Restoring the same execution twice is a no-op
	l.Restore(Trade{
		ID:         9,
		BuyOrder:   fp(1),
		SellOrder:  fp(2),
		ExecutedAt: testStart,
	})
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}

	// New trades continue after the restored sequence
	next, err := l.Record(fill(3, 4, 10, testStart.Add(time.Second)))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if next.ID != 10 {
		t.Errorf("id = %d, want 10", next.ID)
	}
}
