package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coveswap/coveswap/pkg/book"
)

// ErrDuplicateTrade means a trade for the same order pair at the same
// instant was already recorded. A matching run must never emit the same
// execution twice.
var ErrDuplicateTrade = errors.New("duplicate trade")

// Trade is the immutable record of one match. Price is the maker's
// rational quote-per-base price.
type Trade struct {
	ID         uint64      `json:"id"`
	BuyOrder   common.Hash `json:"buyOrder"`
	SellOrder  common.Hash `json:"sellOrder"`
	Pair       string      `json:"pair"`
	Amount     *big.Int    `json:"amount"`
	PriceNum   *big.Int    `json:"priceNum"`
	PriceDen   *big.Int    `json:"priceDen"`
	ExecutedAt time.Time   `json:"executedAt"`
}

// Filter selects ledger entries. Zero values mean "any".
type Filter struct {
	Pair  string
	Order common.Hash
	From  time.Time
	To    time.Time
}

// Ledger is the append-only record of executed trades. Entries are
// never mutated or deleted; queries return copies.
type Ledger struct {
	mu     sync.RWMutex
	seq    uint64
	trades []Trade
	seen   map[string]struct{}
}

func New() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

func executionKey(buy, sell common.Hash, at time.Time) string {
	return fmt.Sprintf("%s|%s|%d", buy.Hex(), sell.Hex(), at.UnixNano())
}

// Record appends a fill as a trade, assigning the next monotonic
// sequence. The (buyOrder, sellOrder, executedAt) triple must be
// unique; repeated matches of the same order pair at later instants are
// legitimate and get fresh sequence numbers.
func (l *Ledger) Record(f book.Fill) (Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := executionKey(f.BuyOrder, f.SellOrder, f.ExecutedAt)
	if _, ok := l.seen[key]; ok {
		return Trade{}, fmt.Errorf("%w: %s/%s at %s",
			ErrDuplicateTrade, f.BuyOrder.Hex(), f.SellOrder.Hex(), f.ExecutedAt)
	}

	l.seq++
	t := Trade{
		ID:         l.seq,
		BuyOrder:   f.BuyOrder,
		SellOrder:  f.SellOrder,
		Pair:       f.Pair.String(),
		Amount:     new(big.Int).Set(f.Amount),
		PriceNum:   new(big.Int).Set(f.PriceNum),
		PriceDen:   new(big.Int).Set(f.PriceDen),
		ExecutedAt: f.ExecutedAt,
	}
	l.trades = append(l.trades, t)
	l.seen[key] = struct{}{}
	return t, nil
}

// Restore re-appends a persisted trade, keeping its original sequence.
func (l *Ledger) Restore(t Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := executionKey(t.BuyOrder, t.SellOrder, t.ExecutedAt)
	if _, ok := l.seen[key]; ok {
		return
	}
	l.trades = append(l.trades, t)
	l.seen[key] = struct{}{}
	if t.ID > l.seq {
		l.seq = t.ID
	}
}

// Query returns the trades matching the filter, oldest first. Read-only
// projection, no side effects.
func (l *Ledger) Query(f Filter) []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Trade
	for _, t := range l.trades {
		if f.Pair != "" && t.Pair != f.Pair {
			continue
		}
		if f.Order != (common.Hash{}) && t.BuyOrder != f.Order && t.SellOrder != f.Order {
			continue
		}
		if !f.From.IsZero() && t.ExecutedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && t.ExecutedAt.After(f.To) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Len returns the number of recorded trades.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}
