package book

import (
	"math/big"
	"time"
)

// Entry is a read-only view of one resident order as exposed in
// snapshots.
type Entry struct {
	Fingerprint string
	Signer      string
	Remaining   *big.Int
	PriceNum    *big.Int
	PriceDen    *big.Int
	Status      Status
	AdmittedAt  time.Time
}

// Level aggregates remaining quantity across all resident orders at one
// price.
type Level struct {
	PriceNum *big.Int
	PriceDen *big.Int
	Quantity *big.Int
}

// Snapshot is a point-in-time view of one pair's book. Bids and Asks
// are in price-time priority order (best first).
type Snapshot struct {
	Pair      string
	Bids      []Entry
	Asks      []Entry
	BidLevels []Level
	AskLevels []Level
	TakenAt   time.Time
}

// Snapshot returns the current resident orders in priority order,
// sweeping expired orders first.
func (b *Book) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.sweepExpired(now)

	return Snapshot{
		Pair:      b.pair.String(),
		Bids:      entries(b.bids),
		Asks:      entries(b.asks),
		BidLevels: levels(b.bids),
		AskLevels: levels(b.asks),
		TakenAt:   now,
	}
}

func entries(side []*Resident) []Entry {
	out := make([]Entry, 0, len(side))
	for _, r := range side {
		num, den := r.Order.LimitPrice()
		out = append(out, Entry{
			Fingerprint: r.Fingerprint.Hex(),
			Signer:      r.Order.Signer.Hex(),
			Remaining:   new(big.Int).Set(r.Remaining),
			PriceNum:    num,
			PriceDen:    den,
			Status:      r.Status,
			AdmittedAt:  r.AdmittedAt,
		})
	}
	return out
}

// levels walks a side in priority order and folds adjacent residents
// with equal price into one level.
func levels(side []*Resident) []Level {
	var out []Level
	for _, r := range side {
		num, den := r.Order.LimitPrice()
		if n := len(out); n > 0 && samePrice(out[n-1].PriceNum, out[n-1].PriceDen, num, den) {
			out[n-1].Quantity.Add(out[n-1].Quantity, r.Remaining)
			continue
		}
		out = append(out, Level{
			PriceNum: num,
			PriceDen: den,
			Quantity: new(big.Int).Set(r.Remaining),
		})
	}
	return out
}

func samePrice(aNum, aDen, bNum, bDen *big.Int) bool {
	left := new(big.Int).Mul(aNum, bDen)
	right := new(big.Int).Mul(bNum, aDen)
	return left.Cmp(right) == 0
}
