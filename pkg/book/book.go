package book

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coveswap/coveswap/pkg/order"
	"github.com/coveswap/coveswap/pkg/util"
)

var (
	// ErrDuplicateOrder means an order with the same fingerprint is
	// already resident. Callers treat a resubmission as idempotent.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderExpired means validTo has already passed.
	ErrOrderExpired = errors.New("order expired")
	// ErrUnfillable means a non-partially-fillable order could not be
	// fully matched and was rejected whole.
	ErrUnfillable = errors.New("order not fully fillable")
	// ErrOrderNotFound means no resident order has that fingerprint.
	ErrOrderNotFound = errors.New("order not found")
	// ErrUnauthorized means the requester is not the order's signer.
	ErrUnauthorized = errors.New("requester is not the order signer")
)

type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
)

// Terminal reports whether no further mutation of a resident order is
// permitted.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// Resident is an admitted order plus the mutable server-side state the
// book owns. The embedded order is never mutated; fills only decrement
// Remaining.
type Resident struct {
	Order       *order.Order
	Fingerprint common.Hash
	Remaining   *big.Int // base units of the pair
	Status      Status
	AdmittedAt  time.Time
	Seq         uint64 // admission sequence, breaks price ties
}

// Fill records one match. Price is the maker's rational limit price in
// quote units per base unit; Amount is in base units.
type Fill struct {
	BuyOrder   common.Hash
	SellOrder  common.Hash
	Pair       order.Pair
	Amount     *big.Int
	PriceNum   *big.Int
	PriceDen   *big.Int
	ExecutedAt time.Time
}

// Book is the resident-order collection for one trading pair. All
// mutation happens under its mutex; the matching path never blocks on
// anything external.
type Book struct {
	mu    sync.RWMutex
	pair  order.Pair
	clock util.Clock
	seq   uint64

	bids []*Resident // buy side, best (highest price) first
	asks []*Resident // sell side, best (lowest price) first

	residents map[common.Hash]*Resident // every order ever admitted
}

func New(pair order.Pair, clock util.Clock) *Book {
	return &Book{
		pair:      pair,
		clock:     clock,
		residents: make(map[common.Hash]*Resident),
	}
}

func (b *Book) Pair() order.Pair { return b.pair }

// priceLess compares two rational prices without division:
// aNum/aDen < bNum/bDen  iff  aNum*bDen < bNum*aDen.
func priceLess(aNum, aDen, bNum, bDen *big.Int) bool {
	left := new(big.Int).Mul(aNum, bDen)
	right := new(big.Int).Mul(bNum, aDen)
	return left.Cmp(right) < 0
}

// crosses reports whether an ask limit is satisfiable against a bid
// limit: askNum/askDen <= bidNum/bidDen.
func crosses(askNum, askDen, bidNum, bidDen *big.Int) bool {
	left := new(big.Int).Mul(askNum, bidDen)
	right := new(big.Int).Mul(bidNum, askDen)
	return left.Cmp(right) <= 0
}

// before reports whether resident a has strictly better price-time
// priority than b on the same side: better price first, then earlier
// admission.
func before(a, b *Resident) bool {
	aNum, aDen := a.Order.LimitPrice()
	bNum, bDen := b.Order.LimitPrice()
	if a.Order.Side == order.SideSell {
		// asks: lower limit first
		if priceLess(aNum, aDen, bNum, bDen) {
			return true
		}
		if priceLess(bNum, bDen, aNum, aDen) {
			return false
		}
	} else {
		// bids: higher limit first
		if priceLess(bNum, bDen, aNum, aDen) {
			return true
		}
		if priceLess(aNum, aDen, bNum, bDen) {
			return false
		}
	}
	return a.Seq < b.Seq
}

// insert places r into its side keeping priority order.
func (b *Book) insert(r *Resident) {
	side := &b.asks
	if r.Order.Side == order.SideBuy {
		side = &b.bids
	}
	i := sort.Search(len(*side), func(i int) bool { return before(r, (*side)[i]) })
	*side = append(*side, nil)
	copy((*side)[i+1:], (*side)[i:])
	(*side)[i] = r
}

// remove drops r from its active side. The residents index keeps it for
// status queries and cancel idempotence.
func (b *Book) remove(r *Resident) {
	side := &b.asks
	if r.Order.Side == order.SideBuy {
		side = &b.bids
	}
	for i, cur := range *side {
		if cur == r {
			*side = append((*side)[:i], (*side)[i+1:]...)
			return
		}
	}
}

func (b *Book) expired(r *Resident, now time.Time) bool {
	return r.Order.ValidTo < uint64(now.Unix())
}

// sweepExpired transitions stale residents to EXPIRED. Expiry is
// detected lazily at access time, there is no background timer.
func (b *Book) sweepExpired(now time.Time) {
	for _, side := range [][]*Resident{b.bids, b.asks} {
		for _, r := range side {
			if b.expired(r, now) {
				r.Status = StatusExpired
			}
		}
	}
	b.bids = pruneInactive(b.bids)
	b.asks = pruneInactive(b.asks)
}

func pruneInactive(side []*Resident) []*Resident {
	active := side[:0]
	for _, r := range side {
		if !r.Status.Terminal() {
			active = append(active, r)
		}
	}
	return active
}

// Submit admits the order and matches it in one atomic step.
//
// Matching walks the opposite side in price-time priority, trading
// min(taker remaining, maker remaining) at the maker's price. A maker
// reaching zero becomes FILLED and leaves the book. The taker's
// remainder rests only when the order is partially fillable; otherwise
// the whole order is rejected up front unless the book can fill it
// completely (all-or-nothing, checked before any fill executes).
func (b *Book) Submit(o *order.Order, fp common.Hash) ([]Fill, *Resident, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.sweepExpired(now)

	if o.ValidTo < uint64(now.Unix()) {
		return nil, nil, ErrOrderExpired
	}
	if _, ok := b.residents[fp]; ok {
		return nil, nil, ErrDuplicateOrder
	}

	quantity := o.Quantity()
	if !o.PartiallyFillable {
		if b.fillable(o).Cmp(quantity) < 0 {
			return nil, nil, ErrUnfillable
		}
	}

	b.seq++
	taker := &Resident{
		Order:       o,
		Fingerprint: fp,
		Remaining:   quantity,
		Status:      StatusOpen,
		AdmittedAt:  now,
		Seq:         b.seq,
	}
	b.residents[fp] = taker

	fills := b.match(taker, now)

	if taker.Remaining.Sign() == 0 {
		taker.Status = StatusFilled
	} else {
		if len(fills) > 0 {
			taker.Status = StatusPartiallyFilled
		}
		b.insert(taker)
	}
	return fills, taker, nil
}

// fillable computes how much base quantity the opposite side could
// trade against o without mutating anything. Used for the
// all-or-nothing check.
func (b *Book) fillable(o *order.Order) *big.Int {
	limNum, limDen := o.LimitPrice()
	total := new(big.Int)
	want := o.Quantity()
	for _, maker := range b.counterSide(o.Side) {
		makerNum, makerDen := maker.Order.LimitPrice()
		if !b.compatible(o.Side, limNum, limDen, makerNum, makerDen) {
			break
		}
		total.Add(total, maker.Remaining)
		if total.Cmp(want) >= 0 {
			break
		}
	}
	return total
}

func (b *Book) counterSide(side order.Side) []*Resident {
	if side == order.SideBuy {
		return b.asks
	}
	return b.bids
}

// compatible reports whether a maker limit crosses the taker limit.
func (b *Book) compatible(takerSide order.Side, takerNum, takerDen, makerNum, makerDen *big.Int) bool {
	if takerSide == order.SideBuy {
		return crosses(makerNum, makerDen, takerNum, takerDen)
	}
	return crosses(takerNum, takerDen, makerNum, makerDen)
}

func (b *Book) match(taker *Resident, now time.Time) []Fill {
	limNum, limDen := taker.Order.LimitPrice()

	var fills []Fill
	counter := b.counterSide(taker.Order.Side)
	for len(counter) > 0 && taker.Remaining.Sign() > 0 {
		maker := counter[0]
		makerNum, makerDen := maker.Order.LimitPrice()
		if !b.compatible(taker.Order.Side, limNum, limDen, makerNum, makerDen) {
			break
		}

		amount := new(big.Int).Set(taker.Remaining)
		if maker.Remaining.Cmp(amount) < 0 {
			amount.Set(maker.Remaining)
		}

		taker.Remaining.Sub(taker.Remaining, amount)
		maker.Remaining.Sub(maker.Remaining, amount)

		fill := Fill{
			Pair:       b.pair,
			Amount:     amount,
			PriceNum:   makerNum,
			PriceDen:   makerDen,
			ExecutedAt: now,
		}
		if taker.Order.Side == order.SideBuy {
			fill.BuyOrder = taker.Fingerprint
			fill.SellOrder = maker.Fingerprint
		} else {
			fill.BuyOrder = maker.Fingerprint
			fill.SellOrder = taker.Fingerprint
		}
		fills = append(fills, fill)

		if maker.Remaining.Sign() == 0 {
			maker.Status = StatusFilled
			counter = counter[1:]
		} else {
			maker.Status = StatusPartiallyFilled
		}
	}

	if taker.Order.Side == order.SideBuy {
		b.asks = counter
	} else {
		b.bids = counter
	}
	return fills
}

// Cancel transitions the order to CANCELLED. Only the signer may
// cancel. A second cancel is a no-op, not an error, so client retries
// are harmless; a cancel racing an in-flight match applies to whatever
// remainder the match left behind.
func (b *Book) Cancel(fp common.Hash, requester common.Address) (*Resident, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sweepExpired(b.clock.Now())

	r, ok := b.residents[fp]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if r.Order.Signer != requester {
		return nil, ErrUnauthorized
	}
	if r.Status.Terminal() {
		return r, nil
	}
	r.Status = StatusCancelled
	b.remove(r)
	return r, nil
}

// Get returns the resident order for a fingerprint, if ever admitted.
func (b *Book) Get(fp common.Hash) (*Resident, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.residents[fp]
	return r, ok
}

// Restore re-inserts a previously persisted resident order, keeping its
// original admission sequence. Used when rebuilding books at startup.
func (b *Book) Restore(r *Resident) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.residents[r.Fingerprint]; ok {
		return
	}
	b.residents[r.Fingerprint] = r
	if r.Seq > b.seq {
		b.seq = r.Seq
	}
	if !r.Status.Terminal() {
		b.insert(r)
	}
}
