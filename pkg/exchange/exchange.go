package exchange

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/coveswap/coveswap/pkg/book"
	"github.com/coveswap/coveswap/pkg/ledger"
	"github.com/coveswap/coveswap/pkg/order"
	"github.com/coveswap/coveswap/pkg/storage"
	"github.com/coveswap/coveswap/pkg/util"
)

// Persister is what the exchange needs from storage. Nil-able in tests.
type Persister interface {
	SaveOrder(r *book.Resident) error
	SaveTrade(t ledger.Trade) error
}

// Result is the outcome of an admission. Stored per fingerprint so a
// retransmitted order returns its prior result instead of erroring.
type Result struct {
	Fingerprint common.Hash    `json:"fingerprint"`
	Status      book.Status    `json:"status"`
	Trades      []ledger.Trade `json:"trades"`
	Remaining   *big.Int       `json:"remainingAmount"`
}

// Exchange owns admission: verify, match, record, persist. The
// admit→match→record path for one pair runs as a single atomic unit
// under that pair's lock; different pairs proceed concurrently.
type Exchange struct {
	verifier *order.Verifier
	codec    *order.Codec
	ledger   *ledger.Ledger
	store    Persister
	audit    storage.AuditLog
	clock    util.Clock
	log      *zap.Logger

	mu        sync.Mutex
	books     map[string]*book.Book
	pairLocks map[string]*sync.Mutex
	pairOf    map[common.Hash]string
	results   map[common.Hash]*Result

	trades chan ledger.Trade
}

func New(codec *order.Codec, led *ledger.Ledger, store Persister, audit storage.AuditLog, clock util.Clock, log *zap.Logger) *Exchange {
	if audit == nil {
		audit = storage.NewNopAuditLog()
	}
	return &Exchange{
		verifier:  order.NewVerifier(codec),
		codec:     codec,
		ledger:    led,
		store:     store,
		audit:     audit,
		clock:     clock,
		log:       log,
		books:     make(map[string]*book.Book),
		pairLocks: make(map[string]*sync.Mutex),
		pairOf:    make(map[common.Hash]string),
		results:   make(map[common.Hash]*Result),
		trades:    make(chan ledger.Trade, 256),
	}
}

// TradeEvents streams executed trades for fan-out.
func (e *Exchange) TradeEvents() <-chan ledger.Trade { return e.trades }

func (e *Exchange) bookAndLock(p order.Pair) (*book.Book, *sync.Mutex) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := p.String()
	b, ok := e.books[key]
	if !ok {
		b = book.New(p, e.clock)
		e.books[key] = b
		e.pairLocks[key] = &sync.Mutex{}
	}
	return b, e.pairLocks[key]
}

func (e *Exchange) cachedResult(fp common.Hash) (*Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.results[fp]
	return r, ok
}

func (e *Exchange) storeResult(fp common.Hash, pair string, r *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[fp] = r
	e.pairOf[fp] = pair
}

// Submit verifies and admits an order, matching it against the book.
// Rejections are surfaced verbatim and audited; nothing is dropped
// silently. Resubmission of an already-admitted order is idempotent.
func (e *Exchange) Submit(ctx context.Context, o *order.Order, signature []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := o.Validate(); err != nil {
		e.reject(common.Hash{}, "validation", err)
		return nil, err
	}

	fp, err := e.codec.Fingerprint(o)
	if err != nil {
		e.reject(common.Hash{}, "encoding", err)
		return nil, err
	}

	ok, err := e.verifier.Verify(o, signature, o.Signer)
	if err != nil {
		e.reject(fp, "signature", err)
		return nil, err
	}
	if !ok {
		e.reject(fp, "signature", order.ErrInvalidSignature)
		return nil, fmt.Errorf("%w: signature does not recover to %s", order.ErrInvalidSignature, o.Signer.Hex())
	}

	// Idempotent retransmission: the prior admission result wins.
	if prior, found := e.cachedResult(fp); found {
		return prior, nil
	}

	pair := o.Pair()
	b, lock := e.bookAndLock(pair)
	lock.Lock()
	defer lock.Unlock()

	fills, taker, err := b.Submit(o, fp)
	if err != nil {
		if err == book.ErrDuplicateOrder {
			// Admitted before this process cached a result (e.g.
			// restored from disk): synthesize it from book state.
			if r, found := b.Get(fp); found {
				res := &Result{
					Fingerprint: fp,
					Status:      r.Status,
					Remaining:   new(big.Int).Set(r.Remaining),
				}
				e.storeResult(fp, pair.String(), res)
				return res, nil
			}
		}
		e.reject(fp, "admission", err)
		return nil, err
	}

	trades := make([]ledger.Trade, 0, len(fills))
	for _, f := range fills {
		t, err := e.ledger.Record(f)
		if err != nil {
			// Matching is serialized per pair, so a duplicate here is
			// a programming error, not a race.
			e.log.Error("ledger rejected fill", zap.Error(err))
			return nil, err
		}
		trades = append(trades, t)
		e.persistTrade(t)
		e.publishTrade(t)
	}

	e.persistResident(taker)
	e.persistMakers(b, fills, fp)

	res := &Result{
		Fingerprint: fp,
		Status:      taker.Status,
		Trades:      trades,
		Remaining:   new(big.Int).Set(taker.Remaining),
	}
	e.storeResult(fp, pair.String(), res)

	e.audit.Append(fmt.Sprintf("ACCEPT order=%s signer=%s status=%s fills=%d",
		fp.Hex(), o.Signer.Hex(), taker.Status, len(trades)))
	e.log.Info("order admitted",
		zap.String("fingerprint", fp.Hex()),
		zap.String("pair", pair.String()),
		zap.String("status", string(taker.Status)),
		zap.Int("fills", len(trades)))
	return res, nil
}

// Cancel is best effort: if it races an in-flight match the match
// completes first and cancellation applies to the remainder.
func (e *Exchange) Cancel(ctx context.Context, fp common.Hash, requester common.Address) (*book.Resident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	pairKey, ok := e.pairOf[fp]
	var (
		b    *book.Book
		lock *sync.Mutex
	)
	if ok {
		b = e.books[pairKey]
		lock = e.pairLocks[pairKey]
	}
	e.mu.Unlock()
	if !ok {
		e.reject(fp, "cancel", book.ErrOrderNotFound)
		return nil, book.ErrOrderNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	r, err := b.Cancel(fp, requester)
	if err != nil {
		e.reject(fp, "cancel", err)
		return nil, err
	}
	e.persistResident(r)
	e.audit.Append(fmt.Sprintf("CANCEL order=%s requester=%s status=%s",
		fp.Hex(), requester.Hex(), r.Status))
	return r, nil
}

// Snapshot returns the point-in-time book for a pair.
func (e *Exchange) Snapshot(base, quote common.Address) book.Snapshot {
	b, lock := e.bookAndLock(order.Pair{Base: base, Quote: quote})
	lock.Lock()
	defer lock.Unlock()
	return b.Snapshot()
}

// Order returns the resident state for a fingerprint.
func (e *Exchange) Order(fp common.Hash) (*book.Resident, bool) {
	e.mu.Lock()
	pairKey, ok := e.pairOf[fp]
	b := e.books[pairKey]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return b.Get(fp)
}

// Trades queries the settlement ledger.
func (e *Exchange) Trades(f ledger.Filter) []ledger.Trade {
	return e.ledger.Query(f)
}

// Restore rebuilds books and the fingerprint index from persisted
// state at startup.
func (e *Exchange) Restore(residents []*book.Resident, trades []ledger.Trade) {
	for _, r := range residents {
		pair := r.Order.Pair()
		b, lock := e.bookAndLock(pair)
		lock.Lock()
		b.Restore(r)
		lock.Unlock()

		e.mu.Lock()
		e.pairOf[r.Fingerprint] = pair.String()
		e.mu.Unlock()
	}
	for _, t := range trades {
		e.ledger.Restore(t)
	}
}

func (e *Exchange) reject(fp common.Hash, stage string, err error) {
	e.audit.Append(fmt.Sprintf("REJECT stage=%s order=%s err=%q", stage, fp.Hex(), err))
	e.log.Warn("rejected",
		zap.String("stage", stage),
		zap.String("fingerprint", fp.Hex()),
		zap.Error(err))
}

func (e *Exchange) publishTrade(t ledger.Trade) {
	select {
	case e.trades <- t:
	default:
	}
}

func (e *Exchange) persistTrade(t ledger.Trade) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTrade(t); err != nil {
		e.log.Error("persist trade", zap.Uint64("id", t.ID), zap.Error(err))
	}
}

func (e *Exchange) persistResident(r *book.Resident) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveOrder(r); err != nil {
		e.log.Error("persist order", zap.String("fingerprint", r.Fingerprint.Hex()), zap.Error(err))
	}
}

// persistMakers re-persists every maker touched by the fills.
func (e *Exchange) persistMakers(b *book.Book, fills []book.Fill, taker common.Hash) {
	if e.store == nil {
		return
	}
	seen := make(map[common.Hash]struct{})
	for _, f := range fills {
		for _, fp := range []common.Hash{f.BuyOrder, f.SellOrder} {
			if fp == taker {
				continue
			}
			if _, dup := seen[fp]; dup {
				continue
			}
			seen[fp] = struct{}{}
			if r, ok := b.Get(fp); ok {
				e.persistResident(r)
			}
		}
	}
}
