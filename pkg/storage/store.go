package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/coveswap/coveswap/pkg/book"
	"github.com/coveswap/coveswap/pkg/escrow"
	"github.com/coveswap/coveswap/pkg/ledger"
)

// Store persists resident orders, trades and escrow instances in
// Pebble. The book and ledger stay authoritative in memory; the store
// exists for audit and restart recovery.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveOrder persists a resident order's current state.
func (s *Store) SaveOrder(r *book.Resident) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(r.Fingerprint), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// LoadOrders returns every persisted resident order.
func (s *Store) LoadOrders() ([]*book.Resident, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*book.Resident
	for iter.First(); iter.Valid(); iter.Next() {
		var r book.Resident
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue // skip invalid entries
		}
		out = append(out, &r)
	}
	return out, nil
}

// SaveTrade appends a trade. Trades are immutable, so NoSync is safe:
// the in-memory ledger replays through SaveOrder state on restart.
func (s *Store) SaveTrade(t ledger.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	if err := s.db.Set(tradeKey(t.Pair, t.ID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// LoadTrades returns every persisted trade in sequence order.
func (s *Store) LoadTrades() ([]ledger.Trade, error) {
	prefix := []byte(prefixTrade)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []ledger.Trade
	for iter.First(); iter.Valid(); iter.Next() {
		var t ledger.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	// Keys group by pair; replay order must be global sequence order
	// so ledger queries stay oldest-first across pairs.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveEscrow persists an escrow instance. Called on every successful
// transition, before the transition is acknowledged.
func (s *Store) SaveEscrow(inst *escrow.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal escrow: %w", err)
	}
	if err := s.db.Set(escrowKey(inst.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save escrow: %w", err)
	}
	return nil
}

// LoadEscrows returns every persisted escrow instance.
func (s *Store) LoadEscrows() ([]*escrow.Instance, error) {
	prefix := []byte(prefixEscrow)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*escrow.Instance
	for iter.First(); iter.Valid(); iter.Next() {
		var inst escrow.Instance
		if err := json.Unmarshal(iter.Value(), &inst); err != nil {
			continue
		}
		out = append(out, &inst)
	}
	return out, nil
}

// GetEscrow loads one escrow instance by id.
func (s *Store) GetEscrow(id common.Hash) (*escrow.Instance, error) {
	data, closer, err := s.db.Get(escrowKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var inst escrow.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

var _ escrow.Persister = (*Store)(nil)
