package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/coveswap/coveswap/pkg/crypto"
	"github.com/coveswap/coveswap/pkg/util"
)

var (
	// ErrValidation marks malformed creation parameters.
	ErrValidation = errors.New("invalid escrow parameters")
	// ErrWrongState means the transition was attempted out of
	// sequence. No funds move; the state check is the guard that makes
	// double-release impossible.
	ErrWrongState = errors.New("wrong escrow state")
	// ErrUnauthorized means the caller is not the role this
	// transition requires.
	ErrUnauthorized = errors.New("caller not authorized for this transition")
	// ErrAmountMismatch means a deposit does not equal the configured
	// amount. The funds are not accepted.
	ErrAmountMismatch = errors.New("deposit amount mismatch")
	// ErrInvalidSignature means a release signature does not recover
	// to the configured arbiter.
	ErrInvalidSignature = errors.New("release signature does not recover to arbiter")
	// ErrNotFound means no instance has that id.
	ErrNotFound = errors.New("escrow instance not found")
)

type State string

const (
	StateAwaitingDeposit      State = "AWAITING_DEPOSIT"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateComplete             State = "COMPLETE"
	StateRefunded             State = "REFUNDED"
)

// Terminal reports whether no further transition is permitted.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateRefunded
}

// Instance is one custodial trade lifecycle. TradeHash binds it to the
// off-chain order fingerprints it settles. Recipient is set on the
// terminal transition: counterparty on confirm, the signed-for address
// on release, depositor on refund.
type Instance struct {
	ID           common.Hash    `json:"id"`
	Depositor    common.Address `json:"depositor"`
	Counterparty common.Address `json:"counterparty"`
	Arbiter      common.Address `json:"arbiter"`
	Asset        common.Address `json:"asset"`
	Amount       *big.Int       `json:"amount"`
	TradeHash    common.Hash    `json:"tradeHash"`
	State        State          `json:"state"`
	Recipient    common.Address `json:"recipient,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	ClosedAt     time.Time      `json:"closedAt,omitempty"`
}

// Persister stores instances on successful transitions.
type Persister interface {
	SaveEscrow(inst *Instance) error
}

// AuditLog receives one line per transition outcome, accepted or
// rejected. Nil-able in tests.
type AuditLog interface {
	Append(line string)
}

// Engine drives escrow instances through deposit, confirmation and
// release/refund. Each instance serializes its transitions under the
// engine lock; once the state leaves AWAITING_CONFIRMATION every
// competing operation fails deterministically with ErrWrongState.
type Engine struct {
	mu        sync.Mutex
	instances map[common.Hash]*Instance
	hasher    *ReleaseHasher
	clock     util.Clock
	log       *zap.Logger
	persist   Persister
	audit     AuditLog
	events    chan Event
}

func NewEngine(hasher *ReleaseHasher, clock util.Clock, persist Persister, audit AuditLog, log *zap.Logger) *Engine {
	return &Engine{
		instances: make(map[common.Hash]*Instance),
		hasher:    hasher,
		clock:     clock,
		log:       log,
		persist:   persist,
		audit:     audit,
		events:    make(chan Event, 256),
	}
}

// Create instantiates a new escrow in AWAITING_DEPOSIT. The id is the
// hash of the instance parameters, so identical parameters for the same
// trade collapse to one instance.
func (e *Engine) Create(depositor, counterparty, arbiter, asset common.Address, amount *big.Int, tradeHash common.Hash) (*Instance, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, e.reject("create", common.Hash{}, nil, depositor,
			fmt.Errorf("%w: amount must be positive", ErrValidation))
	}
	if depositor == (common.Address{}) || counterparty == (common.Address{}) || arbiter == (common.Address{}) {
		return nil, e.reject("create", common.Hash{}, nil, depositor,
			fmt.Errorf("%w: depositor, counterparty and arbiter are required", ErrValidation))
	}

	id := ethcrypto.Keccak256Hash(
		tradeHash.Bytes(),
		depositor.Bytes(),
		counterparty.Bytes(),
		arbiter.Bytes(),
		asset.Bytes(),
		amount.Bytes(),
	)

	e.mu.Lock()
	defer e.mu.Unlock()

	if inst, ok := e.instances[id]; ok {
		return inst, nil
	}

	inst := &Instance{
		ID:           id,
		Depositor:    depositor,
		Counterparty: counterparty,
		Arbiter:      arbiter,
		Asset:        asset,
		Amount:       new(big.Int).Set(amount),
		TradeHash:    tradeHash,
		State:        StateAwaitingDeposit,
		CreatedAt:    e.clock.Now(),
	}
	e.instances[id] = inst
	if err := e.save(inst); err != nil {
		delete(e.instances, id)
		return nil, e.reject("create", id, inst, depositor, err)
	}

	e.appendAudit(fmt.Sprintf("ESCROW CREATE id=%s trade=%s amount=%s",
		id.Hex(), tradeHash.Hex(), amount))
	e.log.Info("escrow created",
		zap.String("id", id.Hex()),
		zap.String("tradeHash", tradeHash.Hex()),
		zap.String("amount", amount.String()))
	return inst, nil
}

// Deposit moves the configured amount from the depositor into custody.
func (e *Engine) Deposit(id common.Hash, caller common.Address, amount *big.Int) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[id]
	if !ok {
		return nil, e.reject("deposit", id, nil, caller, ErrNotFound)
	}
	if inst.State != StateAwaitingDeposit {
		return nil, e.reject("deposit", id, inst, caller,
			fmt.Errorf("%w: deposit requires %s, have %s", ErrWrongState, StateAwaitingDeposit, inst.State))
	}
	if caller != inst.Depositor {
		return nil, e.reject("deposit", id, inst, caller,
			fmt.Errorf("%w: only the depositor may deposit", ErrUnauthorized))
	}
	if amount == nil || amount.Cmp(inst.Amount) != 0 {
		return nil, e.reject("deposit", id, inst, caller,
			fmt.Errorf("%w: got %v, want %s", ErrAmountMismatch, amount, inst.Amount))
	}

	inst.State = StateAwaitingConfirmation
	if err := e.save(inst); err != nil {
		inst.State = StateAwaitingDeposit
		return nil, e.reject("deposit", id, inst, caller, err)
	}

	e.appendAudit(fmt.Sprintf("ESCROW DEPOSIT id=%s party=%s amount=%s",
		inst.ID.Hex(), caller.Hex(), inst.Amount))
	e.publish(Event{
		Name: EventDeposited, InstanceID: inst.ID, TradeID: inst.TradeHash,
		Amount: new(big.Int).Set(inst.Amount), Party: caller, At: e.clock.Now(),
	})
	return inst, nil
}

// Confirm releases custody to the counterparty. Terminal.
func (e *Engine) Confirm(id common.Hash, caller common.Address) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[id]
	if !ok {
		return nil, e.reject("confirm", id, nil, caller, ErrNotFound)
	}
	if inst.State != StateAwaitingConfirmation {
		return nil, e.reject("confirm", id, inst, caller,
			fmt.Errorf("%w: confirm requires %s, have %s", ErrWrongState, StateAwaitingConfirmation, inst.State))
	}
	if caller != inst.Counterparty {
		return nil, e.reject("confirm", id, inst, caller,
			fmt.Errorf("%w: only the counterparty may confirm", ErrUnauthorized))
	}

	return e.close("confirm", inst, StateComplete, inst.Counterparty, EventConfirmed, caller)
}

// ReleaseWithSignature releases custody to an arbitrary recipient on
// the strength of an arbiter signature over (instanceId, to, asset,
// amount). This is the dispute-resolution path: the recipient need not
// be the counterparty.
func (e *Engine) ReleaseWithSignature(id common.Hash, to common.Address, asset common.Address, amount *big.Int, signature []byte) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[id]
	if !ok {
		return nil, e.reject("release", id, nil, to, ErrNotFound)
	}
	if inst.State != StateAwaitingConfirmation {
		return nil, e.reject("release", id, inst, to,
			fmt.Errorf("%w: release requires %s, have %s", ErrWrongState, StateAwaitingConfirmation, inst.State))
	}
	if asset != inst.Asset || amount == nil || amount.Cmp(inst.Amount) != 0 {
		return nil, e.reject("release", id, inst, to,
			fmt.Errorf("%w: release payload does not match custody", ErrAmountMismatch))
	}

	digest, err := e.hasher.Digest(inst.ID, to, asset, amount)
	if err != nil {
		return nil, e.reject("release", id, inst, to, err)
	}
	recovered, err := crypto.RecoverAddress(digest.Bytes(), signature)
	if err != nil {
		return nil, e.reject("release", id, inst, to,
			fmt.Errorf("%w: %v", ErrInvalidSignature, err))
	}
	if recovered != inst.Arbiter {
		return nil, e.reject("release", id, inst, to,
			fmt.Errorf("%w: recovered %s", ErrInvalidSignature, recovered.Hex()))
	}

	return e.close("release", inst, StateComplete, to, EventReleased, inst.Arbiter)
}

// Refund returns custody to the depositor. Arbiter only. Terminal.
func (e *Engine) Refund(id common.Hash, caller common.Address) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[id]
	if !ok {
		return nil, e.reject("refund", id, nil, caller, ErrNotFound)
	}
	if inst.State != StateAwaitingConfirmation {
		return nil, e.reject("refund", id, inst, caller,
			fmt.Errorf("%w: refund requires %s, have %s", ErrWrongState, StateAwaitingConfirmation, inst.State))
	}
	if caller != inst.Arbiter {
		return nil, e.reject("refund", id, inst, caller,
			fmt.Errorf("%w: only the arbiter may refund", ErrUnauthorized))
	}

	return e.close("refund", inst, StateRefunded, inst.Depositor, EventRefunded, caller)
}

func (e *Engine) close(op string, inst *Instance, to State, recipient common.Address, event string, party common.Address) (*Instance, error) {
	prevState, prevRecipient := inst.State, inst.Recipient
	inst.State = to
	inst.Recipient = recipient
	inst.ClosedAt = e.clock.Now()
	if err := e.save(inst); err != nil {
		inst.State, inst.Recipient, inst.ClosedAt = prevState, prevRecipient, time.Time{}
		return nil, e.reject(op, inst.ID, inst, party, err)
	}

	e.appendAudit(fmt.Sprintf("ESCROW CLOSE op=%s id=%s state=%s recipient=%s",
		op, inst.ID.Hex(), to, recipient.Hex()))
	e.publish(Event{
		Name: event, InstanceID: inst.ID, TradeID: inst.TradeHash,
		Amount: new(big.Int).Set(inst.Amount), Party: party, At: inst.ClosedAt,
	})
	e.log.Info("escrow closed",
		zap.String("id", inst.ID.Hex()),
		zap.String("state", string(to)),
		zap.String("recipient", recipient.Hex()))
	return inst, nil
}

// reject records a failed transition on the audit log and the event
// feed before surfacing it. Nothing is dropped silently.
func (e *Engine) reject(op string, id common.Hash, inst *Instance, party common.Address, err error) error {
	e.appendAudit(fmt.Sprintf("ESCROW REJECT op=%s id=%s party=%s err=%q",
		op, id.Hex(), party.Hex(), err))
	e.log.Warn("escrow rejected",
		zap.String("op", op),
		zap.String("id", id.Hex()),
		zap.Error(err))

	ev := Event{
		Name: EventRejected, Op: op, InstanceID: id,
		Party: party, Reason: err.Error(), At: e.clock.Now(),
	}
	if inst != nil {
		ev.TradeID = inst.TradeHash
		ev.Amount = new(big.Int).Set(inst.Amount)
	}
	e.publish(ev)
	return err
}

func (e *Engine) appendAudit(line string) {
	if e.audit != nil {
		e.audit.Append(line)
	}
}

func (e *Engine) save(inst *Instance) error {
	if e.persist == nil {
		return nil
	}
	return e.persist.SaveEscrow(inst)
}

// Get returns the instance with that id.
func (e *Engine) Get(id common.Hash) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst, nil
}

// Restore re-registers a persisted instance at startup.
func (e *Engine) Restore(inst *Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.instances[inst.ID]; !ok {
		e.instances[inst.ID] = inst
	}
}
