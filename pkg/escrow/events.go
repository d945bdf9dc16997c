package escrow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event is one observable escrow lifecycle transition, mirroring the
// contract's log stream: event name plus the indexed tradeId, amount
// and party fields.
type Event struct {
	Name       string         `json:"name"`         // Deposited, Confirmed, Released, Refunded, Rejected
	Op         string         `json:"op,omitempty"` // set on Rejected: the attempted transition
	InstanceID common.Hash    `json:"instanceId"`
	TradeID    common.Hash    `json:"tradeId"`
	Amount     *big.Int       `json:"amount"`
	Party      common.Address `json:"party"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}

const (
	EventDeposited = "Deposited"
	EventConfirmed = "Confirmed"
	EventReleased  = "Released"
	EventRefunded  = "Refunded"
	EventRejected  = "Rejected"
)

// publish pushes an event to the feed, dropping it if no consumer keeps
// up. The feed is observability, not state: engine state never depends
// on delivery.
func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// Events returns the engine's event feed.
func (e *Engine) Events() <-chan Event { return e.events }
