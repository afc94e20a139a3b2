/*
notifier.go - Push-based balance change subscriptions

PURPOSE:
  Delivers the current balance and the most recent transactions to
  interested observers (a UI session, a reporting screen) whenever the
  engine commits a change for a subscribed client.

DELIVERY SEMANTICS:
  At-least-once and eventually consistent with the store. Publishing never
  blocks the committer: each subscriber has a small buffer and when it is
  full the stalest pending update is dropped in favor of the new one. A
  subscriber may momentarily observe a balance that a direct GetBalance
  caller sees slightly earlier or later, but never one that violates the
  log/cache invariant at rest.

SEE ALSO:
  - engine.go: Publishes after each successful commit
  - api: Exposes subscriptions as a server-sent-events stream
*/
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceUpdate is what subscribers receive after each commit.
type BalanceUpdate struct {
	ClientID ClientID
	Balance  decimal.Decimal
	Recent   []Transaction
	At       time.Time
}

const subscriberBuffer = 8

// Notifier fans out balance updates per client. Safe for concurrent use.
type Notifier struct {
	mu   sync.Mutex
	subs map[ClientID]map[uint64]chan BalanceUpdate
	next uint64
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[ClientID]map[uint64]chan BalanceUpdate)}
}

// Subscribe registers interest in a client's balance. The returned cancel
// function must be called when the subscriber goes away; after cancel the
// channel is closed.
func (n *Notifier) Subscribe(id ClientID) (<-chan BalanceUpdate, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan BalanceUpdate, subscriberBuffer)
	if n.subs[id] == nil {
		n.subs[id] = make(map[uint64]chan BalanceUpdate)
	}
	token := n.next
	n.next++
	n.subs[id][token] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if set, ok := n.subs[id]; ok {
			if c, ok := set[token]; ok {
				delete(set, token)
				close(c)
			}
			if len(set) == 0 {
				delete(n.subs, id)
			}
		}
	}
	return ch, cancel
}

// HasSubscribers lets the engine skip the recent-history read when nobody
// is listening.
func (n *Notifier) HasSubscribers(id ClientID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[id]) > 0
}

// Publish delivers u to every subscriber of u.ClientID without blocking.
func (n *Notifier) Publish(u BalanceUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs[u.ClientID] {
		select {
		case ch <- u:
		default:
			// Buffer full: drop the stalest pending update and retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}
