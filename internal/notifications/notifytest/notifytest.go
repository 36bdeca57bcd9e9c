// Package notifytest provides in-memory notification collaborators for tests.
package notifytest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/angelmondragon/postcraft-billing/internal/notifications"
)

// MemoryLedger is a map-backed notifications.Ledger. Expiry is ignored; a
// recorded key stays recorded.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]time.Duration
	// Err, when set, fails every ShouldSend and Claim.
	Err error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: map[string]time.Duration{}}
}

func (l *MemoryLedger) ShouldSend(ctx context.Context, category, subjectID string) (bool, error) {
	if l.Err != nil {
		return false, l.Err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, seen := l.entries[category+"|"+subjectID]
	return !seen, nil
}

func (l *MemoryLedger) Record(ctx context.Context, category, subjectID string, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[category+"|"+subjectID] = window
	return nil
}

func (l *MemoryLedger) Claim(ctx context.Context, category, subjectID string, window time.Duration) (bool, error) {
	if l.Err != nil {
		return false, l.Err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := category + "|" + subjectID
	if _, seen := l.entries[key]; seen {
		return false, nil
	}
	l.entries[key] = window
	return true, nil
}

func (l *MemoryLedger) Release(ctx context.Context, category, subjectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, category+"|"+subjectID)
	return nil
}

// Has reports whether the key was recorded.
func (l *MemoryLedger) Has(category, subjectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[category+"|"+subjectID]
	return ok
}

// Sent is one delivered notification.
type Sent struct {
	Kind         string
	To           notifications.Recipient
	Receipt      notifications.Receipt
	Cancellation notifications.Cancellation
	Change       notifications.PlanChange
	Alert        notifications.OpsAlert
}

// Notifier records every send. Fail makes every send return an error.
type Notifier struct {
	mu   sync.Mutex
	sent []Sent
	Fail bool
}

const (
	KindReceipt      = "receipt"
	KindCancellation = "cancellation"
	KindUpgrade      = "upgrade"
	KindDowngrade    = "downgrade"
	KindOpsAlert     = "ops_alert"
)

var errSend = errors.New("send failed")

func (n *Notifier) add(s Sent) error {
	if n.Fail {
		return errSend
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, s)
	return nil
}

func (n *Notifier) SendPaymentReceipt(ctx context.Context, to notifications.Recipient, receipt notifications.Receipt) error {
	return n.add(Sent{Kind: KindReceipt, To: to, Receipt: receipt})
}

func (n *Notifier) SendSubscriptionCancelled(ctx context.Context, to notifications.Recipient, c notifications.Cancellation) error {
	return n.add(Sent{Kind: KindCancellation, To: to, Cancellation: c})
}

func (n *Notifier) SendPlanUpgraded(ctx context.Context, to notifications.Recipient, change notifications.PlanChange) error {
	return n.add(Sent{Kind: KindUpgrade, To: to, Change: change})
}

func (n *Notifier) SendPlanDowngraded(ctx context.Context, to notifications.Recipient, change notifications.PlanChange) error {
	return n.add(Sent{Kind: KindDowngrade, To: to, Change: change})
}

func (n *Notifier) SendOpsAlert(ctx context.Context, alert notifications.OpsAlert) error {
	return n.add(Sent{Kind: KindOpsAlert, Alert: alert})
}

// Sent returns a copy of everything delivered so far.
func (n *Notifier) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

// Count returns how many sends of kind were delivered.
func (n *Notifier) Count(kind string) int {
	count := 0
	for _, s := range n.Sent() {
		if s.Kind == kind {
			count++
		}
	}
	return count
}
