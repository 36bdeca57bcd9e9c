package notifications

import (
	"context"
	"time"
)

// Alerter raises deduplicated ops alerts for failed webhook deliveries.
type Alerter struct {
	gate     *Gate
	notifier Notifier
	window   time.Duration
}

func NewAlerter(gate *Gate, notifier Notifier, window time.Duration) *Alerter {
	return &Alerter{gate: gate, notifier: notifier, window: window}
}

// Raise sends at most one alert per event type and error code per window.
// It sends even when the ledger is unreadable.
func (a *Alerter) Raise(ctx context.Context, eventType, code, message string) bool {
	if a == nil {
		return false
	}
	alert := OpsAlert{EventType: eventType, Code: code, Message: message}
	sent, _ := a.gate.SendOnce(ctx, CategoryOpsAlert, eventType+":"+code, Policy{Window: a.window, FailMode: FailOpen},
		func(ctx context.Context) error {
			return a.notifier.SendOpsAlert(ctx, alert)
		})
	return sent
}
