package models

// All lists every persisted model. Used by sqlite-backed tests to build a
// schema equivalent to the goose migrations.
func All() []any {
	return []any{
		&User{},
		&Subscription{},
		&PaymentRecord{},
		&ChangeLogEntry{},
		&AlertRecord{},
		&UsageCounter{},
		&PendingReconciliation{},
	}
}
