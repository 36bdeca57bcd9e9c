package errors

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stripe/stripe-go/v84"
)

func TestDumpStripeError(t *testing.T) {
	cause := &stripe.Error{
		Type:           stripe.ErrorTypeInvalidRequest,
		Code:           stripe.ErrorCodeResourceMissing,
		HTTPStatusCode: 404,
		RequestID:      "req_123",
		Msg:            "No such subscription",
	}
	err := Wrap(CodeProviderFetch, cause, "fetch subscription sub_1")

	d := Dump(err)
	if d.Code != CodeProviderFetch {
		t.Fatalf("expected provider fetch code, got %s", d.Code)
	}
	if d.StripeStatus != 404 || d.StripeRequestID != "req_123" || d.StripeCode != string(stripe.ErrorCodeResourceMissing) {
		t.Fatalf("unexpected stripe detail %+v", d)
	}
	if len(d.Chain) != 2 {
		t.Fatalf("expected 2 chain entries, got %d", len(d.Chain))
	}
}

func TestDumpPostgresError(t *testing.T) {
	cause := &pgconn.PgError{Code: "23505", ConstraintName: "ux_subscriptions_stripe_id", TableName: "subscriptions"}
	err := fmt.Errorf("upsert: %w", Wrap(CodeStoreWrite, cause, "save subscription"))

	d := Dump(err)
	if d.Code != CodeStoreWrite || d.PGCode != "23505" || d.PGConstraint != "ux_subscriptions_stripe_id" {
		t.Fatalf("unexpected dump %+v", d)
	}
}

func TestDumpNil(t *testing.T) {
	if d := Dump(nil); d.TopMessage != "" || len(d.Chain) != 0 {
		t.Fatalf("expected empty dump, got %+v", d)
	}
}
