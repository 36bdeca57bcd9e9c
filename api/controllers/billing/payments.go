package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/postcraft-billing/api/responses"
	"github.com/angelmondragon/postcraft-billing/api/validators"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
	"github.com/angelmondragon/postcraft-billing/pkg/pagination"
)

// PaymentsLister pages through a user's payment ledger.
type PaymentsLister interface {
	ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.PaymentRecord, string, error)
}

type paymentResponse struct {
	ID          string          `json:"id"`
	AmountCents int64           `json:"amount_cents"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	InvoiceID   *string         `json:"invoice_id,omitempty"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type paymentsResponse struct {
	Payments []paymentResponse `json:"payments"`
	Cursor   string            `json:"cursor"`
}

// PaymentHistory lists the caller's payments, newest first.
func PaymentHistory(repo PaymentsLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if repo == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment ledger unavailable"))
			return
		}

		userID, err := resolveUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
		if _, err := pagination.ParseCursor(cursor); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor"))
			return
		}

		rows, next, err := repo.ListByUser(ctx, userID, pagination.Params{Limit: limit, Cursor: cursor})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payments"))
			return
		}

		payload := paymentsResponse{
			Payments: make([]paymentResponse, len(rows)),
			Cursor:   next,
		}
		for i, row := range rows {
			payload.Payments[i] = paymentResponse{
				ID:          row.ID.String(),
				AmountCents: row.AmountCents,
				Currency:    row.Currency,
				Status:      string(row.Status),
				InvoiceID:   row.ExternalInvoiceID,
				Description: row.Description,
				Metadata:    row.Metadata,
				CreatedAt:   row.CreatedAt.UTC(),
			}
		}
		responses.WriteSuccess(w, payload)
	}
}
