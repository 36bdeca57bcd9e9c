package billing

import (
	"net/http"

	"github.com/angelmondragon/postcraft-billing/api/responses"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

type planResponse struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	MonthlyPrice string         `json:"monthly_price"`
	YearlyPrice  string         `json:"yearly_price"`
	Features     plans.Features `json:"features"`
	Limits       plans.Limits   `json:"limits"`
	Default      bool           `json:"default"`
}

type planListResponse struct {
	Plans []planResponse `json:"plans"`
}

// PlansList returns the public catalog, cheapest first.
func PlansList(catalog *plans.Catalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if catalog == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan catalog unavailable"))
			return
		}
		defaultID := catalog.Default().ID
		all := catalog.All()
		payload := planListResponse{Plans: make([]planResponse, 0, len(all))}
		for _, p := range all {
			payload.Plans = append(payload.Plans, planResponse{
				ID:           p.ID,
				Name:         p.Name,
				MonthlyPrice: p.MonthlyPrice.StringFixed(2),
				YearlyPrice:  p.YearlyPrice.StringFixed(2),
				Features:     p.Features,
				Limits:       p.Limits,
				Default:      p.ID == defaultID,
			})
		}
		responses.WriteSuccess(w, payload)
	}
}
