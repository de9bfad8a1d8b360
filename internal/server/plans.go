package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billforge/internal/config"
)

type planResponse struct {
	ID           string                        `json:"id"`
	Name         string                        `json:"name"`
	MonthlyPrice int64                         `json:"monthlyPrice"`
	YearlyPrice  int64                         `json:"yearlyPrice"`
	Currency     string                        `json:"currency"`
	TrialDays    int                           `json:"trialDays"`
	Metered      map[string]config.MeteredRate `json:"metered,omitempty"`
}

func (s *Server) ListPlans(c *gin.Context) {
	plans := s.catalog.List()
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResponse{
			ID:           p.ID,
			Name:         p.Name,
			MonthlyPrice: p.MonthlyPrice,
			YearlyPrice:  p.YearlyPrice,
			Currency:     p.Currency,
			TrialDays:    p.TrialDays,
			Metered:      p.Metered,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": out})
}
