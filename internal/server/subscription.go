package server

import (
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	subscriptionservice "github.com/veltahq/velta/internal/subscription/service"
	tenantdomain "github.com/veltahq/velta/internal/tenant/domain"
)

type createSubscriptionRequest struct {
	Period   string   `json:"period"`
	Services []string `json:"services"`
}

type updateSubscriptionRequest struct {
	AddServices       []string `json:"add_services,omitempty"`
	RemoveServices    []string `json:"remove_services,omitempty"`
	Period            *string  `json:"period,omitempty"`
	CancelAtPeriodEnd *bool    `json:"cancel_at_period_end,omitempty"`
}

// POST /tenants/:tenant_id/subscription
func (s *Server) CreateSubscription(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errInvalidRequest)
		return
	}

	sub, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptionservice.CreateInput{
		TenantID:     tenantID,
		Period:       req.Period,
		ServiceCodes: req.Services,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, sub)
}

// GET /tenants/:tenant_id/subscription
func (s *Server) GetSubscription(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, sub)
}

// PATCH /tenants/:tenant_id/subscription
func (s *Server) UpdateSubscription(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req updateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errInvalidRequest)
		return
	}

	sub, err := s.subscriptionSvc.Update(c.Request.Context(), tenantID, subscriptionservice.UpdateInput{
		AddServices:       req.AddServices,
		RemoveServices:    req.RemoveServices,
		Period:            req.Period,
		CancelAtPeriodEnd: req.CancelAtPeriodEnd,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, sub)
}

// DELETE /tenants/:tenant_id/subscription/services/:code
func (s *Server) RemoveSubscriptionService(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.RemoveService(c.Request.Context(), tenantID, c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, sub)
}

// GET /admin/subscriptions
func (s *Server) ListSubscriptionSummaries(c *gin.Context) {
	rows, err := s.subscriptionSvc.ListAdminSummary(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, rows)
}

func tenantIDParam(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(c.Param("tenant_id"))
	if err != nil {
		return 0, tenantdomain.ErrTenantNotFound
	}
	return id, nil
}
