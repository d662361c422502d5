package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
)

// GET /billing/confirm?token=...
func (s *Server) ConfirmPayment(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		AbortWithError(c, errInvalidRequest)
		return
	}

	sub, err := s.paymentSvc.ConfirmPaymentByToken(c.Request.Context(), token)
	if err != nil {
		s.metrics.Confirmations.WithLabelValues("token", "failure").Inc()
		AbortWithError(c, err)
		return
	}
	s.metrics.Confirmations.WithLabelValues("token", "success").Inc()
	respondData(c, sub)
}

// GET /billing/return-from-checkout?session_id=...
func (s *Server) ReturnFromCheckout(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		AbortWithError(c, errInvalidRequest)
		return
	}

	sub, err := s.paymentSvc.ConfirmGatewaySession(c.Request.Context(), sessionID)
	if err != nil {
		s.metrics.Confirmations.WithLabelValues("checkout", "failure").Inc()
		AbortWithError(c, err)
		return
	}
	s.metrics.Confirmations.WithLabelValues("checkout", "success").Inc()
	respondData(c, sub)
}

// GET /tenants/:tenant_id/billing/portal
func (s *Server) BillingPortal(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	url, err := s.paymentSvc.CreateBillingPortalSession(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{"url": url})
}

// POST /admin/payment-requests/:id/approve
func (s *Server) ApprovePaymentRequest(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, paymentdomain.ErrPaymentRequestNotFound)
		return
	}

	pr, err := s.paymentSvc.ApprovePaymentByAdmin(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, pr)
}
