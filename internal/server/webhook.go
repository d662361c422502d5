package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// POST /webhooks/payments
//
// Verified deliveries are always acknowledged with 200 so the gateway stops
// retrying; only unverifiable or unreadable payloads get a 400.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_payload"}})
		return
	}

	if err := s.ingestor.Ingest(c.Request.Context(), payload, c.Request.Header); err != nil {
		s.log.Warn("webhook rejected", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
