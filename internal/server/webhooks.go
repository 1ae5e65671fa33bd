package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleBillingWebhook ingests provider webhook deliveries. The signature is
// verified before anything is recorded; retries of applied events are
// acknowledged without reapplying.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if err := s.ingestor.HandleWebhook(c.Request.Context(), payload, signature); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
