package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TriggerBillingSync runs a reconciliation sweep on demand, outside the
// scheduled interval.
func (s *Server) TriggerBillingSync(c *gin.Context) {
	report, err := s.reconciler.SyncAll(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// DeleteOrganizationBilling tears down an organization's billing state on
// both sides. Usage records are kept for audit.
func (s *Server) DeleteOrganizationBilling(c *gin.Context) {
	if err := s.reconciler.DeleteOrganizationBilling(c.Request.Context(), s.orgID(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
