package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetOrganization(c *gin.Context) {
	org, err := s.orgSvc.GetByID(c.Request.Context(), s.orgID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, org)
}
