package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/docuply/backend/internal/orgcontext"
	"github.com/gin-gonic/gin"
)

const contextOrgIDKey = "org_id"

// OrgContext resolves the organization from the path and injects it into the
// request context so downstream logging carries the org ID.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := parseOrgID(c.Param("org_id"))
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}

		c.Set(contextOrgIDKey, orgID)
		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) orgID(c *gin.Context) snowflake.ID {
	if value, ok := c.Get(contextOrgIDKey); ok {
		if id, ok := value.(snowflake.ID); ok {
			return id
		}
	}
	return 0
}

func parseOrgID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, ErrInvalidRequest
	}
	return snowflake.ID(parsed), nil
}
