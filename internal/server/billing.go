package server

import (
	"net/http"
	"strings"

	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/gin-gonic/gin"
)

type grantCreditsRequest struct {
	Credits int64 `json:"credits"`
}

// GrantCredits adds promotional or support credits to the granted pool.
func (s *Server) GrantCredits(c *gin.Context) {
	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.billingSvc.AddGrantedCredits(c.Request.Context(), s.orgID(c), req.Credits); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "credits": req.Credits})
}

func (s *Server) GetSubscription(c *gin.Context) {
	info, err := s.billingSvc.GetSubscriptionInfo(c.Request.Context(), s.orgID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

type activateSubscriptionRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) ActivateSubscription(c *gin.Context) {
	var req activateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	info, err := s.billingSvc.ActivateSubscription(c.Request.Context(), s.orgID(c), billingdomain.Tier(strings.TrimSpace(req.Tier)))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	if err := s.billingSvc.CancelSubscription(c.Request.Context(), s.orgID(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type checkoutRequest struct {
	Mode    string `json:"mode"`
	Tier    string `json:"tier"`
	Credits int64  `json:"credits"`
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	session, err := s.billingSvc.CreateCheckoutSession(c.Request.Context(), billingdomain.CheckoutRequest{
		OrgID:   s.orgID(c),
		Mode:    billingdomain.CheckoutMode(strings.TrimSpace(req.Mode)),
		Tier:    billingdomain.Tier(strings.TrimSpace(req.Tier)),
		Credits: req.Credits,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

func (s *Server) CreatePortalSession(c *gin.Context) {
	url, err := s.billingSvc.CreatePortalSession(c.Request.Context(), s.orgID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}
