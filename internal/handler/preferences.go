package handler

import (
	"marketplace-chat/internal/httputil"

	"github.com/gin-gonic/gin"
)

// GetEmailPreference GET /api/v1/preferences/email
func (h *Handler) GetEmailPreference(c *gin.Context) {
	if !available(c, h.prefs != nil) {
		return
	}
	optedOut, err := h.prefs.EmailOptedOut(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	httputil.OK(c, gin.H{"optOut": optedOut})
}

// UpdateEmailPreference PUT /api/v1/preferences/email
func (h *Handler) UpdateEmailPreference(c *gin.Context) {
	if !available(c, h.prefs != nil) {
		return
	}
	var req struct {
		OptOut *bool `json:"optOut" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "缺少 optOut")
		return
	}

	if err := h.prefs.SetEmailOptOut(c.Request.Context(), currentUser(c).ID, *req.OptOut); err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	httputil.OK(c, gin.H{"optOut": *req.OptOut})
}
