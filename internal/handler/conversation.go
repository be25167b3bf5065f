package handler

import (
	"net/http"
	"strings"

	"marketplace-chat/internal/httputil"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/platform/middleware"
	"marketplace-chat/internal/storage/database/conversation"

	"github.com/gin-gonic/gin"
)

type createConversationRequest struct {
	RecipientID string                `json:"recipientId" binding:"max=100"`
	Context     *conversation.Context `json:"context"`
	Metadata    map[string]string     `json:"metadata" binding:"max=20"`
	Message     string                `json:"message"`
}

// CreateConversation POST /api/v1/conversations
func (h *Handler) CreateConversation(c *gin.Context) {
	if !available(c, h.convs != nil) {
		return
	}
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if req.RecipientID != "" {
		if err := middleware.ValidateUserID(req.RecipientID); err != nil {
			httputil.BadRequest(c, err.Error())
			return
		}
	}

	user := currentUser(c)
	res, err := h.convs.CreateOrGet(c.Request.Context(), messaging.CreateInput{
		InitiatorID:    user.ID,
		InitiatorName:  user.Name,
		RecipientID:    req.RecipientID,
		Context:        req.Context,
		Metadata:       req.Metadata,
		InitialMessage: middleware.SanitizeInput(req.Message),
	})
	if err != nil {
		httputil.RespondError(c, err)
		return
	}

	status := http.StatusCreated
	if res.IsExisting {
		status = http.StatusOK
	}
	httputil.Respond(c, status, gin.H{
		"conversation": messaging.Summarize(res.Conversation, user.ID),
		"message":      res.Message,
		"isExisting":   res.IsExisting,
	})
}

// ListConversations GET /api/v1/conversations?archived=bool
func (h *Handler) ListConversations(c *gin.Context) {
	if !available(c, h.convs != nil) {
		return
	}
	archived := strings.EqualFold(c.Query("archived"), "true")
	list, err := h.convs.List(c.Request.Context(), currentUser(c).ID, archived)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, list)
}

// GetConversation GET /api/v1/conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	if !available(c, h.convs != nil) {
		return
	}
	user := currentUser(c)
	conv, err := h.convs.Get(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, messaging.Summarize(conv, user.ID))
}

// UpdateSettings PATCH /api/v1/conversations/:id/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	if !available(c, h.convs != nil) {
		return
	}
	var settings messaging.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	user := currentUser(c)
	conv, err := h.convs.UpdateSettings(c.Request.Context(), c.Param("id"), user.ID, settings)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, messaging.Summarize(conv, user.ID))
}

// DeleteConversation DELETE /api/v1/conversations/:id，只對呼叫者封存
func (h *Handler) DeleteConversation(c *gin.Context) {
	if !available(c, h.convs != nil) {
		return
	}
	if err := h.convs.SoftDelete(c.Request.Context(), c.Param("id"), currentUser(c).ID); err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, gin.H{"archived": true})
}

// MarkConversationRead POST /api/v1/conversations/:id/read
func (h *Handler) MarkConversationRead(c *gin.Context) {
	if !available(c, h.convs != nil) {
		return
	}
	user := currentUser(c)
	conv, err := h.convs.MarkRead(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, messaging.Summarize(conv, user.ID))
}
