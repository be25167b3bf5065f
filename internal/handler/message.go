package handler

import (
	"strings"

	"marketplace-chat/internal/httputil"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

type sendMessageRequest struct {
	Content   string `json:"content" form:"content"`
	ReplyToID string `json:"replyToId" form:"replyToId" binding:"max=36"`
}

// ListMessages GET /api/v1/conversations/:id/messages?before=cursor&limit=n
func (h *Handler) ListMessages(c *gin.Context) {
	if !available(c, h.msgs != nil) {
		return
	}
	page, err := h.msgs.List(c.Request.Context(), c.Param("id"), currentUser(c).ID, c.Query("before"), queryInt(c, "limit"))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, page)
}

// SendMessage POST /api/v1/conversations/:id/messages，支援 JSON 與 multipart
func (h *Handler) SendMessage(c *gin.Context) {
	if !available(c, h.msgs != nil) {
		return
	}

	in := messaging.SendInput{
		ConversationID: c.Param("id"),
		SenderID:       currentUser(c).ID,
	}
	var req sendMessageRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBind(&req); err != nil {
			httputil.BadRequest(c, "無效的請求格式")
			return
		}
		form, err := c.MultipartForm()
		if err != nil {
			httputil.BadRequest(c, "無效的上傳內容")
			return
		}
		in.Files = multipartFiles(form)
	} else if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	in.Content = middleware.SanitizeInput(req.Content)
	in.ReplyToID = req.ReplyToID

	msg, err := h.msgs.Send(c.Request.Context(), in)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.Created(c, msg)
}

// GetMessage GET /api/v1/messages/:id，包含已刪除的訊息
func (h *Handler) GetMessage(c *gin.Context) {
	if !available(c, h.msgs != nil) {
		return
	}
	msg, err := h.msgs.Get(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, msg)
}

// EditMessage PATCH /api/v1/messages/:id
func (h *Handler) EditMessage(c *gin.Context) {
	if !available(c, h.msgs != nil) {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	msg, err := h.msgs.Edit(c.Request.Context(), c.Param("id"), currentUser(c).ID, middleware.SanitizeInput(req.Content))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, msg)
}

// DeleteMessage DELETE /api/v1/messages/:id
func (h *Handler) DeleteMessage(c *gin.Context) {
	if !available(c, h.msgs != nil) {
		return
	}
	deleted, err := h.msgs.SoftDelete(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, gin.H{"deleted": deleted})
}

// ToggleReaction POST /api/v1/messages/:id/reactions
func (h *Handler) ToggleReaction(c *gin.Context) {
	if !available(c, h.msgs != nil) {
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "缺少 emoji")
		return
	}

	msg, err := h.msgs.ToggleReaction(c.Request.Context(), c.Param("id"), currentUser(c).ID, req.Emoji)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, msg)
}
