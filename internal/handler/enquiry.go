package handler

import (
	"marketplace-chat/internal/enquiry"
	"marketplace-chat/internal/httputil"
	"marketplace-chat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

type createEnquiryRequest struct {
	SupplierID   string `json:"supplierId" binding:"required,max=64"`
	Name         string `json:"name" binding:"required,max=255"`
	Email        string `json:"email" binding:"required,email,max=255"`
	Phone        string `json:"phone" binding:"max=64"`
	Subject      string `json:"subject" binding:"max=255"`
	Message      string `json:"message" binding:"required"`
	ListingID    string `json:"listingId" binding:"max=64"`
	CaptchaToken string `json:"captchaToken"`
}

// CreateEnquiry POST /api/v1/enquiries. 允許匿名，登入時以身分 ID 作為客戶.
func (h *Handler) CreateEnquiry(c *gin.Context) {
	if !available(c, h.enquiries != nil) {
		return
	}
	var req createEnquiryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "請確認供應商、姓名、電子郵件與訊息皆已填寫")
		return
	}

	in := enquiry.CreateInput{
		SupplierID:   req.SupplierID,
		Name:         middleware.SanitizeInput(req.Name),
		Email:        req.Email,
		Phone:        middleware.SanitizeInput(req.Phone),
		Subject:      middleware.SanitizeInput(req.Subject),
		Message:      middleware.SanitizeInput(req.Message),
		ListingID:    req.ListingID,
		CaptchaToken: req.CaptchaToken,
		RemoteIP:     middleware.GetClientIP(c),
	}
	if id, ok := middleware.CurrentIdentity(c); ok {
		in.CustomerID = id.ID
	}

	res, err := h.enquiries.CreateEnquiry(c.Request.Context(), in)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.Created(c, res)
}

// ListEnquiries GET /api/v1/enquiries
func (h *Handler) ListEnquiries(c *gin.Context) {
	if !available(c, h.enquiries != nil) {
		return
	}
	threads, err := h.enquiries.ListThreads(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, threads)
}

// ListEnquiryMessages GET /api/v1/enquiries/:id/messages
func (h *Handler) ListEnquiryMessages(c *gin.Context) {
	if !available(c, h.enquiries != nil) {
		return
	}
	messages, err := h.enquiries.GetThreadMessages(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, messages)
}

// ReplyEnquiry POST /api/v1/enquiries/:id/replies
func (h *Handler) ReplyEnquiry(c *gin.Context) {
	if !available(c, h.enquiries != nil) {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	user := currentUser(c)
	msg, err := h.enquiries.Reply(c.Request.Context(), enquiry.ReplyInput{
		ThreadID:   c.Param("id"),
		SenderID:   user.ID,
		SenderName: user.Name,
		Message:    middleware.SanitizeInput(req.Message),
	})
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.Created(c, msg)
}

// MarkEnquiryRead POST /api/v1/enquiries/:id/read
func (h *Handler) MarkEnquiryRead(c *gin.Context) {
	if !available(c, h.enquiries != nil) {
		return
	}
	thread, err := h.enquiries.MarkRead(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, thread)
}

// ArchiveEnquiry POST /api/v1/enquiries/:id/archive
func (h *Handler) ArchiveEnquiry(c *gin.Context) {
	if !available(c, h.enquiries != nil) {
		return
	}
	thread, err := h.enquiries.Archive(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	httputil.OK(c, thread)
}
