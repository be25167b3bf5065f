package httputil

import (
	"net/http"

	"marketplace-chat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// OK 回傳 200 成功回應
func OK(c *gin.Context, data interface{}) {
	Respond(c, http.StatusOK, data)
}

// Created 回傳 201 成功回應
func Created(c *gin.Context, data interface{}) {
	Respond(c, http.StatusCreated, data)
}

// Respond 成功回應: {success:true, data, request_id}
func Respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success":    true,
		"data":       data,
		"request_id": middleware.GetRequestID(c),
	})
}
