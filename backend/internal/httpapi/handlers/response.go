package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/log"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
)

// Response 统一返回格式
type Response struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Error: "VALIDATION_ERROR", Details: map[string]any{"message": msg}})
}

// fail 按错误类型映射状态码
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ot.ErrInvalidOperation):
		status = http.StatusBadRequest
	case errors.Is(err, collab.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, collab.ErrLockConflict),
		errors.Is(err, collab.ErrVersionConflict),
		errors.Is(err, collab.ErrUnresolvable):
		status = http.StatusConflict
	case errors.Is(err, collab.ErrPersistence), errors.Is(err, collab.ErrAcquireTimeout):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error("request failed: "+c.FullPath(), err)
	}
	details := collab.ErrorDetails(err)
	if details == nil {
		details = map[string]any{"message": err.Error()}
	}
	c.JSON(status, Response{Error: collab.ErrorCode(err), Details: details})
}

// identity 读取鉴权中间件写入的身份
func identity(c *gin.Context) (userID, username string, isAdmin bool, okay bool) {
	userID = c.GetString("userId")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, Response{Error: "UNAUTHENTICATED"})
		return "", "", false, false
	}
	return userID, c.GetString("username"), c.GetString("role") == "admin", true
}

// documentIDFrom 兼容多种前端传参方式：?documentId= / ?docId= / Header: docid
func documentIDFrom(c *gin.Context) string {
	if id := c.Query("documentId"); id != "" {
		return id
	}
	if id := c.Query("docId"); id != "" {
		return id
	}
	return c.GetHeader("docid")
}
