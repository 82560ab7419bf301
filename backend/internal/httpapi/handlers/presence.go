package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/event"
)

type cursorRequest struct {
	DocumentID string           `json:"documentId" binding:"required"`
	Position   int              `json:"position" binding:"min=0"`
	Selection  *event.Selection `json:"selection"`
	Color      string           `json:"color"`
}

type lockRequest struct {
	DocumentID string `json:"documentId" binding:"required"`
	Action     string `json:"action" binding:"required,oneof=lock unlock"`
	// 管理员强制解锁
	Force bool `json:"force"`
}

type presenceRequest struct {
	Status          cache.Status   `json:"status" binding:"omitempty,oneof=online away offline"`
	CurrentPage     string         `json:"currentPage"`
	CurrentDocument string         `json:"currentDocument"`
	Metadata        map[string]any `json:"metadata"`
}

// GetCursors GET /collab/cursor?documentId=
func (h *Handler) GetCursors(c *gin.Context) {
	docID := documentIDFrom(c)
	if docID == "" {
		badRequest(c, "missing documentId")
		return
	}
	cursors, err := h.presence.ListCursors(c.Request.Context(), docID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, cursors)
}

// UpdateCursor POST /collab/cursor
func (h *Handler) UpdateCursor(c *gin.Context) {
	userID, username, _, authed := identity(c)
	if !authed {
		return
	}
	var req cursorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	cur, err := h.presence.UpdateCursor(c.Request.Context(), cache.CursorPosition{
		UserID:     userID,
		UserName:   username,
		DocumentID: req.DocumentID,
		Position:   req.Position,
		Selection:  req.Selection,
		Color:      req.Color,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, cur)
}

// RemoveCursor DELETE /collab/cursor?documentId=
func (h *Handler) RemoveCursor(c *gin.Context) {
	userID, _, _, authed := identity(c)
	if !authed {
		return
	}
	docID := documentIDFrom(c)
	if docID == "" {
		badRequest(c, "missing documentId")
		return
	}
	if err := h.presence.RemoveCursor(c.Request.Context(), userID, docID); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"documentId": docID})
}

// Lock POST /collab/lock
func (h *Handler) Lock(c *gin.Context) {
	userID, username, isAdmin, authed := identity(c)
	if !authed {
		return
	}
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	switch {
	case req.Action == "lock":
		if !h.locks.Acquire(req.DocumentID, userID, username) {
			fail(c, h.conflict(req.DocumentID))
			return
		}
	case req.Force:
		if !isAdmin {
			c.JSON(http.StatusForbidden, Response{Error: "FORBIDDEN", Details: map[string]any{"message": "force unlock requires admin role"}})
			return
		}
		h.locks.ForceRelease(req.DocumentID, userID, username)
	default:
		if !h.locks.Release(req.DocumentID, userID, username) {
			fail(c, h.conflict(req.DocumentID))
			return
		}
	}

	l, locked := h.locks.Holder(req.DocumentID)
	data := gin.H{"documentId": req.DocumentID, "locked": locked}
	if locked {
		data["lockedBy"] = l.UserID
		data["lockedAt"] = l.LockedAt
	}
	ok(c, data)
}

func (h *Handler) conflict(documentID string) error {
	l, _ := h.locks.Holder(documentID)
	return &collab.LockConflictError{DocumentID: documentID, Holder: l.UserID, LockedAt: l.LockedAt}
}

// ListPresence GET /collab/presence
func (h *Handler) ListPresence(c *gin.Context) {
	online, err := h.presence.ListOnline(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, online)
}

// UpdatePresence POST /collab/presence；空 body 视为一次心跳
func (h *Handler) UpdatePresence(c *gin.Context) {
	userID, username, _, authed := identity(c)
	if !authed {
		return
	}
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	p, err := h.presence.Update(c.Request.Context(), cache.UserPresence{
		UserID:          userID,
		UserName:        username,
		Status:          req.Status,
		CurrentPage:     req.CurrentPage,
		CurrentDocument: req.CurrentDocument,
		Metadata:        req.Metadata,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, p)
}

// RemovePresence DELETE /collab/presence
func (h *Handler) RemovePresence(c *gin.Context) {
	userID, username, _, authed := identity(c)
	if !authed {
		return
	}
	if err := h.presence.Remove(c.Request.Context(), userID, username); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"userId": userID, "status": cache.StatusOffline})
}
