package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
)

// Handler WebSocket 之外的 REST 入口，语义与 ws 命令一致
type Handler struct {
	svc      collab.Service
	locks    *collab.LockManager
	presence *cache.Registry
	sem      *collab.SemaphoreControl
	// 等待提交信号量的上限
	submitTimeout time.Duration
}

func New(svc collab.Service, locks *collab.LockManager, presence *cache.Registry, sem *collab.SemaphoreControl) *Handler {
	return &Handler{svc: svc, locks: locks, presence: presence, sem: sem, submitTimeout: 2 * time.Second}
}

type operationRequest struct {
	DocumentID  string  `json:"documentId" binding:"required"`
	OperationID string  `json:"operationId" binding:"required"`
	Kind        ot.Kind `json:"type" binding:"required"`
	Position    int     `json:"position"`
	Text        string  `json:"text"`
	Length      int     `json:"length"`
	// 客户端当前看到的版本
	Version uint64 `json:"version"`
}

type documentResponse struct {
	store.DocumentState
	Cursors []cache.CursorPosition `json:"cursors"`
}

// GetDocument GET /collab/document?documentId=
func (h *Handler) GetDocument(c *gin.Context) {
	docID := documentIDFrom(c)
	if docID == "" {
		badRequest(c, "missing documentId")
		return
	}
	st, err := h.svc.Document(c.Request.Context(), docID)
	if err != nil {
		fail(c, err)
		return
	}
	cursors, err := h.presence.ListCursors(c.Request.Context(), docID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, documentResponse{DocumentState: st, Cursors: cursors})
}

// ApplyOperation POST /collab/document
func (h *Handler) ApplyOperation(c *gin.Context) {
	userID, username, _, authed := identity(c)
	if !authed {
		return
	}
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if h.sem != nil {
		acquireCtx, cancel := context.WithTimeout(c.Request.Context(), h.submitTimeout)
		defer cancel()
		if err := h.sem.Acquire(acquireCtx); err != nil {
			fail(c, err)
			return
		}
		defer func() { _ = h.sem.Release() }()
	}

	res, err := h.svc.ApplyOperation(c.Request.Context(), ot.Operation{
		OperationID: req.OperationID,
		DocumentID:  req.DocumentID,
		UserID:      userID,
		UserName:    username,
		Kind:        req.Kind,
		Position:    req.Position,
		Text:        req.Text,
		Length:      req.Length,
		BaseVersion: req.Version,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

// History GET /collab/document/history?documentId=&fromVersion=&limit=
func (h *Handler) History(c *gin.Context) {
	var q struct {
		DocumentID  string `form:"documentId" binding:"required"`
		FromVersion uint64 `form:"fromVersion"`
		Limit       int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}
	recs, err := h.svc.OpsSince(c.Request.Context(), q.DocumentID, q.FromVersion, q.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	if recs == nil {
		recs = []store.OperationRecord{}
	}
	ok(c, gin.H{"documentId": q.DocumentID, "operations": recs})
}
