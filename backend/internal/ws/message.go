package ws

import (
	"encoding/json"
	"time"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/event"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
)

// 客户端 → 服务端
const (
	MsgJoinDocument   = "joinDocument"
	MsgLeaveDocument  = "leaveDocument"
	MsgDocumentEdit   = string(event.DocumentEdit)
	MsgCursorPosition = string(event.CursorPosition)
	MsgTextSelection  = string(event.TextSelection)
	MsgDocumentLock   = string(event.DocumentLock)
	MsgUserPresence   = string(event.UserPresence)
	MsgHeartbeat      = "heartbeat"
	MsgSyncDocument   = "syncDocument"
)

// 服务端 → 客户端（另外还有 event.Type 的各种广播）
const (
	MsgWelcome       = "welcome"
	MsgDocumentState = "documentState"
	MsgAck           = "ack"
	MsgError         = "error"
)

// ClientMessage 入站帧：data 按 type 解码成具体命令
type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ServerMessage 出站帧；广播事件不带 requestId
type ServerMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type DocumentRef struct {
	DocumentID string `json:"documentId"`
}

// EditCommand 编辑命令；userId/userName 以连接身份为准
type EditCommand struct {
	DocumentID  string  `json:"documentId"`
	OperationID string  `json:"operationId"`
	Kind        ot.Kind `json:"type"`
	Position    int     `json:"position"`
	Text        string  `json:"text,omitempty"`
	Length      int     `json:"length,omitempty"`
	// 客户端当前看到的版本
	Version uint64 `json:"version"`
}

type CursorCommand struct {
	DocumentID string           `json:"documentId"`
	Position   int              `json:"position"`
	Selection  *event.Selection `json:"selection,omitempty"`
	Color      string           `json:"color,omitempty"`
}

type LockCommand struct {
	DocumentID string `json:"documentId"`
	// lock / unlock
	Action string `json:"action"`
}

type PresenceCommand struct {
	Status          cache.Status   `json:"status"`
	CurrentPage     string         `json:"currentPage,omitempty"`
	CurrentDocument string         `json:"currentDocument,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type SyncCommand struct {
	DocumentID  string `json:"documentId"`
	FromVersion uint64 `json:"fromVersion"`
	Limit       int    `json:"limit,omitempty"`
}

type ErrorData struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type WelcomeData struct {
	SocketID string               `json:"socketId"`
	UserID   string               `json:"userId"`
	UserName string               `json:"userName"`
	Online   []cache.UserPresence `json:"online"`
}

type DocumentStateData struct {
	DocumentID string                 `json:"documentId"`
	Content    string                 `json:"content"`
	Version    uint64                 `json:"version"`
	LockedBy   string                 `json:"lockedBy,omitempty"`
	LockedAt   *time.Time             `json:"lockedAt,omitempty"`
	Cursors    []cache.CursorPosition `json:"cursors"`
}

type EditAck struct {
	DocumentID  string         `json:"documentId"`
	OperationID string         `json:"operationId"`
	Version     uint64         `json:"version"`
	Operations  []ot.Operation `json:"operations"`
	Replayed    bool           `json:"replayed,omitempty"`
}

type SyncAck struct {
	DocumentID string                  `json:"documentId"`
	Version    uint64                  `json:"version"`
	Operations []store.OperationRecord `json:"operations"`
}

func (c EditCommand) Operation(userID, userName string) ot.Operation {
	return ot.Operation{
		OperationID: c.OperationID,
		DocumentID:  c.DocumentID,
		UserID:      userID,
		UserName:    userName,
		Kind:        c.Kind,
		Position:    c.Position,
		Text:        c.Text,
		Length:      c.Length,
		BaseVersion: c.Version,
	}
}
