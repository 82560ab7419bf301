package event

import (
	"strings"
	"time"

	"collabcore/backend/internal/ot"
)

type Type string

const (
	DocumentEdit   Type = "documentEdit"
	CursorPosition Type = "cursorPosition"
	TextSelection  Type = "textSelection"
	DocumentLock   Type = "documentLock"
	UserPresence   Type = "userPresence"
)

// GlobalRoom 所有连接默认加入的房间，在线状态在这里广播
const GlobalRoom = "global"

const documentRoomPrefix = "document-"

// DocumentRoom 文档房间名：document-<id>
func DocumentRoom(documentID string) string { return documentRoomPrefix + documentID }

// DocumentIDFromRoom 是 DocumentRoom 的逆操作；global 等非文档房间返回 false
func DocumentIDFromRoom(room string) (string, bool) {
	return strings.CutPrefix(room, documentRoomPrefix)
}

// Broadcaster 由 ws.Hub 实现；各组件只依赖这个端口，不关心传输层
type Broadcaster interface {
	BroadcastToRoom(room string, t Type, payload any)
	Broadcast(t Type, payload any)
}

type DocumentEditPayload struct {
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName"`
	DocumentID  string         `json:"documentId"`
	OperationID string         `json:"operationId"`
	Operation   *ot.Operation  `json:"operation"`
	Operations  []ot.Operation `json:"operations"`
	Version     uint64         `json:"version"`
	Timestamp   time.Time      `json:"timestamp"`
	// 客户端提交时的 baseVersion
	ParentVersion uint64 `json:"parentVersion"`
}

type CursorPayload struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	DocumentID string    `json:"documentId"`
	Position   int       `json:"position"`
	Color      string    `json:"color,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type SelectionPayload struct {
	UserID     string     `json:"userId"`
	UserName   string     `json:"userName"`
	DocumentID string     `json:"documentId"`
	Selection  *Selection `json:"selection"`
	Color      string     `json:"color,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

type LockPayload struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	DocumentID string    `json:"documentId"`
	Locked     bool      `json:"locked"`
	Timestamp  time.Time `json:"timestamp"`
}

type PresencePayload struct {
	UserID          string         `json:"userId"`
	UserName        string         `json:"userName"`
	Status          string         `json:"status"`
	CurrentPage     string         `json:"currentPage,omitempty"`
	CurrentDocument string         `json:"currentDocument,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Discard 丢弃所有事件，未接入 Hub 时使用
type Discard struct{}

func (Discard) BroadcastToRoom(string, Type, any) {}
func (Discard) Broadcast(Type, any)               {}
