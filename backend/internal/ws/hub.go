package ws

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"collabcore/backend/internal/event"
	"collabcore/backend/internal/log"
	"collabcore/backend/internal/metrics"
)

// Hub 房间路由：document-<id> 与 global
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
	// 每个连接加入的房间，断线时据此清理
	joined map[*Conn]map[string]struct{}
	users  map[string]map[*Conn]struct{}

	logger zerolog.Logger
}

var _ event.Broadcaster = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Conn]struct{}),
		joined: make(map[*Conn]map[string]struct{}),
		users:  make(map[string]map[*Conn]struct{}),
		logger: log.WithComponent("ws-hub"),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.joined[c]; !ok {
		h.joined[c] = make(map[string]struct{})
	}
	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
}

// Unregister 移除连接并离开所有房间，返回它之前所在的房间
func (h *Hub) Unregister(c *Conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := h.leaveAllLocked(c)
	delete(h.joined, c)
	if set, ok := h.users[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
	return rooms
}

func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	rs, ok := h.joined[c]
	if !ok {
		rs = make(map[string]struct{})
		h.joined[c] = rs
	}
	rs[room] = struct{}{}
}

func (h *Hub) Leave(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c)
}

func (h *Hub) LeaveAll(c *Conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveAllLocked(c)
}

func (h *Hub) leaveAllLocked(c *Conn) []string {
	rooms := make([]string, 0, len(h.joined[c]))
	for room := range h.joined[c] {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		h.leaveLocked(room, c)
	}
	return rooms
}

func (h *Hub) leaveLocked(room string, c *Conn) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rs, ok := h.joined[c]; ok {
		delete(rs, room)
	}
}

func (h *Hub) InRoom(room string, c *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// UserSessions 该用户当前的连接数
func (h *Hub) UserSessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// BroadcastToRoom 只编码一次；发送缓冲满的连接直接丢弃这条事件
func (h *Hub) BroadcastToRoom(room string, t event.Type, payload any) {
	frame, err := json.Marshal(ServerMessage{Type: string(t), Data: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("room", room).Str("type", string(t)).Msg("encode event")
		return
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			metrics.BroadcastDropped.WithLabelValues(string(t)).Inc()
		}
	}
}

// Broadcast 发给所有连接
func (h *Hub) Broadcast(t event.Type, payload any) {
	frame, err := json.Marshal(ServerMessage{Type: string(t), Data: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(t)).Msg("encode event")
		return
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.joined))
	for c := range h.joined {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			metrics.BroadcastDropped.WithLabelValues(string(t)).Inc()
		}
	}
}
