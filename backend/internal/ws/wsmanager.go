package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/event"
	"collabcore/backend/internal/log"
	"collabcore/backend/internal/metrics"
	"collabcore/backend/internal/store"
)

type Options struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	// 每个连接每秒允许的入站帧数
	RateLimit float64
	RateBurst int
	// 提交编辑时等待全局信号量的上限
	SubmitTimeout time.Duration
	// 允许的 Origin 前缀；为空时只允许本地开发环境
	AllowedOrigins []string
}

func (o *Options) withDefaults() {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 50
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 100
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 200 * time.Millisecond
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
	}
}

// Manager 连接网关：升级连接、解码入站帧、分发到引擎/锁/在线状态，并在断线时清理
type Manager struct {
	hub      *Hub
	svc      collab.Service
	locks    *collab.LockManager
	presence *cache.Registry
	sem      *collab.SemaphoreControl

	upgrader websocket.Upgrader
	opts     Options
	logger   zerolog.Logger

	// mu 串行化会话注册与断线清理
	mu      sync.Mutex
	visited map[string]map[string]struct{} // userId -> 已断开连接加入过的文档
}

func NewManager(h *Hub, svc collab.Service, locks *collab.LockManager, presence *cache.Registry, sem *collab.SemaphoreControl, opts Options) *Manager {
	opts.withDefaults()
	m := &Manager{
		hub:      h,
		svc:      svc,
		locks:    locks,
		presence: presence,
		sem:      sem,
		opts:     opts,
		logger:   log.WithComponent("ws-gateway"),
		visited:  make(map[string]map[string]struct{}),
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opts.AllowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect 处理 /collab/ws；userId/username 由鉴权中间件写入
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	userName := c.GetString("username")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "UNAUTHORIZED"})
		return
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(wsConn, userID, userName, m.opts, m.logger)
	m.serve(context.WithoutCancel(c.Request.Context()), conn)
}

func (m *Manager) serve(ctx context.Context, conn *Conn) {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go conn.writeLoop()

	online := m.attach(ctx, conn)
	conn.reply(ServerMessage{Type: MsgWelcome, Data: WelcomeData{
		SocketID: conn.id,
		UserID:   conn.userID,
		UserName: conn.userName,
		Online:   online,
	}})
	conn.logger.Info().Msg("connected")

	// 阻塞至连接关闭
	conn.readLoop(ctx, m.dispatch)
	m.disconnect(ctx, conn)
}

// attach 注册会话、加入 global 房间并发布 online，返回当前在线列表。
// 与 disconnect 的清理互斥：清理期间新连上的会话要等清理结束后再发布 online。
func (m *Manager) attach(ctx context.Context, conn *Conn) []cache.UserPresence {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hub.Register(conn)
	m.hub.Join(event.GlobalRoom, conn)
	if _, err := m.presence.Update(ctx, cache.UserPresence{UserID: conn.userID, UserName: conn.userName, Status: cache.StatusOnline}); err != nil {
		conn.logger.Warn().Err(err).Msg("presence update on connect")
	}
	online, err := m.presence.ListOnline(ctx)
	if err != nil {
		conn.logger.Warn().Err(err).Msg("list online on connect")
	}
	return online
}

// disconnect 离开所有房间；用户没有其他连接时清理在线状态、光标，
// 并释放用户在加入过的文档上持有的锁
func (m *Manager) disconnect(ctx context.Context, conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := m.hub.Unregister(conn)
	conn.logger.Info().Int("rooms", len(rooms)).Msg("disconnected")

	// 同一用户多条连接时，先记下已关闭连接加入过的文档，最后一条断开时一起清理
	docs, ok := m.visited[conn.userID]
	if !ok {
		docs = make(map[string]struct{})
		m.visited[conn.userID] = docs
	}
	for _, room := range rooms {
		if docID, ok := event.DocumentIDFromRoom(room); ok {
			docs[docID] = struct{}{}
		}
	}
	if m.hub.UserSessions(conn.userID) > 0 {
		return
	}
	delete(m.visited, conn.userID)

	if err := m.presence.Remove(ctx, conn.userID, conn.userName); err != nil {
		conn.logger.Warn().Err(err).Msg("presence remove on disconnect")
	}
	for docID := range docs {
		if err := m.presence.RemoveCursor(ctx, conn.userID, docID); err != nil {
			conn.logger.Warn().Err(err).Str("document_id", docID).Msg("cursor remove on disconnect")
		}
		m.locks.ReleaseHeld(docID, conn.userID, conn.userName)
	}
}

func (m *Manager) dispatch(ctx context.Context, conn *Conn, msg ClientMessage) {
	var err error
	switch msg.Type {
	case MsgJoinDocument:
		err = m.handleJoin(ctx, conn, msg)
	case MsgLeaveDocument:
		err = m.handleLeave(ctx, conn, msg)
	case MsgDocumentEdit:
		err = m.handleEdit(ctx, conn, msg)
	case MsgCursorPosition, MsgTextSelection:
		err = m.handleCursor(ctx, conn, msg)
	case MsgDocumentLock:
		err = m.handleLock(conn, msg)
	case MsgUserPresence:
		err = m.handlePresence(ctx, conn, msg)
	case MsgHeartbeat:
		err = m.handleHeartbeat(ctx, conn, msg)
	case MsgSyncDocument:
		err = m.handleSync(ctx, conn, msg)
	default:
		conn.fail(msg.RequestID, "UNKNOWN_MESSAGE", "unknown message type "+msg.Type, nil)
		return
	}
	if err != nil {
		m.replyError(conn, msg, err)
	}
}

var errBadRequest = errors.New("INVALID_MESSAGE")

func (m *Manager) replyError(conn *Conn, msg ClientMessage, err error) {
	code := collab.ErrorCode(err)
	if errors.Is(err, errBadRequest) {
		code = errBadRequest.Error()
	}
	if errors.Is(err, collab.ErrAcquireTimeout) {
		code = "SERVER_BUSY"
	}
	if code == "INTERNAL_ERROR" {
		conn.logger.Error().Err(err).Str("type", msg.Type).Msg("handle message")
	}
	conn.fail(msg.RequestID, code, err.Error(), collab.ErrorDetails(err))
}

func decode(msg ClientMessage, v any) error {
	if len(msg.Data) == 0 {
		return errBadRequest
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func documentID(id string) error {
	if id == "" {
		return errors.Join(errBadRequest, errors.New("missing documentId"))
	}
	return nil
}

func (m *Manager) handleJoin(ctx context.Context, conn *Conn, msg ClientMessage) error {
	var ref DocumentRef
	if err := decode(msg, &ref); err != nil {
		return err
	}
	if err := documentID(ref.DocumentID); err != nil {
		return err
	}
	st, err := m.svc.Document(ctx, ref.DocumentID)
	switch {
	case errors.Is(err, collab.ErrNotFound):
		// 新文档：版本 0 的空内容，第一次编辑时创建
		st = store.DocumentState{DocumentID: ref.DocumentID}
		if l, ok := m.locks.Holder(ref.DocumentID); ok {
			at := l.LockedAt
			st.LockedBy, st.LockedAt = l.UserID, &at
		}
	case err != nil:
		return err
	}
	cursors, err := m.presence.ListCursors(ctx, ref.DocumentID)
	if err != nil {
		return err
	}
	m.hub.Join(event.DocumentRoom(ref.DocumentID), conn)
	conn.reply(ServerMessage{Type: MsgDocumentState, RequestID: msg.RequestID, Data: DocumentStateData{
		DocumentID: ref.DocumentID,
		Content:    st.Content,
		Version:    st.Version,
		LockedBy:   st.LockedBy,
		LockedAt:   st.LockedAt,
		Cursors:    cursors,
	}})
	return nil
}

func (m *Manager) handleLeave(ctx context.Context, conn *Conn, msg ClientMessage) error {
	var ref DocumentRef
	if err := decode(msg, &ref); err != nil {
		return err
	}
	if err := documentID(ref.DocumentID); err != nil {
		return err
	}
	m.hub.Leave(event.DocumentRoom(ref.DocumentID), conn)
	if err := m.presence.RemoveCursor(ctx, conn.userID, ref.DocumentID); err != nil {
		return err
	}
	conn.ack(msg.RequestID, ref)
	return nil
}

func (m *Manager) handleEdit(ctx context.Context, conn *Conn, msg ClientMessage) error {
	var cmd EditCommand
	if err := decode(msg, &cmd); err != nil {
		return err
	}
	if err := documentID(cmd.DocumentID); err != nil {
		return err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, m.opts.SubmitTimeout)
	defer cancel()
	if m.sem != nil {
		if err := m.sem.Acquire(acquireCtx); err != nil {
			return err
		}
		defer func() { _ = m.sem.Release() }()
	}

	res, err := m.svc.ApplyOperation(ctx, cmd.Operation(conn.userID, conn.userName))
	if err != nil {
		return err
	}
	conn.ack(msg.RequestID, EditAck{
		DocumentID:  res.DocumentID,
		OperationID: res.OperationID,
		Version:     res.Version,
		Operations:  res.Ops,
		Replayed:    res.Replayed,
	})
	return nil
}

func (m *Manager) handleCursor(ctx context.Context, conn *Conn, msg ClientMessage) error {
	var cmd CursorCommand
	if err := decode(msg, &cmd); err != nil {
		return err
	}
	if err := documentID(cmd.DocumentID); err != nil {
		return err
	}
	if msg.Type == MsgTextSelection && cmd.Selection == nil {
		return errors.Join(errBadRequest, errors.New("missing selection"))
	}
	if cmd.Position < 0 {
		return errors.Join(errBadRequest, errors.New("negative position"))
	}
	cur, err := m.presence.UpdateCursor(ctx, cache.CursorPosition{
		UserID:     conn.userID,
		UserName:   conn.userName,
		DocumentID: cmd.DocumentID,
		Position:   cmd.Position,
		Selection:  cmd.Selection,
		Color:      cmd.Color,
	})
	if err != nil {
		return err
	}
	if msg.RequestID != "" {
		conn.ack(msg.RequestID, cur)
	}
	return nil
}

func (m *Manager) handleLock(conn *Conn, msg ClientMessage) error {
	var cmd LockCommand
	if err := decode(msg, &cmd); err != nil {
		return err
	}
	if err := documentID(cmd.DocumentID); err != nil {
		return err
	}
	switch cmd.Action {
	case "lock":
		if !m.locks.Acquire(cmd.DocumentID, conn.userID, conn.userName) {
			return lockConflict(m.locks, cmd.DocumentID)
		}
	case "unlock":
		if !m.locks.Release(cmd.DocumentID, conn.userID, conn.userName) {
			return lockConflict(m.locks, cmd.DocumentID)
		}
	default:
		return errors.Join(errBadRequest, errors.New("action must be lock or unlock"))
	}
	l, locked := m.locks.Holder(cmd.DocumentID)
	conn.ack(msg.RequestID, gin.H{"documentId": cmd.DocumentID, "locked": locked, "lockedBy": l.UserID})
	return nil
}

func lockConflict(locks *collab.LockManager, documentID string) error {
	l, _ := locks.Holder(documentID)
	return &collab.LockConflictError{DocumentID: documentID, Holder: l.UserID, LockedAt: l.LockedAt}
}

func (m *Manager) handlePresence(ctx context.Context, conn *Conn, msg ClientMessage) error {
	var cmd PresenceCommand
	if err := decode(msg, &cmd); err != nil {
		return err
	}
	switch cmd.Status {
	case "", cache.StatusOnline, cache.StatusAway, cache.StatusOffline:
	default:
		return errors.Join(errBadRequest, errors.New("unknown status "+string(cmd.Status)))
	}
	p, err := m.presence.Update(ctx, cache.UserPresence{
		UserID:          conn.userID,
		UserName:        conn.userName,
		Status:          cmd.Status,
		CurrentPage:     cmd.CurrentPage,
		CurrentDocument: cmd.CurrentDocument,
		Metadata:        cmd.Metadata,
	})
	if err != nil {
		return err
	}
	if msg.RequestID != "" {
		conn.ack(msg.RequestID, p)
	}
	return nil
}

func (m *Manager) handleHeartbeat(ctx context.Context, conn *Conn, msg ClientMessage) error {
	p, err := m.presence.Touch(ctx, conn.userID, conn.userName)
	if err != nil {
		return err
	}
	conn.ack(msg.RequestID, gin.H{"serverTime": time.Now(), "lastSeen": p.LastSeen})
	return nil
}

func (m *Manager) handleSync(ctx context.Context, conn *Conn, msg ClientMessage) error {
	var cmd SyncCommand
	if err := decode(msg, &cmd); err != nil {
		return err
	}
	if err := documentID(cmd.DocumentID); err != nil {
		return err
	}
	recs, err := m.svc.OpsSince(ctx, cmd.DocumentID, cmd.FromVersion, cmd.Limit)
	if err != nil {
		return err
	}
	version, err := m.svc.CurrentVersion(ctx, cmd.DocumentID)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []store.OperationRecord{}
	}
	conn.ack(msg.RequestID, SyncAck{DocumentID: cmd.DocumentID, Version: version, Operations: recs})
	return nil
}
