package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Conn 一个 WebSocket 会话
type Conn struct {
	id       string
	ws       *websocket.Conn
	userID   string
	userName string

	// 已编码的出站帧；readLoop/Hub 只入队，writeLoop 负责写
	send chan []byte
	done chan struct{}

	limiter *rate.Limiter
	opts    Options
	logger  zerolog.Logger

	closeOnce   sync.Once
	connectedAt time.Time
	mu          sync.Mutex
	lastSeen    time.Time
}

func newConn(ws *websocket.Conn, userID, userName string, opts Options, logger zerolog.Logger) *Conn {
	now := time.Now()
	id := uuid.NewString()
	return &Conn{
		id:          id,
		ws:          ws,
		userID:      userID,
		userName:    userName,
		send:        make(chan []byte, opts.SendBuffer),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		opts:        opts,
		logger:      logger.With().Str("socket_id", id).Str("user_id", userID).Logger(),
		connectedAt: now,
		lastSeen:    now,
	}
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) UserID() string   { return c.userID }
func (c *Conn) UserName() string { return c.userName }

func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// enqueue 非阻塞入队；连接已关闭或缓冲已满时返回 false
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) reply(msg ServerMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msg.Type).Msg("encode reply")
		return
	}
	if !c.enqueue(b) {
		c.logger.Warn().Str("type", msg.Type).Msg("send buffer full, reply dropped")
	}
}

func (c *Conn) ack(requestID string, data any) {
	c.reply(ServerMessage{Type: MsgAck, RequestID: requestID, Data: data})
}

func (c *Conn) fail(requestID, code, message string, details map[string]any) {
	c.reply(ServerMessage{Type: MsgError, RequestID: requestID, Data: ErrorData{Code: code, Message: message, Details: details}})
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readLoop 阻塞直到连接断开；每个入站帧交给 handle
func (c *Conn) readLoop(ctx context.Context, handle func(context.Context, *Conn, ClientMessage)) {
	defer c.close()
	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		c.touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fail("", "INVALID_MESSAGE", "malformed frame", nil)
			continue
		}
		if !c.limiter.Allow() {
			c.fail(msg.RequestID, "RATE_LIMITED", "too many messages", nil)
			continue
		}
		handle(ctx, c, msg)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug().Err(err).Msg("write close")
			}
			return
		}
	}
}
