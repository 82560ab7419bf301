package cache

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"collabcore/backend/internal/event"
	"collabcore/backend/internal/log"
)

const DefaultTTL = 5 * time.Minute

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

type UserPresence struct {
	UserID          string         `json:"userId"`
	UserName        string         `json:"userName"`
	Status          Status         `json:"status"`
	CurrentPage     string         `json:"currentPage,omitempty"`
	CurrentDocument string         `json:"currentDocument,omitempty"`
	LastSeen        time.Time      `json:"lastSeen"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type CursorPosition struct {
	UserID      string           `json:"userId"`
	UserName    string           `json:"userName"`
	DocumentID  string           `json:"documentId"`
	Position    int              `json:"position"`
	Selection   *event.Selection `json:"selection,omitempty"`
	Color       string           `json:"color,omitempty"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

// PresenceCache 存放带过期时间的在线状态与光标；过期条目读取时不可见，Sweep 负责真正删除
type PresenceCache interface {
	PutPresence(ctx context.Context, p UserPresence, expireAt time.Time) error
	GetPresence(ctx context.Context, userID string, now time.Time) (UserPresence, bool, error)
	DeletePresence(ctx context.Context, userID string) error
	AlivePresences(ctx context.Context, now time.Time) ([]UserPresence, error)

	PutCursor(ctx context.Context, c CursorPosition, expireAt time.Time) error
	DeleteCursor(ctx context.Context, documentID, userID string) error
	AliveCursors(ctx context.Context, documentID string, now time.Time) ([]CursorPosition, error)

	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Registry 在线状态与光标的入口：写入后向对应房间广播
type Registry struct {
	backend PresenceCache
	bc      event.Broadcaster
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

func NewRegistry(backend PresenceCache, bc event.Broadcaster, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if bc == nil {
		bc = event.Discard{}
	}
	return &Registry{
		backend: backend,
		bc:      bc,
		ttl:     ttl,
		now:     time.Now,
		logger:  log.WithComponent("presence"),
	}
}

// WithClock 替换时间来源，测试用
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) TTL() time.Duration { return r.ttl }

// Update 写入或刷新用户在线状态，并重置 TTL
func (r *Registry) Update(ctx context.Context, p UserPresence) (UserPresence, error) {
	if p.Status == "" {
		p.Status = StatusOnline
	}
	now := r.now()
	p.LastSeen = now
	if err := r.backend.PutPresence(ctx, p, now.Add(r.ttl)); err != nil {
		return UserPresence{}, err
	}
	r.bc.BroadcastToRoom(event.GlobalRoom, event.UserPresence, presencePayload(p, now))
	return p, nil
}

// Touch 心跳：保留已有字段，只刷新 lastSeen；没有记录时按 online 新建
func (r *Registry) Touch(ctx context.Context, userID, userName string) (UserPresence, error) {
	p, ok, err := r.backend.GetPresence(ctx, userID, r.now())
	if err != nil {
		return UserPresence{}, err
	}
	if !ok {
		p = UserPresence{UserID: userID, UserName: userName, Status: StatusOnline}
	}
	return r.Update(ctx, p)
}

func (r *Registry) Remove(ctx context.Context, userID, userName string) error {
	if err := r.backend.DeletePresence(ctx, userID); err != nil {
		return err
	}
	now := r.now()
	r.bc.BroadcastToRoom(event.GlobalRoom, event.UserPresence, event.PresencePayload{
		UserID:    userID,
		UserName:  userName,
		Status:    string(StatusOffline),
		Timestamp: now,
	})
	return nil
}

// ListOnline 返回 TTL 内活跃且状态不是 offline 的用户，按 userId 排序
func (r *Registry) ListOnline(ctx context.Context) ([]UserPresence, error) {
	all, err := r.backend.AlivePresences(ctx, r.now())
	if err != nil {
		return nil, err
	}
	out := make([]UserPresence, 0, len(all))
	for _, p := range all {
		if p.Status != StatusOffline {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// UpdateCursor 写入光标；带选区时额外广播 textSelection
func (r *Registry) UpdateCursor(ctx context.Context, c CursorPosition) (CursorPosition, error) {
	now := r.now()
	c.LastUpdated = now
	if err := r.backend.PutCursor(ctx, c, now.Add(r.ttl)); err != nil {
		return CursorPosition{}, err
	}
	room := event.DocumentRoom(c.DocumentID)
	r.bc.BroadcastToRoom(room, event.CursorPosition, event.CursorPayload{
		UserID:     c.UserID,
		UserName:   c.UserName,
		DocumentID: c.DocumentID,
		Position:   c.Position,
		Color:      c.Color,
		Timestamp:  now,
	})
	if c.Selection != nil {
		r.bc.BroadcastToRoom(room, event.TextSelection, event.SelectionPayload{
			UserID:     c.UserID,
			UserName:   c.UserName,
			DocumentID: c.DocumentID,
			Selection:  c.Selection,
			Color:      c.Color,
			Timestamp:  now,
		})
	}
	return c, nil
}

func (r *Registry) RemoveCursor(ctx context.Context, userID, documentID string) error {
	return r.backend.DeleteCursor(ctx, documentID, userID)
}

func (r *Registry) ListCursors(ctx context.Context, documentID string) ([]CursorPosition, error) {
	cs, err := r.backend.AliveCursors(ctx, documentID, r.now())
	if err != nil {
		return nil, err
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].UserID < cs[j].UserID })
	return cs, nil
}

func (r *Registry) Sweep(ctx context.Context) (int, error) {
	return r.backend.Sweep(ctx, r.now())
}

// RunSweeper 周期性清理过期条目，直到 ctx 结束
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Warn().Err(err).Msg("presence sweep failed")
				continue
			}
			if n > 0 {
				r.logger.Debug().Int("removed", n).Msg("presence sweep")
			}
		}
	}
}

func presencePayload(p UserPresence, now time.Time) event.PresencePayload {
	return event.PresencePayload{
		UserID:          p.UserID,
		UserName:        p.UserName,
		Status:          string(p.Status),
		CurrentPage:     p.CurrentPage,
		CurrentDocument: p.CurrentDocument,
		Timestamp:       now,
		Metadata:        p.Metadata,
	}
}
