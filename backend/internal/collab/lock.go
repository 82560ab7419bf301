package collab

import (
	"sync"
	"time"

	"collabcore/backend/internal/event"
	"collabcore/backend/internal/log"
	"collabcore/backend/internal/metrics"
)

// Lock 文档的独占编辑锁
type Lock struct {
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	LockedAt   time.Time `json:"lockedAt"`
}

// LockManager 每个文档至多一个持有者；不做超时释放
type LockManager struct {
	mu    sync.Mutex
	locks map[string]Lock
	bc    event.Broadcaster
	now   func() time.Time
}

func NewLockManager(bc event.Broadcaster) *LockManager {
	if bc == nil {
		bc = event.Discard{}
	}
	return &LockManager{
		locks: make(map[string]Lock),
		bc:    bc,
		now:   time.Now,
	}
}

// Acquire 锁空闲或已被自己持有时返回 true
func (m *LockManager) Acquire(documentID, userID, userName string) bool {
	m.mu.Lock()
	cur, held := m.locks[documentID]
	if held && cur.UserID != userID {
		m.mu.Unlock()
		metrics.LockEventsTotal.WithLabelValues("acquire", "conflict").Inc()
		return false
	}
	now := m.now()
	if !held {
		m.locks[documentID] = Lock{DocumentID: documentID, UserID: userID, UserName: userName, LockedAt: now}
	}
	m.mu.Unlock()

	metrics.LockEventsTotal.WithLabelValues("acquire", "ok").Inc()
	m.emit(documentID, userID, userName, true, now)
	return true
}

// Release 持有者释放返回 true；没有锁时也返回 true；其他人持有时返回 false
func (m *LockManager) Release(documentID, userID, userName string) bool {
	m.mu.Lock()
	cur, held := m.locks[documentID]
	if held && cur.UserID != userID {
		m.mu.Unlock()
		metrics.LockEventsTotal.WithLabelValues("release", "conflict").Inc()
		return false
	}
	delete(m.locks, documentID)
	now := m.now()
	m.mu.Unlock()

	metrics.LockEventsTotal.WithLabelValues("release", "ok").Inc()
	m.emit(documentID, userID, userName, false, now)
	return true
}

// ForceRelease 管理员强制解锁，返回被解除的锁
func (m *LockManager) ForceRelease(documentID, actorID, actorName string) (Lock, bool) {
	m.mu.Lock()
	cur, held := m.locks[documentID]
	delete(m.locks, documentID)
	now := m.now()
	m.mu.Unlock()

	if !held {
		return Lock{}, false
	}
	logger := log.WithDocumentID(documentID)
	logger.Warn().
		Str("holder", cur.UserID).
		Str("actor", actorID).
		Msg("lock force released")
	metrics.LockEventsTotal.WithLabelValues("force_release", "ok").Inc()
	m.emit(documentID, actorID, actorName, false, now)
	return cur, true
}

func (m *LockManager) Holder(documentID string) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[documentID]
	return l, ok
}

// ReleaseHeld 只在 userID 当前持有锁时释放；没有锁或他人持有时什么也不做
func (m *LockManager) ReleaseHeld(documentID, userID, userName string) bool {
	m.mu.Lock()
	cur, held := m.locks[documentID]
	if !held || cur.UserID != userID {
		m.mu.Unlock()
		return false
	}
	delete(m.locks, documentID)
	now := m.now()
	m.mu.Unlock()

	metrics.LockEventsTotal.WithLabelValues("release", "ok").Inc()
	m.emit(documentID, userID, userName, false, now)
	return true
}

func (m *LockManager) emit(documentID, userID, userName string, locked bool, at time.Time) {
	m.bc.BroadcastToRoom(event.DocumentRoom(documentID), event.DocumentLock, event.LockPayload{
		UserID:     userID,
		UserName:   userName,
		DocumentID: documentID,
		Locked:     locked,
		Timestamp:  at,
	})
}
