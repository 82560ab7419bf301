package cache

import (
	"context"
	"sync"
	"time"
)

type expiring[T any] struct {
	val      T
	expireAt time.Time
}

// memoryPresence 单进程实现
type memoryPresence struct {
	mu      sync.RWMutex
	users   map[string]expiring[UserPresence]
	cursors map[string]map[string]expiring[CursorPosition] // docID -> userID -> cursor
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{
		users:   make(map[string]expiring[UserPresence]),
		cursors: make(map[string]map[string]expiring[CursorPosition]),
	}
}

func (m *memoryPresence) PutPresence(ctx context.Context, p UserPresence, expireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[p.UserID] = expiring[UserPresence]{val: p, expireAt: expireAt}
	return nil
}

func (m *memoryPresence) GetPresence(ctx context.Context, userID string, now time.Time) (UserPresence, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.users[userID]
	if !ok || !e.expireAt.After(now) {
		return UserPresence{}, false, nil
	}
	return e.val, true, nil
}

func (m *memoryPresence) DeletePresence(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
	return nil
}

func (m *memoryPresence) AlivePresences(ctx context.Context, now time.Time) ([]UserPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UserPresence, 0, len(m.users))
	for _, e := range m.users {
		if e.expireAt.After(now) {
			out = append(out, e.val)
		}
	}
	return out, nil
}

func (m *memoryPresence) PutCursor(ctx context.Context, c CursorPosition, expireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.cursors[c.DocumentID]
	if !ok {
		doc = make(map[string]expiring[CursorPosition])
		m.cursors[c.DocumentID] = doc
	}
	doc[c.UserID] = expiring[CursorPosition]{val: c, expireAt: expireAt}
	return nil
}

func (m *memoryPresence) DeleteCursor(ctx context.Context, documentID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.cursors[documentID]
	if !ok {
		return nil
	}
	delete(doc, userID)
	if len(doc) == 0 {
		delete(m.cursors, documentID)
	}
	return nil
}

func (m *memoryPresence) AliveCursors(ctx context.Context, documentID string, now time.Time) ([]CursorPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc := m.cursors[documentID]
	out := make([]CursorPosition, 0, len(doc))
	for _, e := range doc {
		if e.expireAt.After(now) {
			out = append(out, e.val)
		}
	}
	return out, nil
}

func (m *memoryPresence) Sweep(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.users {
		if !e.expireAt.After(now) {
			delete(m.users, id)
			removed++
		}
	}
	for docID, doc := range m.cursors {
		for uid, e := range doc {
			if !e.expireAt.After(now) {
				delete(doc, uid)
				removed++
			}
		}
		if len(doc) == 0 {
			delete(m.cursors, docID)
		}
	}
	return removed, nil
}
