package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"collabcore/backend/internal/ot"
)

var (
	ErrNotFound = errors.New("DOCUMENT_NOT_FOUND")
	// 同一版本号已经写入了另一个操作
	ErrVersionExists = errors.New("VERSION_EXISTS")
	// 没有该 operationId 的历史记录
	ErrOperationNotFound = errors.New("OPERATION_NOT_FOUND")
)

// DocumentState 文档快照
type DocumentState struct {
	DocumentID string     `json:"documentId"`
	Content    string     `json:"content"`
	Version    uint64     `json:"version"`
	LockedBy   string     `json:"lockedBy,omitempty"`
	LockedAt   *time.Time `json:"lockedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// OperationRecord 历史中的一个版本：Ops 是变换后实际应用的操作（可能为空或被拆成两段）
type OperationRecord struct {
	DocumentID  string         `json:"documentId"`
	OperationID string         `json:"operationId"`
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName,omitempty"`
	BaseVersion uint64         `json:"baseVersion"`
	Version     uint64         `json:"version"`
	Ops         []ot.Operation `json:"ops"`
	AppliedAt   time.Time      `json:"appliedAt"`
}

// DocumentStore 文档快照与操作历史的持久化
type DocumentStore interface {
	// Load 返回最近一次保存的快照；没有时返回 ErrNotFound
	Load(ctx context.Context, documentID string) (DocumentState, error)
	Save(ctx context.Context, documentID string, state DocumentState) error
	// AppendOperation 写入版本 version 的操作；同一操作重复写入视为成功
	AppendOperation(ctx context.Context, documentID string, rec OperationRecord, version uint64) error
	// History 返回 version > sinceVersion 的记录，按版本升序
	History(ctx context.Context, documentID string, sinceVersion uint64) ([]OperationRecord, error)
	// FindOperation 按 operationId 查找已写入的记录；不存在时返回 ErrOperationNotFound
	FindOperation(ctx context.Context, documentID, operationID string) (OperationRecord, error)
}

// MemoryStore 进程内实现，用于测试和单机开发
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]DocumentState
	ops       map[string][]OperationRecord
	// documentID -> operationID -> version
	opIndex map[string]map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]DocumentState),
		ops:       make(map[string][]OperationRecord),
		opIndex:   make(map[string]map[string]uint64),
	}
}

func (s *MemoryStore) Load(ctx context.Context, documentID string) (DocumentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.snapshots[documentID]
	if !ok {
		return DocumentState{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) Save(ctx context.Context, documentID string, state DocumentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.snapshots[documentID]; ok && prev.Version > state.Version {
		return nil
	}
	state.DocumentID = documentID
	s.snapshots[documentID] = state
	return nil
}

func (s *MemoryStore) AppendOperation(ctx context.Context, documentID string, rec OperationRecord, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.DocumentID = documentID
	rec.Version = version
	list := s.ops[documentID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Version >= version })
	if i < len(list) && list[i].Version == version {
		if list[i].OperationID == rec.OperationID {
			return nil
		}
		return ErrVersionExists
	}
	list = append(list, OperationRecord{})
	copy(list[i+1:], list[i:])
	list[i] = rec
	s.ops[documentID] = list
	idx, ok := s.opIndex[documentID]
	if !ok {
		idx = make(map[string]uint64)
		s.opIndex[documentID] = idx
	}
	idx[rec.OperationID] = version
	return nil
}

func (s *MemoryStore) FindOperation(ctx context.Context, documentID, operationID string) (OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.opIndex[documentID][operationID]
	if !ok {
		return OperationRecord{}, ErrOperationNotFound
	}
	list := s.ops[documentID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Version >= version })
	if i == len(list) || list[i].Version != version {
		return OperationRecord{}, ErrOperationNotFound
	}
	return list[i], nil
}

func (s *MemoryStore) History(ctx context.Context, documentID string, sinceVersion uint64) ([]OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.ops[documentID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Version > sinceVersion })
	out := make([]OperationRecord, len(list)-i)
	copy(out, list[i:])
	return out, nil
}
