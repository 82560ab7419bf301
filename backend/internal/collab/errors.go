package collab

import (
	"errors"
	"fmt"
	"time"

	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
)

var (
	ErrNotFound        = errors.New("DOCUMENT_NOT_FOUND")
	ErrLockConflict    = errors.New("LOCK_CONFLICT")
	ErrVersionConflict = errors.New("VERSION_CONFLICT")
	// 历史缺失或变换后越界：该操作无法合并，引擎继续运行
	ErrUnresolvable = errors.New("VERSION_CONFLICT_UNRESOLVABLE")
	// 存储写入重试后仍失败，内存状态未改变
	ErrPersistence = errors.New("PERSISTENCE_FAILED")
)

// LockConflictError 文档被其他用户锁定
type LockConflictError struct {
	DocumentID string
	Holder     string
	LockedAt   time.Time
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("document %s is locked by %s", e.DocumentID, e.Holder)
}

func (e *LockConflictError) Unwrap() error { return ErrLockConflict }

// VersionConflictError 客户端的 baseVersion 超过了服务端版本
type VersionConflictError struct {
	DocumentID     string
	BaseVersion    uint64
	CurrentVersion uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("document %s: base version %d ahead of current version %d",
		e.DocumentID, e.BaseVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// ErrorCode 对外（ws/REST）使用的错误码
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ot.ErrInvalidOperation):
		return ot.ErrInvalidOperation.Error()
	case errors.Is(err, ErrLockConflict):
		return ErrLockConflict.Error()
	case errors.Is(err, ErrVersionConflict):
		return ErrVersionConflict.Error()
	case errors.Is(err, ErrUnresolvable):
		return ErrUnresolvable.Error()
	case errors.Is(err, ErrNotFound), errors.Is(err, store.ErrNotFound):
		return ErrNotFound.Error()
	case errors.Is(err, ErrPersistence):
		return ErrPersistence.Error()
	case errors.Is(err, ErrAcquireTimeout):
		return "SERVER_BUSY"
	}
	return "INTERNAL_ERROR"
}

// ErrorDetails 冲突错误附带的信息：锁持有者或当前版本
func ErrorDetails(err error) map[string]any {
	var lockErr *LockConflictError
	if errors.As(err, &lockErr) {
		return map[string]any{
			"documentId": lockErr.DocumentID,
			"lockedBy":   lockErr.Holder,
			"lockedAt":   lockErr.LockedAt,
		}
	}
	var verErr *VersionConflictError
	if errors.As(err, &verErr) {
		return map[string]any{
			"documentId":     verErr.DocumentID,
			"baseVersion":    verErr.BaseVersion,
			"currentVersion": verErr.CurrentVersion,
		}
	}
	return nil
}
