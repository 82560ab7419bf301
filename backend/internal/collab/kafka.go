package collab

import (
	"time"

	"collabcore/backend/internal/ot"
)

const EventOpApplied = "OP_APPLIED"

// DocOpEvent 每个成功应用的版本导出一条，供下游（审计、搜索索引）消费
type DocOpEvent struct {
	EventID     string         `json:"eventId"`
	EventType   string         `json:"eventType"` // 固定 "OP_APPLIED"
	DocumentID  string         `json:"documentId"`
	OperationID string         `json:"operationId"`
	Version     uint64         `json:"version"`
	BaseVersion uint64         `json:"baseVersion"`
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName,omitempty"`
	Ops         []ot.Operation `json:"ops"`
	AppliedAt   time.Time      `json:"appliedAt"`
}

// EventSink 引擎只依赖这个接口；未配置 Kafka 时为 nil
type EventSink interface {
	Enqueue(evt DocOpEvent) bool
}
