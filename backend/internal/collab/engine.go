package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"collabcore/backend/internal/event"
	"collabcore/backend/internal/log"
	"collabcore/backend/internal/metrics"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
)

// Service 网关和 REST 层依赖的协作引擎接口
type Service interface {
	ApplyOperation(ctx context.Context, op ot.Operation) (AppliedOp, error)
	Document(ctx context.Context, documentID string) (store.DocumentState, error)
	CurrentVersion(ctx context.Context, documentID string) (uint64, error)
	OpsSince(ctx context.Context, documentID string, fromVersion uint64, limit int) ([]store.OperationRecord, error)
}

// AppliedOp 一次提交的结果；Replayed 表示重复提交，返回的是第一次的结果
type AppliedOp struct {
	DocumentID  string         `json:"documentId"`
	OperationID string         `json:"operationId"`
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName,omitempty"`
	BaseVersion uint64         `json:"baseVersion"`
	Version     uint64         `json:"version"`
	Ops         []ot.Operation `json:"operations"`
	AppliedAt   time.Time      `json:"appliedAt"`
	Replayed    bool           `json:"replayed"`
}

type Options struct {
	// 内存中保留的最近历史版本数，超出部分从存储读取
	HistorySize int
	// 每个文档记住的 operationId 数量
	DedupSize int
	// 每隔多少个版本保存一次快照，0 表示只在 Close/SaveSnapshot 时保存
	SnapshotEvery uint64
	// 存储写入失败后重试前的等待时间
	RetryDelay time.Duration
}

func (o *Options) withDefaults() {
	if o.HistorySize <= 0 {
		o.HistorySize = 512
	}
	if o.DedupSize <= 0 {
		o.DedupSize = 4096
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
}

type document struct {
	id string
	// 同一文档的提交按到达顺序串行执行，跨越存储写入
	q docQueue

	// mu 保护下面的字段；写入只发生在持有 q 时
	mu           sync.RWMutex
	buf          Buffer
	version      uint64
	ring         []store.OperationRecord
	persisted    bool
	lastSnapshot uint64
	updatedAt    time.Time

	applied *lru.Cache[string, AppliedOp]
}

type Engine struct {
	store store.DocumentStore
	locks *LockManager
	bc    event.Broadcaster
	sink  EventSink
	opts  Options

	mu    sync.RWMutex
	docs  map[string]*document
	loads singleflight.Group

	logger zerolog.Logger
	now    func() time.Time
}

var _ Service = (*Engine)(nil)

func NewEngine(st store.DocumentStore, locks *LockManager, bc event.Broadcaster, sink EventSink, opts Options) *Engine {
	opts.withDefaults()
	if bc == nil {
		bc = event.Discard{}
	}
	if locks == nil {
		locks = NewLockManager(bc)
	}
	return &Engine{
		store:  st,
		locks:  locks,
		bc:     bc,
		sink:   sink,
		opts:   opts,
		docs:   make(map[string]*document),
		logger: log.WithComponent("collab-engine"),
		now:    time.Now,
	}
}

func (e *Engine) Locks() *LockManager { return e.locks }

// ApplyOperation 校验、变换、持久化并广播一次编辑
func (e *Engine) ApplyOperation(ctx context.Context, op ot.Operation) (AppliedOp, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ApplyDuration)

	if err := op.Validate(); err != nil {
		metrics.OperationsTotal.WithLabelValues("invalid").Inc()
		return AppliedOp{}, err
	}
	d, err := e.doc(ctx, op.DocumentID)
	if err != nil {
		return AppliedOp{}, err
	}

	d.q.Lock()
	defer d.q.Unlock()

	res, err := e.apply(ctx, d, op)
	metrics.OperationsTotal.WithLabelValues(resultLabel(res, err)).Inc()
	return res, err
}

func (e *Engine) apply(ctx context.Context, d *document, op ot.Operation) (AppliedOp, error) {
	if prev, ok := d.applied.Get(op.OperationID); ok {
		prev.Replayed = true
		return prev, nil
	}
	// 缓存只覆盖最近的操作；快照之前或被淘汰的 operationId 到存储里查
	switch rec, err := e.store.FindOperation(context.WithoutCancel(ctx), d.id, op.OperationID); {
	case err == nil:
		prev := appliedFromRecord(rec)
		d.applied.Add(op.OperationID, prev)
		prev.Replayed = true
		return prev, nil
	case !errors.Is(err, store.ErrOperationNotFound):
		return AppliedOp{}, fmt.Errorf("%w: lookup operation: %v", ErrPersistence, err)
	}

	if l, held := e.locks.Holder(d.id); held && l.UserID != op.UserID {
		return AppliedOp{}, &LockConflictError{DocumentID: d.id, Holder: l.UserID, LockedAt: l.LockedAt}
	}

	// 只有持有 q 的提交会修改 version/buf/ring，这里直接读
	version := d.version
	if op.BaseVersion > version {
		return AppliedOp{}, &VersionConflictError{DocumentID: d.id, BaseVersion: op.BaseVersion, CurrentVersion: version}
	}

	history, err := e.historyBetween(ctx, d, op.BaseVersion, version)
	if err != nil {
		return AppliedOp{}, err
	}

	components := make([][]ot.Operation, len(history))
	lengthAtBase := d.buf.Len()
	for i, rec := range history {
		components[i] = rec.Ops
		lengthAtBase -= ot.LengthDelta(rec.Ops)
	}
	if err := ot.CheckBounds([]ot.Operation{op}, lengthAtBase); err != nil {
		return AppliedOp{}, err
	}

	rebased, err := ot.Rebase(op, components)
	if err != nil {
		return AppliedOp{}, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	if err := ot.CheckBounds(rebased, d.buf.Len()); err != nil {
		e.logger.Error().Err(err).
			Str("document_id", d.id).
			Str("operation_id", op.OperationID).
			Uint64("base_version", op.BaseVersion).
			Uint64("version", version).
			Msg("rebased operation out of bounds")
		return AppliedOp{}, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}

	next := version + 1
	now := e.now()
	rec := store.OperationRecord{
		DocumentID:  d.id,
		OperationID: op.OperationID,
		UserID:      op.UserID,
		UserName:    op.UserName,
		BaseVersion: op.BaseVersion,
		Version:     next,
		Ops:         rebased,
		AppliedAt:   now,
	}
	if err := e.persist(ctx, d.id, rec); err != nil {
		e.logger.Error().Err(err).
			Str("document_id", d.id).
			Str("operation_id", op.OperationID).
			Uint64("version", next).
			Msg("append operation failed")
		return AppliedOp{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	d.mu.Lock()
	for _, c := range rebased {
		if err := d.buf.Apply(c); err != nil {
			// 上面已经做过越界检查
			e.logger.Error().Err(err).Str("document_id", d.id).Msg("apply rebased component")
		}
	}
	d.version = next
	d.persisted = true
	d.updatedAt = now
	d.pushHistory(rec, e.opts.HistorySize)
	d.mu.Unlock()

	res := appliedFromRecord(rec)
	d.applied.Add(op.OperationID, res)

	// 在串行区内广播，保证同一文档的事件顺序与版本顺序一致
	var first *ot.Operation
	if len(rebased) > 0 {
		c := rebased[0]
		first = &c
	}
	e.bc.BroadcastToRoom(event.DocumentRoom(d.id), event.DocumentEdit, event.DocumentEditPayload{
		UserID:        op.UserID,
		UserName:      op.UserName,
		DocumentID:    d.id,
		OperationID:   op.OperationID,
		Operation:     first,
		Operations:    rebased,
		Version:       next,
		Timestamp:     now,
		ParentVersion: op.BaseVersion,
	})

	if e.sink != nil {
		e.sink.Enqueue(DocOpEvent{
			EventID:     uuid.NewString(),
			EventType:   EventOpApplied,
			DocumentID:  d.id,
			OperationID: op.OperationID,
			Version:     next,
			BaseVersion: op.BaseVersion,
			UserID:      op.UserID,
			UserName:    op.UserName,
			Ops:         rebased,
			AppliedAt:   now,
		})
	}

	if e.opts.SnapshotEvery > 0 && next-d.lastSnapshot >= e.opts.SnapshotEvery {
		if err := e.snapshot(ctx, d); err != nil {
			e.logger.Warn().Err(err).Str("document_id", d.id).Uint64("version", next).Msg("periodic snapshot failed")
		}
	}
	return res, nil
}

// persist 写入失败时重试一次；存储调用不受调用方取消的影响
func (e *Engine) persist(ctx context.Context, documentID string, rec store.OperationRecord) error {
	sctx := context.WithoutCancel(ctx)
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.RetryDelay), 1)
	return backoff.Retry(func() error {
		err := e.store.AppendOperation(sctx, documentID, rec, rec.Version)
		if errors.Is(err, store.ErrVersionExists) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// historyBetween 返回 (from, to] 之间的历史，优先使用内存中的环形缓冲
func (e *Engine) historyBetween(ctx context.Context, d *document, from, to uint64) ([]store.OperationRecord, error) {
	if from >= to {
		return nil, nil
	}
	d.mu.RLock()
	if n := len(d.ring); n > 0 && d.ring[0].Version <= from+1 && d.ring[n-1].Version == to {
		start := int(from + 1 - d.ring[0].Version)
		out := make([]store.OperationRecord, n-start)
		copy(out, d.ring[start:])
		d.mu.RUnlock()
		return out, nil
	}
	d.mu.RUnlock()

	recs, err := e.store.History(context.WithoutCancel(ctx), d.id, from)
	if err != nil {
		return nil, fmt.Errorf("%w: load history: %v", ErrUnresolvable, err)
	}
	out := make([]store.OperationRecord, 0, to-from)
	expect := from + 1
	for _, rec := range recs {
		if rec.Version > to {
			break
		}
		if rec.Version != expect {
			return nil, fmt.Errorf("%w: history gap at version %d", ErrUnresolvable, expect)
		}
		out = append(out, rec)
		expect++
	}
	if expect != to+1 {
		return nil, fmt.Errorf("%w: history gap at version %d", ErrUnresolvable, expect)
	}
	return out, nil
}

func (d *document) pushHistory(rec store.OperationRecord, size int) {
	d.ring = append(d.ring, rec)
	if len(d.ring) > size {
		d.ring = d.ring[len(d.ring)-size:]
	}
}

// doc 返回内存中的文档，第一次访问时从存储加载；并发的首次加载只读一次存储
func (e *Engine) doc(ctx context.Context, documentID string) (*document, error) {
	e.mu.RLock()
	d, ok := e.docs[documentID]
	e.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := e.loads.Do(documentID, func() (interface{}, error) {
		e.mu.RLock()
		d, ok := e.docs[documentID]
		e.mu.RUnlock()
		if ok {
			return d, nil
		}
		d, err := e.load(context.WithoutCancel(ctx), documentID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.docs[documentID] = d
		n := len(e.docs)
		e.mu.Unlock()
		metrics.DocumentsLoaded.Set(float64(n))
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*document), nil
}

// load 读取快照并回放其后的历史；都不存在时得到版本 0 的空文档
func (e *Engine) load(ctx context.Context, documentID string) (*document, error) {
	applied, err := lru.New[string, AppliedOp](e.opts.DedupSize)
	if err != nil {
		return nil, err
	}
	d := &document{id: documentID, applied: applied}

	snap, err := e.store.Load(ctx, documentID)
	switch {
	case err == nil:
		d.persisted = true
		d.version = snap.Version
		d.lastSnapshot = snap.Version
		d.updatedAt = snap.UpdatedAt
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	pt := NewPieceTable(snap.Content)

	recs, err := e.store.History(ctx, documentID, d.version)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", documentID, err)
	}
	for _, rec := range recs {
		if rec.Version != d.version+1 {
			return nil, fmt.Errorf("load history %s: %w: expected version %d, got %d",
				documentID, ErrUnresolvable, d.version+1, rec.Version)
		}
		for _, c := range rec.Ops {
			if err := pt.Apply(c); err != nil {
				return nil, fmt.Errorf("replay %s@%d: %w", documentID, rec.Version, err)
			}
		}
		d.version = rec.Version
		d.persisted = true
		d.updatedAt = rec.AppliedAt
		d.pushHistory(rec, e.opts.HistorySize)
		d.applied.Add(rec.OperationID, appliedFromRecord(rec))
	}
	d.buf = pt

	logger := log.WithDocumentID(documentID)
	logger.Debug().
		Uint64("snapshot_version", d.lastSnapshot).
		Uint64("version", d.version).
		Int("replayed", len(recs)).
		Msg("document loaded")
	return d, nil
}

// Document 返回文档当前状态；从未编辑过也没有快照的文档返回 ErrNotFound
func (e *Engine) Document(ctx context.Context, documentID string) (store.DocumentState, error) {
	d, err := e.doc(ctx, documentID)
	if err != nil {
		return store.DocumentState{}, err
	}
	d.mu.RLock()
	st := store.DocumentState{
		DocumentID: documentID,
		Content:    d.buf.String(),
		Version:    d.version,
		UpdatedAt:  d.updatedAt,
	}
	persisted := d.persisted
	d.mu.RUnlock()
	if !persisted {
		return store.DocumentState{}, ErrNotFound
	}
	if l, ok := e.locks.Holder(documentID); ok {
		at := l.LockedAt
		st.LockedBy = l.UserID
		st.LockedAt = &at
	}
	return st, nil
}

func (e *Engine) CurrentVersion(ctx context.Context, documentID string) (uint64, error) {
	d, err := e.doc(ctx, documentID)
	if err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version, nil
}

// OpsSince 返回 fromVersion 之后已应用的版本，用于断线重连后的追赶；limit<=0 表示不限
func (e *Engine) OpsSince(ctx context.Context, documentID string, fromVersion uint64, limit int) ([]store.OperationRecord, error) {
	d, err := e.doc(ctx, documentID)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	version := d.version
	d.mu.RUnlock()
	if fromVersion > version {
		return nil, &VersionConflictError{DocumentID: documentID, BaseVersion: fromVersion, CurrentVersion: version}
	}
	recs, err := e.historyBetween(ctx, d, fromVersion, version)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// SaveSnapshot 把文档当前内容写入存储
func (e *Engine) SaveSnapshot(ctx context.Context, documentID string) error {
	e.mu.RLock()
	d, ok := e.docs[documentID]
	e.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return e.snapshot(ctx, d)
}

func (e *Engine) snapshot(ctx context.Context, d *document) error {
	d.mu.RLock()
	st := store.DocumentState{
		DocumentID: d.id,
		Content:    d.buf.String(),
		Version:    d.version,
		UpdatedAt:  d.updatedAt,
	}
	dirty := d.persisted && d.version > d.lastSnapshot
	d.mu.RUnlock()
	if !dirty {
		return nil
	}
	if err := e.store.Save(context.WithoutCancel(ctx), d.id, st); err != nil {
		return err
	}
	d.mu.Lock()
	if st.Version > d.lastSnapshot {
		d.lastSnapshot = st.Version
	}
	d.mu.Unlock()
	return nil
}

// Close 为所有有未保存版本的文档写快照
func (e *Engine) Close(ctx context.Context) error {
	e.mu.RLock()
	docs := make([]*document, 0, len(e.docs))
	for _, d := range e.docs {
		docs = append(docs, d)
	}
	e.mu.RUnlock()

	var errs []error
	for _, d := range docs {
		if err := e.snapshot(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", d.id, err))
		}
	}
	return errors.Join(errs...)
}

func appliedFromRecord(rec store.OperationRecord) AppliedOp {
	return AppliedOp{
		DocumentID:  rec.DocumentID,
		OperationID: rec.OperationID,
		UserID:      rec.UserID,
		UserName:    rec.UserName,
		BaseVersion: rec.BaseVersion,
		Version:     rec.Version,
		Ops:         rec.Ops,
		AppliedAt:   rec.AppliedAt,
	}
}

func resultLabel(res AppliedOp, err error) string {
	var lockErr *LockConflictError
	var verErr *VersionConflictError
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "applied"
	case errors.As(err, &lockErr):
		return "lock_conflict"
	case errors.As(err, &verErr):
		return "version_conflict"
	case errors.Is(err, ot.ErrInvalidOperation):
		return "invalid"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "unresolvable"
	}
}
