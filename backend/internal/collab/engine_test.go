package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcore/backend/internal/event"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
)

type sent struct {
	Room    string
	Type    event.Type
	Payload any
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) BroadcastToRoom(room string, t event.Type, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{Room: room, Type: t, Payload: payload})
}

func (r *recorder) Broadcast(t event.Type, payload any) {
	r.BroadcastToRoom("*", t, payload)
}

func (r *recorder) ofType(t event.Type) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// flakyStore 让 AppendOperation 失败指定次数
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) AppendOperation(ctx context.Context, id string, rec store.OperationRecord, version uint64) error {
	s.mu.Lock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.AppendOperation(ctx, id, rec, version)
}

type sinkFunc func(DocOpEvent) bool

func (f sinkFunc) Enqueue(evt DocOpEvent) bool { return f(evt) }

func newTestEngine(t *testing.T, st store.DocumentStore) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := NewEngine(st, NewLockManager(rec), rec, nil, Options{HistorySize: 4})
	return e, rec
}

func insertOp(id, user string, base uint64, pos int, text string) ot.Operation {
	op := ot.Insert(pos, text)
	op.OperationID = id
	op.DocumentID = "doc1"
	op.UserID = user
	op.UserName = "user-" + user
	op.BaseVersion = base
	return op
}

func deleteOp(id, user string, base uint64, pos, n int) ot.Operation {
	op := ot.Delete(pos, n)
	op.OperationID = id
	op.DocumentID = "doc1"
	op.UserID = user
	op.BaseVersion = base
	return op
}

func TestEngine_ConcurrentInsertScenario(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, store.NewMemoryStore())

	res, err := e.ApplyOperation(ctx, insertOp("a1", "A", 0, 0, "Hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)

	res, err = e.ApplyOperation(ctx, insertOp("b1", "B", 0, 0, "Hi "))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, 5, res.Ops[0].Position)

	doc, err := e.Document(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "HelloHi ", doc.Content)
	assert.Equal(t, uint64(2), doc.Version)

	edits := rec.ofType(event.DocumentEdit)
	require.Len(t, edits, 2)
	assert.Equal(t, "document-doc1", edits[1].Room)
	p := edits[1].Payload.(event.DocumentEditPayload)
	assert.Equal(t, uint64(2), p.Version)
	assert.Equal(t, uint64(0), p.ParentVersion)
	assert.Equal(t, 5, p.Operation.Position)
}

func TestEngine_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestEngine(t, store.NewMemoryStore())

	op := insertOp("a1", "A", 0, 0, "Hello")
	first, err := e.ApplyOperation(ctx, op)
	require.NoError(t, err)

	again, err := e.ApplyOperation(ctx, op)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Version, again.Version)

	v, err := e.CurrentVersion(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.Len(t, rec.ofType(event.DocumentEdit), 1)
}

func TestEngine_ReplayAfterRestartPastSnapshot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e1 := NewEngine(st, nil, nil, nil, Options{SnapshotEvery: 1})

	op := insertOp("o1", "A", 0, 0, "Hello")
	first, err := e1.ApplyOperation(ctx, op)
	require.NoError(t, err)
	snap, err := st.Load(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Version)

	// 新进程从快照加载，o1 不在回放的历史里
	e2 := NewEngine(st, nil, nil, nil, Options{SnapshotEvery: 1})
	again, err := e2.ApplyOperation(ctx, op)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Version, again.Version)

	doc, err := e2.Document(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", doc.Content)
	assert.Equal(t, uint64(1), doc.Version)
}

func TestEngine_ReplayAfterDedupEviction(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(store.NewMemoryStore(), nil, nil, nil, Options{DedupSize: 2})

	for i, id := range []string{"o1", "o2", "o3"} {
		_, err := e.ApplyOperation(ctx, insertOp(id, "A", uint64(i), i, "x"))
		require.NoError(t, err)
	}

	again, err := e.ApplyOperation(ctx, insertOp("o1", "A", 0, 0, "x"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, uint64(1), again.Version)

	v, err := e.CurrentVersion(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestEngine_LockConflict(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, store.NewMemoryStore())

	_, err := e.ApplyOperation(ctx, insertOp("a1", "A", 0, 0, "abc"))
	require.NoError(t, err)
	require.True(t, e.Locks().Acquire("doc1", "A", "user-A"))

	_, err = e.ApplyOperation(ctx, insertOp("b1", "B", 1, 0, "x"))
	var lockErr *LockConflictError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "A", lockErr.Holder)
	assert.ErrorIs(t, err, ErrLockConflict)

	// 持有者本人可以继续编辑
	_, err = e.ApplyOperation(ctx, insertOp("a2", "A", 1, 3, "d"))
	require.NoError(t, err)

	doc, err := e.Document(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "abcd", doc.Content)
	assert.Equal(t, "A", doc.LockedBy)
	require.NotNil(t, doc.LockedAt)
}

func TestEngine_VersionAhead(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, store.NewMemoryStore())

	_, err := e.ApplyOperation(ctx, insertOp("a1", "A", 3, 0, "x"))
	var verErr *VersionConflictError
	require.ErrorAs(t, err, &verErr)
	assert.Equal(t, uint64(0), verErr.CurrentVersion)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestEngine_InvalidOperation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, store.NewMemoryStore())

	_, err := e.ApplyOperation(ctx, insertOp("a1", "A", 0, 0, "abc"))
	require.NoError(t, err)

	tests := []struct {
		name string
		op   ot.Operation
	}{
		{"insert beyond end", insertOp("x1", "A", 1, 4, "z")},
		{"delete beyond end", deleteOp("x2", "A", 1, 2, 2)},
		{"empty insert", insertOp("x3", "A", 1, 0, "")},
		{"missing operation id", insertOp("", "A", 1, 0, "z")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ApplyOperation(ctx, tt.op)
			assert.ErrorIs(t, err, ot.ErrInvalidOperation)
		})
	}

	v, err := e.CurrentVersion(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestEngine_BoundsCheckedAgainstBaseVersion(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, store.NewMemoryStore())

	_, err := e.ApplyOperation(ctx, insertOp("a1", "A", 0, 0, "abc"))
	require.NoError(t, err)
	_, err = e.ApplyOperation(ctx, insertOp("a2", "A", 1, 3, "defgh"))
	require.NoError(t, err)

	// 版本 1 时文档只有 3 个字符，位置 5 在那时越界
	_, err = e.ApplyOperation(ctx, insertOp("b1", "B", 1, 5, "x"))
	assert.ErrorIs(t, err, ot.ErrInvalidOperation)

	// 版本 1 的末尾插入会被放到 a2 之后
	_, err = e.ApplyOperation(ctx, insertOp("b2", "B", 1, 3, "!"))
	require.NoError(t, err)
	doc, err := e.Document(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh!", doc.Content)
}

func TestEngine_PersistenceRetry(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 1}
	e, _ := newTestEngine(t, st)

	res, err := e.ApplyOperation(ctx, insertOp("a1", "A", 0, 0, "abc"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, 2, st.calls)
}

func TestEngine_PersistenceFailureLeavesState(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	e, rec := newTestEngine(t, st)

	_, err := e.ApplyOperation(ctx, insertOp("a1", "A", 0, 0, "abc"))
	require.NoError(t, err)

	st.mu.Lock()
	st.failures = 2
	st.mu.Unlock()

	_, err = e.ApplyOperation(ctx, insertOp("a2", "A", 1, 3, "def"))
	require.ErrorIs(t, err, ErrPersistence)

	doc, err := e.Document(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.Content)
	assert.Equal(t, uint64(1), doc.Version)
	assert.Len(t, rec.ofType(event.DocumentEdit), 1)

	// 同一个 operationId 在存储恢复后可以重新提交
	res, err := e.ApplyOperation(ctx, insertOp("a2", "A", 1, 3, "def"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, uint64(2), res.Version)
}

func TestEngine_MonotonicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var exported []uint64
	rec := &recorder{}
	e := NewEngine(store.NewMemoryStore(), nil, rec, sinkFunc(func(evt DocOpEvent) bool {
		mu.Lock()
		exported = append(exported, evt.Version)
		mu.Unlock()
		return true
	}), Options{HistorySize: 8})

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				op := insertOp(fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf("user%d", w), 0, 0, "x")
				_, err := e.ApplyOperation(ctx, op)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	doc, err := e.Document(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*perWriter), doc.Version)
	assert.Len(t, []rune(doc.Content), writers*perWriter)

	// 广播顺序与版本顺序一致，且没有跳号
	edits := rec.ofType(event.DocumentEdit)
	require.Len(t, edits, writers*perWriter)
	for i, ev := range edits {
		assert.Equal(t, uint64(i+1), ev.Payload.(event.DocumentEditPayload).Version)
	}
	assert.Len(t, exported, writers*perWriter)
}

func TestEngine_LazyLoadReplaysHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	first, _ := newTestEngine(t, st)
	_, err := first.ApplyOperation(ctx, insertOp("a1", "A", 0, 0, "Hello"))
	require.NoError(t, err)
	require.NoError(t, first.SaveSnapshot(ctx, "doc1"))
	_, err = first.ApplyOperation(ctx, insertOp("a2", "A", 1, 5, " world"))
	require.NoError(t, err)
	_, err = first.ApplyOperation(ctx, deleteOp("a3", "A", 2, 0, 1))
	require.NoError(t, err)

	second, _ := newTestEngine(t, st)
	doc, err := second.Document(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "ello world", doc.Content)
	assert.Equal(t, uint64(3), doc.Version)

	// 历史中的 operationId 也能去重
	res, err := second.ApplyOperation(ctx, insertOp("a2", "A", 1, 5, " world"))
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, uint64(2), res.Version)

	// 基于快照之前版本的编辑需要从存储读取历史
	res, err = second.ApplyOperation(ctx, insertOp("b1", "B", 0, 0, "!"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Version)
	doc, err = second.Document(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "ello world!", doc.Content)
}

func TestEngine_HistoryBeyondRing(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, store.NewMemoryStore())

	for i := 0; i < 10; i++ {
		_, err := e.ApplyOperation(ctx, insertOp(fmt.Sprintf("a%d", i), "A", uint64(i), i, "a"))
		require.NoError(t, err)
	}
	// ring 只保留 4 个版本，base 0 需要回退到存储
	res, err := e.ApplyOperation(ctx, insertOp("b1", "B", 0, 0, "b"))
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, 10, res.Ops[0].Position)

	recs, err := e.OpsSince(ctx, "doc1", 2, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(3), recs[0].Version)
	assert.Equal(t, uint64(5), recs[2].Version)

	_, err = e.OpsSince(ctx, "doc1", 99, 0)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestEngine_DocumentNotFound(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemoryStore())
	_, err := e.Document(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_PeriodicSnapshotAndClose(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := NewEngine(st, nil, nil, nil, Options{SnapshotEvery: 2})

	_, err := e.ApplyOperation(ctx, insertOp("a1", "A", 0, 0, "a"))
	require.NoError(t, err)
	_, err = st.Load(ctx, "doc1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.ApplyOperation(ctx, insertOp("a2", "A", 1, 1, "b"))
	require.NoError(t, err)
	snap, err := st.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, "ab", snap.Content)

	_, err = e.ApplyOperation(ctx, insertOp("a3", "A", 2, 2, "c"))
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))
	snap, err = st.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.Content)
}
