package ot

import "fmt"

// Transform 把 op 变换到 applied 之后执行，返回变换后的副本，原操作不会被修改。
//
// 删除区间内部被并发插入时，删除会拆成两段顺序执行的操作，保证插入的文本不被误删；
// 删除区间已被对方完全删掉时返回空切片（空操作）。
func Transform(op, applied Operation) ([]Operation, error) {
	if err := op.validateShape(); err != nil {
		return nil, err
	}
	if err := applied.validateShape(); err != nil {
		return nil, err
	}
	switch op.Kind {
	case KindInsert:
		switch applied.Kind {
		case KindInsert:
			return []Operation{insertAfterInsert(op, applied)}, nil
		case KindDelete:
			return []Operation{insertAfterDelete(op, applied)}, nil
		}
	case KindDelete:
		switch applied.Kind {
		case KindInsert:
			return deleteAfterInsert(op, applied), nil
		case KindDelete:
			return deleteAfterDelete(op, applied), nil
		}
	}
	return nil, fmt.Errorf("%w: cannot transform %s against %s", ErrInvalidOperation, op.Kind, applied.Kind)
}

// landsFirst 同一位置的两个插入谁先落地：userId 字典序小的在前，userId 相同再比 operationId。
// 所有副本必须使用相同的规则才能收敛。
func landsFirst(a, b Operation) bool {
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.OperationID < b.OperationID
}

func insertAfterInsert(op, applied Operation) Operation {
	if applied.Position < op.Position ||
		(applied.Position == op.Position && landsFirst(applied, op)) {
		op.Position += applied.Size()
	}
	return op
}

func insertAfterDelete(op, applied Operation) Operation {
	start, end := applied.Position, applied.Position+applied.Length
	switch {
	case op.Position <= start:
	case op.Position >= end:
		op.Position -= applied.Length
	default:
		// 引用的字符已经不存在，收缩到删除区间起点
		op.Position = start
	}
	return op
}

func deleteAfterInsert(op, applied Operation) []Operation {
	start, end := op.Position, op.Position+op.Length
	at, n := applied.Position, applied.Size()
	switch {
	case at <= start:
		op.Position += n
		return []Operation{op}
	case at >= end:
		return []Operation{op}
	}
	head := op
	head.Length = at - start
	tail := op
	// head 删除之后，插入的文本从 start 开始，剩余部分紧随其后
	tail.Position = start + n
	tail.Length = end - at
	return []Operation{head, tail}
}

func deleteAfterDelete(op, applied Operation) []Operation {
	s1, e1 := op.Position, op.Position+op.Length
	s2, e2 := applied.Position, applied.Position+applied.Length
	switch {
	case e1 <= s2:
		return []Operation{op}
	case s1 >= e2:
		op.Position -= applied.Length
		return []Operation{op}
	}
	overlap := min(e1, e2) - max(s1, s2)
	op.Length -= overlap
	if op.Length == 0 {
		return []Operation{}
	}
	op.Position = min(s1, s2)
	return []Operation{op}
}

// TransformLists 对两组顺序执行的操作做双向变换：
// 返回的 a' 在 b 之后执行、b' 在 a 之后执行，两条路径得到相同的文档。
func TransformLists(a, b []Operation) ([]Operation, []Operation, error) {
	if len(a) == 0 || len(b) == 0 {
		return clone(a), clone(b), nil
	}
	if len(a) == 1 && len(b) == 1 {
		ap, err := Transform(a[0], b[0])
		if err != nil {
			return nil, nil, err
		}
		bp, err := Transform(b[0], a[0])
		if err != nil {
			return nil, nil, err
		}
		return ap, bp, nil
	}
	if len(a) > 1 {
		head, b1, err := TransformLists(a[:1], b)
		if err != nil {
			return nil, nil, err
		}
		rest, b2, err := TransformLists(a[1:], b1)
		if err != nil {
			return nil, nil, err
		}
		return append(head, rest...), b2, nil
	}
	a1, bHead, err := TransformLists(a, b[:1])
	if err != nil {
		return nil, nil, err
	}
	a2, bRest, err := TransformLists(a1, b[1:])
	if err != nil {
		return nil, nil, err
	}
	return a2, append(bHead, bRest...), nil
}

// Rebase 把 op 依次变换过历史中的每个版本（按版本升序），返回可以直接作用在最新文档上的操作序列
func Rebase(op Operation, history [][]Operation) ([]Operation, error) {
	ops := []Operation{op}
	for _, applied := range history {
		next, _, err := TransformLists(ops, applied)
		if err != nil {
			return nil, err
		}
		ops = next
	}
	return ops, nil
}

func clone(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	copy(out, ops)
	return out
}
