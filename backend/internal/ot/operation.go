package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// ErrInvalidOperation 操作格式错误或位置越界（对应 400）
var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Operation 纯文本上的一次原子编辑；位置与长度均以字符（rune）计
type Operation struct {
	// 客户端生成，用于幂等去重
	OperationID string `json:"operationId"`
	DocumentID  string `json:"documentId"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName,omitempty"`
	Kind        Kind   `json:"type"`
	Position    int    `json:"position"`
	Text        string `json:"text,omitempty"`   // insert 的文本
	Length      int    `json:"length,omitempty"` // delete 的长度
	// 客户端编写该操作时看到的文档版本
	BaseVersion uint64 `json:"baseVersion"`
}

func Insert(pos int, text string) Operation {
	return Operation{Kind: KindInsert, Position: pos, Text: text}
}

func Delete(pos, length int) Operation {
	return Operation{Kind: KindDelete, Position: pos, Length: length}
}

// Size 返回操作影响的字符数
func (op Operation) Size() int {
	switch op.Kind {
	case KindInsert:
		return utf8.RuneCountInString(op.Text)
	case KindDelete:
		return op.Length
	}
	return 0
}

func (op Operation) String() string {
	switch op.Kind {
	case KindInsert:
		return fmt.Sprintf("insert(%d,%q)", op.Position, op.Text)
	case KindDelete:
		return fmt.Sprintf("delete(%d,%d)", op.Position, op.Length)
	}
	return fmt.Sprintf("unknown(%s)", op.Kind)
}

// Validate 只做形状校验；越界检查需要历史版本的文档长度，由调用方配合 CheckBounds 完成
func (op Operation) Validate() error {
	if op.OperationID == "" {
		return fmt.Errorf("%w: missing operationId", ErrInvalidOperation)
	}
	if op.DocumentID == "" {
		return fmt.Errorf("%w: missing documentId", ErrInvalidOperation)
	}
	if op.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidOperation)
	}
	return op.validateShape()
}

func (op Operation) validateShape() error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	switch op.Kind {
	case KindInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: insert without text", ErrInvalidOperation)
		}
		if op.Length != 0 {
			return fmt.Errorf("%w: insert must not carry length", ErrInvalidOperation)
		}
	case KindDelete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete length must be positive", ErrInvalidOperation)
		}
		if op.Text != "" {
			return fmt.Errorf("%w: delete must not carry text", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// CheckBounds 依次检查一组顺序执行的操作在长度为 length 的文档上是否越界
func CheckBounds(ops []Operation, length int) error {
	for _, op := range ops {
		if err := op.validateShape(); err != nil {
			return err
		}
		switch op.Kind {
		case KindInsert:
			if op.Position > length {
				return fmt.Errorf("%w: insert position %d beyond length %d", ErrInvalidOperation, op.Position, length)
			}
		case KindDelete:
			if op.Position+op.Length > length {
				return fmt.Errorf("%w: delete range [%d,%d) beyond length %d",
					ErrInvalidOperation, op.Position, op.Position+op.Length, length)
			}
		}
		length += LengthDelta([]Operation{op})
	}
	return nil
}

// LengthDelta 返回一组操作执行后文档长度的净变化
func LengthDelta(ops []Operation) int {
	n := 0
	for _, op := range ops {
		switch op.Kind {
		case KindInsert:
			n += op.Size()
		case KindDelete:
			n -= op.Length
		}
	}
	return n
}

// ApplyString 把一组操作应用到字符串上，主要用于测试和回放校验
func ApplyString(content string, ops []Operation) (string, error) {
	if err := CheckBounds(ops, utf8.RuneCountInString(content)); err != nil {
		return content, err
	}
	r := []rune(content)
	for _, op := range ops {
		switch op.Kind {
		case KindInsert:
			ins := []rune(op.Text)
			out := make([]rune, 0, len(r)+len(ins))
			out = append(out, r[:op.Position]...)
			out = append(out, ins...)
			r = append(out, r[op.Position:]...)
		case KindDelete:
			r = append(r[:op.Position], r[op.Position+op.Length:]...)
		}
	}
	return string(r), nil
}
