package collab

import (
	"collabcore/backend/internal/ot"
)

// Buffer 文档正文；长度和位置都以字符（rune）计。
// Apply 只接受已经变换到当前版本、且通过边界检查的单个组件。
type Buffer interface {
	Len() int
	Apply(op ot.Operation) error
	String() string
}

/*
PieceTable 示例：正文 "abcdef"

	pieces: [orig 0..6]

Insert(pos=2, "XY")：新文本追加到 add 缓冲，原 piece 在 2 处拆开

	pieces: [orig 0..2][add 0..2][orig 2..6]    => "abXYcdef"

Delete(pos=1, len=2)：只裁剪 piece，不移动底层文本

	pieces: [orig 0..1][add 1..2][orig 2..6]    => "aYcdef"
*/
