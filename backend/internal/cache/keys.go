package cache

import "fmt"

// 键语义：
// - usersKey():              在线用户（ZSet<userId, expireAtMillis>，score=expireAt）
// - usersDataKey():          userId→UserPresence JSON（Hash）
// - cursorsKey(docID):       文档内的光标（ZSet<userId, expireAtMillis>）
// - cursorsDataKey(docID):   userId→CursorPosition JSON（Hash）
// - cursorDocsKey():         有光标的文档索引（Set<docID>），Sweep 时遍历

const (
	keyUsers          = "presence:{users}"
	keyUsersData      = "presence:{users}:data"
	keyCursorsFmt     = "presence:cursors:{docID:%s}"
	keyCursorsDataFmt = "presence:cursors:data:{docID:%s}"
	keyCursorDocs     = "presence:cursor:docs"
)

func usersKey() string                   { return keyUsers }
func usersDataKey() string               { return keyUsersData }
func cursorsKey(docID string) string     { return fmt.Sprintf(keyCursorsFmt, docID) }
func cursorsDataKey(docID string) string { return fmt.Sprintf(keyCursorsDataFmt, docID) }
func cursorDocsKey() string              { return keyCursorDocs }
