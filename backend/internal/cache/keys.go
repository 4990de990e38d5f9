package cache

import "fmt"

// 键语义：
// - roomKey(docID):       房间在线成员（ZSet<clientId, expireAtUnix>，score=expireAt）
// - namesKey(docID):      房间内 clientId→username 映射（Hash）
// - selectionsKey(docID): 房间内 clientId→选区 JSON（Hash）
// - scrollsKey(docID):    房间内 clientId→视口 JSON（Hash）
// - docsKey():            有人在线的文档索引（Set<docID>）

// 同一文档的键都带 {docID:xxx} 哈希标签，集群模式下落在同一个槽，Lua 脚本才能同时操作
const (
	keyRoomFmt       = "presence:room:{docID:%s}"
	keyNamesFmt      = "presence:room:names:{docID:%s}"
	keySelectionsFmt = "presence:room:selections:{docID:%s}"
	keyScrollsFmt    = "presence:room:scrolls:{docID:%s}"
	keyDocsSet       = "presence:docs"
)

func roomKey(docID string) string       { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string      { return fmt.Sprintf(keyNamesFmt, docID) }
func selectionsKey(docID string) string { return fmt.Sprintf(keySelectionsFmt, docID) }
func scrollsKey(docID string) string    { return fmt.Sprintf(keyScrollsFmt, docID) }
func docsKey() string                   { return keyDocsSet }

// snapshotKey(docID, hash): 内容指纹→快照 JSON（String），加入时按指纹查快照用
const keySnapshotFmt = "snapshot:{docID:%s}:%s"

func snapshotKey(docID, hash string) string { return fmt.Sprintf(keySnapshotFmt, docID, hash) }
