package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):   会话在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID):  会话内 userId→username 映射（Hash）
// - sessionsKey():        有在线成员的会话索引（Set<sessionID>）

const (
	keyRoomFmt     = "presence:session:{%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt    = "presence:session:names:{%s}" // Hash<userId -> username>
	keySessionsSet = "presence:sessions"           // Set<sessionID>
)

func roomKey(sessionID string) string  { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string { return fmt.Sprintf(keyNamesFmt, sessionID) }
func sessionsKey() string              { return keySessionsSet }
