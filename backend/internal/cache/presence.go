package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache mirrors who is connected to which session so that other
// processes can read it. The collaboration core never reads it back.
type PresenceCache interface {
	AddMember(ctx context.Context, sessionID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, userID string) error
	AliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, sessionID, userID, username string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	// 名字表（Hash）
	tx.HSet(ctx, namesKey(sessionID), userID, username)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	// the index lives in its own hash slot, so it cannot join the transaction
	return p.rdb.SAdd(ctx, sessionsKey(), sessionID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), userID)
	tx.HDel(ctx, namesKey(sessionID), userID)
	left := tx.ZCard(ctx, roomKey(sessionID))
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	if left.Val() == 0 {
		return p.rdb.SRem(ctx, sessionsKey(), sessionID).Err()
	}
	return nil
}

// sessions reads the index of sessions with members; it is maintained for
// readers outside this process.
func (p *redisPresence) sessions(ctx context.Context) ([]string, error) {
	sessions, err := p.rdb.SMembers(ctx, sessionsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return sessions, nil
}

func (p *redisPresence) AliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	_, err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: id, Username: name})
	}
	return members, nil
}

// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)
