package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, docID, clientID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, clientID string) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	SetSelection(ctx context.Context, docID, clientID string, sel Selection) error
	GetSelections(ctx context.Context, docID string) (map[string]Selection, error)
	SetScroll(ctx context.Context, docID, clientID string, sc Scroll) error
	GetScrolls(ctx context.Context, docID string) (map[string]Scroll, error)
}

type PresenceMember struct {
	ClientID string `json:"clientId"`
	Username string `json:"username,omitempty"`
}

// Selection 某个参与者最近一次上报的选区，Version 是它所基于的服务端版本
type Selection struct {
	Version    int  `json:"version"`
	Start      int  `json:"start"`
	Length     int  `json:"length"`
	IsReversed bool `json:"isReversed"`
}

type Scroll struct {
	Version int `json:"version"`
	Start   int `json:"start"`
	Length  int `json:"length"`
}

// 具体实现：基于 redis 的 PresenceCache
// UniversalClient 同时兼容单机和集群
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员，同时删掉他们的名字、选区和视口
var expireScript = redis.NewScript(`
-- KEYS[1] = roomKey  KEYS[2] = namesKey  KEYS[3] = selectionsKey  KEYS[4] = scrollsKey
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
	redis.call("HDEL", KEYS[3], unpack(expired))
	redis.call("HDEL", KEYS[4], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AddMember(ctx context.Context, docID, clientID, username string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: clientID})
	tx.HSet(ctx, namesKey(docID), clientID, username)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	// docsKey 不在同一个槽里，单独写
	return p.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, clientID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), clientID)
	tx.HDel(ctx, namesKey(docID), clientID)
	tx.HDel(ctx, selectionsKey(docID), clientID)
	tx.HDel(ctx, scrollsKey(docID), clientID)
	card := tx.ZCard(ctx, roomKey(docID))
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	if card.Val() == 0 {
		return p.rdb.SRem(ctx, docsKey(), docID).Err()
	}
	return nil
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return docs, nil
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	keys := []string{roomKey(docID), namesKey(docID), selectionsKey(docID), scrollsKey(docID)}
	if err := expireScript.Run(ctx, p.rdb, keys, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{ClientID: aliveIDs[i], Username: name})
	}
	return members, nil
}

func (p *redisPresence) SetSelection(ctx context.Context, docID, clientID string, sel Selection) error {
	data, err := json.Marshal(sel)
	if err != nil {
		return err
	}
	return p.rdb.HSet(ctx, selectionsKey(docID), clientID, data).Err()
}

func (p *redisPresence) GetSelections(ctx context.Context, docID string) (map[string]Selection, error) {
	raw, err := p.rdb.HGetAll(ctx, selectionsKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Selection, len(raw))
	for clientID, v := range raw {
		var sel Selection
		if err := json.Unmarshal([]byte(v), &sel); err != nil {
			continue
		}
		out[clientID] = sel
	}
	return out, nil
}

func (p *redisPresence) SetScroll(ctx context.Context, docID, clientID string, sc Scroll) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return p.rdb.HSet(ctx, scrollsKey(docID), clientID, data).Err()
}

func (p *redisPresence) GetScrolls(ctx context.Context, docID string) (map[string]Scroll, error) {
	raw, err := p.rdb.HGetAll(ctx, scrollsKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Scroll, len(raw))
	for clientID, v := range raw {
		var sc Scroll
		if err := json.Unmarshal([]byte(v), &sc); err != nil {
			continue
		}
		out[clientID] = sc
	}
	return out, nil
}
