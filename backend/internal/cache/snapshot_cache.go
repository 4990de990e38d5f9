package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/store"
)

const (
	snapshotBaseTTL  = 24 * time.Hour   // 基础过期时间
	snapshotJitter   = 60 * time.Minute // 随机抖动范围
	snapshotNullTTL  = 5 * time.Minute
	emptyCacheMarker = "-1" // 空值标记
)

// SnapshotSource 快照的权威存储
type SnapshotSource interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, version int, content string) error
	FindByHash(ctx context.Context, docID, hash string) (*store.Snapshot, error)
	Latest(ctx context.Context, docID string) (*store.Snapshot, error)
}

// SnapshotCache 按指纹查快照的旁路缓存；查不到的指纹也缓存一小段时间，防止缓存穿透
type SnapshotCache struct {
	rdb redis.UniversalClient
	src SnapshotSource
}

func NewSnapshotCache(rdb redis.UniversalClient, src SnapshotSource) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, src: src}
}

// 获取随机TTL，防止缓存雪崩
func randomTTL() time.Duration {
	return snapshotBaseTTL + time.Duration(rand.Int63n(int64(snapshotJitter)))
}

func (c *SnapshotCache) FindByHash(ctx context.Context, docID, hash string) (*store.Snapshot, error) {
	key := snapshotKey(docID, hash)
	res, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil && res == emptyCacheMarker:
		return nil, store.ErrSnapshotNotFound
	case err == nil:
		var snap store.Snapshot
		if jerr := json.Unmarshal([]byte(res), &snap); jerr == nil {
			return &snap, nil
		}
		// 坏数据当作未命中
	case !errors.Is(err, redis.Nil):
		// Redis 不可用时直接回源
		log.Printf("snapshot cache get failed doc=%s: %v", docID, err)
		return c.src.FindByHash(ctx, docID, hash)
	}

	// 回源 (Redis Miss)，查数据库
	snap, err := c.src.FindByHash(ctx, docID, hash)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		if werr := c.rdb.Set(ctx, key, emptyCacheMarker, snapshotNullTTL).Err(); werr != nil {
			log.Printf("snapshot cache write null failed doc=%s: %v", docID, werr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return snap, nil
	}
	if werr := c.rdb.Set(ctx, key, data, randomTTL()).Err(); werr != nil {
		log.Printf("snapshot cache write failed doc=%s: %v", docID, werr)
	}
	return snap, nil
}

// SaveDocumentSnapshot 写库后删掉这个指纹的缓存（可能是空值标记）
func (c *SnapshotCache) SaveDocumentSnapshot(ctx context.Context, docID string, version int, content string) error {
	if err := c.src.SaveDocumentSnapshot(ctx, docID, version, content); err != nil {
		return err
	}
	if err := c.rdb.Del(ctx, snapshotKey(docID, protocol.HashCode(content))).Err(); err != nil {
		log.Printf("snapshot cache invalidate failed doc=%s: %v", docID, err)
	}
	return nil
}

func (c *SnapshotCache) Latest(ctx context.Context, docID string) (*store.Snapshot, error) {
	return c.src.Latest(ctx, docID)
}
