package cache

import (
	"context"
	"errors"
	"sync"
	"testing"

	redis "github.com/redis/go-redis/v9"

	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/store"
)

type countingSource struct {
	mu    sync.Mutex
	snaps map[string]store.Snapshot
	finds int
}

func (s *countingSource) SaveDocumentSnapshot(_ context.Context, docID string, version int, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snaps == nil {
		s.snaps = make(map[string]store.Snapshot)
	}
	h := protocol.HashCode(content)
	s.snaps[docID+h] = store.Snapshot{DocumentID: docID, Version: version, Hash: h, Content: content}
	return nil
}

func (s *countingSource) FindByHash(_ context.Context, docID, hash string) (*store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	snap, ok := s.snaps[docID+hash]
	if !ok {
		return nil, store.ErrSnapshotNotFound
	}
	return &snap, nil
}

func (s *countingSource) Latest(context.Context, string) (*store.Snapshot, error) {
	return nil, store.ErrSnapshotNotFound
}

func TestSnapshotCache(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() {
		rdb.FlushAll(context.Background())
		rdb.Close()
	})
	ctx := context.Background()
	src := &countingSource{}
	c := NewSnapshotCache(rdb, src)
	hash := protocol.HashCode("hello")

	// 空值也会被缓存
	for i := 0; i < 2; i++ {
		if _, err := c.FindByHash(ctx, "doc", hash); !errors.Is(err, store.ErrSnapshotNotFound) {
			t.Fatalf("FindByHash() error = %v, want ErrSnapshotNotFound", err)
		}
	}
	if src.finds != 1 {
		t.Fatalf("source finds = %d, want 1", src.finds)
	}

	// 保存会清掉空值标记
	if err := c.SaveDocumentSnapshot(ctx, "doc", 3, "hello"); err != nil {
		t.Fatalf("SaveDocumentSnapshot() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		snap, err := c.FindByHash(ctx, "doc", hash)
		if err != nil || snap.Version != 3 || snap.Content != "hello" {
			t.Fatalf("FindByHash() = %+v, %v", snap, err)
		}
	}
	if src.finds != 2 {
		t.Fatalf("source finds = %d, want 2", src.finds)
	}
}
