package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"collabsync/backend/internal/protocol"
)

var ErrSnapshotNotFound = errors.New("SNAPSHOT_NOT_FOUND")

// Snapshot 某个版本的完整文档内容，content_hash 用于后加入的参与者匹配本地内容
type Snapshot struct {
	DocumentID string
	Version    int
	Hash       string
	Content    string
	CreatedAt  time.Time
}

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, version int, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content_hash, content)
		VALUES (?, ?, ?, ?)`,
		docID,
		version,
		protocol.HashCode(content),
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 同一版本重复保存
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return fmt.Errorf("save snapshot doc=%s rev=%d: %w", docID, version, err)
	}
	return nil
}

// FindByHash 内容指纹相同的最新快照
func (s *SnapshotStore) FindByHash(ctx context.Context, docID, hash string) (*Snapshot, error) {
	return s.queryOne(ctx,
		`SELECT document_id, revision, content_hash, content, created_at
		FROM document_snapshots WHERE document_id = ? AND content_hash = ?
		ORDER BY revision DESC LIMIT 1`,
		docID, hash)
}

func (s *SnapshotStore) Latest(ctx context.Context, docID string) (*Snapshot, error) {
	return s.queryOne(ctx,
		`SELECT document_id, revision, content_hash, content, created_at
		FROM document_snapshots WHERE document_id = ?
		ORDER BY revision DESC LIMIT 1`,
		docID)
}

func (s *SnapshotStore) queryOne(ctx context.Context, query string, args ...any) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&snap.DocumentID, &snap.Version, &snap.Hash, &snap.Content, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
