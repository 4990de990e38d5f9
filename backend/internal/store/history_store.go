package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"
)

// VersionRecord 一个已定序版本的持久化形式，Changes/Rebased 存 JSON
type VersionRecord struct {
	ID          uint   `gorm:"primaryKey"`
	DocumentID  string `gorm:"size:64;uniqueIndex:idx_doc_version"`
	Version     int    `gorm:"uniqueIndex:idx_doc_version"`
	ClientID    string `gorm:"size:64"`
	BaseVersion int
	Changes     string `gorm:"type:mediumtext"`
	Rebased     string `gorm:"type:mediumtext"`
	CreatedAt   time.Time
}

func (VersionRecord) TableName() string { return "document_versions" }

type HistoryStore struct{ db *gorm.DB }

func NewHistoryStore(db *gorm.DB) (*HistoryStore, error) {
	if err := db.AutoMigrate(&VersionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate document_versions: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

func (s *HistoryStore) Append(ctx context.Context, docID string, e protocol.HistoryEntry) error {
	rec, err := toRecord(docID, e)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Since 版本号大于 from 的记录，按版本升序；limit <= 0 表示不限
func (s *HistoryStore) Since(ctx context.Context, docID string, from, limit int) ([]protocol.HistoryEntry, error) {
	var recs []VersionRecord
	q := s.db.WithContext(ctx).
		Where("document_id = ? AND version > ?", docID, from).
		Order("version ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]protocol.HistoryEntry, 0, len(recs))
	for _, r := range recs {
		e, err := fromRecord(r)
		if err != nil {
			return nil, fmt.Errorf("decode doc=%s rev=%d: %w", docID, r.Version, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func toRecord(docID string, e protocol.HistoryEntry) (VersionRecord, error) {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return VersionRecord{}, err
	}
	rec := VersionRecord{
		DocumentID:  docID,
		Version:     e.ServerVersion,
		ClientID:    e.ClientID,
		BaseVersion: e.BaseVersion,
		Changes:     string(changes),
	}
	if e.Rebased != nil {
		rebased, err := json.Marshal(e.Rebased)
		if err != nil {
			return VersionRecord{}, err
		}
		rec.Rebased = string(rebased)
	}
	return rec, nil
}

func fromRecord(r VersionRecord) (protocol.HistoryEntry, error) {
	e := protocol.HistoryEntry{
		ServerVersion: r.Version,
		ClientID:      r.ClientID,
		BaseVersion:   r.BaseVersion,
	}
	if err := json.Unmarshal([]byte(r.Changes), &e.Changes); err != nil {
		return e, err
	}
	if r.Rebased != "" {
		var rebased []delta.Change
		if err := json.Unmarshal([]byte(r.Rebased), &rebased); err != nil {
			return e, err
		}
		e.Rebased = rebased
	}
	return e, nil
}
