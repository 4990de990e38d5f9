package store

import (
	"context"
	"database/sql"
	"errors"
)

var ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")

type Document struct {
	ID       string
	OwnerID  uint64
	Title    string
	ReadOnly bool
}

type DocumentStore struct{ db *sql.DB }

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var docID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE title = ?`,
		title,
	).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDocumentNotFound
	}
	return docID, err
}

func (s *DocumentStore) Get(ctx context.Context, docID string) (*Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, read_only FROM documents WHERE id = ?`,
		docID,
	).Scan(&d.ID, &d.OwnerID, &d.Title, &d.ReadOnly)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID uint64, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (owner_id, title) VALUES (?, ?)`,
		ownerID,
		title,
	)
	return err
}
