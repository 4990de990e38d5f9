package store

import (
	"context"
	"os"
	"testing"

	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"
)

func TestVersionRecordRoundTrip(t *testing.T) {
	e := protocol.HistoryEntry{
		ServerVersion: 3,
		ClientID:      "c1",
		BaseVersion:   1,
		Changes:       []delta.Change{{Start: 0, Length: 2, NewText: "你好"}},
		Rebased:       []delta.Change{{Start: 4, Length: 2, NewText: "你好"}},
	}
	rec, err := toRecord("doc", e)
	if err != nil {
		t.Fatalf("toRecord() error = %v", err)
	}
	got, err := fromRecord(rec)
	if err != nil {
		t.Fatalf("fromRecord() error = %v", err)
	}
	if got.ServerVersion != 3 || got.ClientID != "c1" || got.BaseVersion != 1 {
		t.Fatalf("fromRecord() = %+v", got)
	}
	if !delta.EqualChanges(got.Changes, e.Changes) || !delta.EqualChanges(got.Rebased, e.Rebased) {
		t.Fatalf("changes = %+v / %+v", got.Changes, got.Rebased)
	}

	e.Rebased = nil
	rec, _ = toRecord("doc", e)
	if got, _ := fromRecord(rec); got.Rebased != nil {
		t.Fatalf("Rebased = %+v, want nil", got.Rebased)
	}
}

func TestHistoryStore_MySQL(t *testing.T) {
	dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN")
	// 没有配置测试库则跳过
	if dsn == "" {
		t.Skip("skip: COLLAB_TEST_MYSQL_DSN not set")
	}
	db, err := InitMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	hs, err := NewHistoryStore(db)
	if err != nil {
		t.Fatalf("NewHistoryStore() error = %v", err)
	}
	ctx := context.Background()
	docID := "history-store-test"
	defer db.Where("document_id = ?", docID).Delete(&VersionRecord{})

	for v := 1; v <= 3; v++ {
		e := protocol.HistoryEntry{ServerVersion: v, ClientID: "c", BaseVersion: v - 1,
			Changes: []delta.Change{{Start: 0, NewText: "x"}}}
		if err := hs.Append(ctx, docID, e); err != nil {
			t.Fatalf("Append(%d) error = %v", v, err)
		}
	}
	got, err := hs.Since(ctx, docID, 1, 0)
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	if len(got) != 2 || got[0].ServerVersion != 2 || got[1].ServerVersion != 3 {
		t.Fatalf("Since() = %+v", got)
	}
}
