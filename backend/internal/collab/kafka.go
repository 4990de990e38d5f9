package collab

import (
	"time"

	"collabsync/backend/internal/ot/delta"
)

type DocOpEvent struct {
	EventType   string         `json:"eventType"` // 固定 "OP_APPLIED"
	DocID       string         `json:"docId"`
	OperationID string         `json:"operationId"`
	Version     int            `json:"version"`
	ClientID    string         `json:"clientId"`
	ClientSeq   uint64         `json:"clientSeq"` // 针对同一个 clientId 的连接内递增序号
	BaseVersion int            `json:"baseVersion"`
	Changes     []delta.Change `json:"changes"` // 以 Version-1 为坐标的实际改动
	Ops         delta.Delta    `json:"ops"`
	AppliedAt   time.Time      `json:"appliedAt"`
}

func newDocOpEvent(docID string, op AppliedOp) DocOpEvent {
	return DocOpEvent{
		EventType:   "OP_APPLIED",
		DocID:       docID,
		OperationID: op.OperationID,
		Version:     op.Version,
		ClientID:    op.ClientID,
		ClientSeq:   op.Seq,
		BaseVersion: op.BaseVersion,
		Changes:     op.Changes,
		Ops:         delta.FromChanges(op.Changes),
		AppliedAt:   op.AppliedAt,
	}
}
