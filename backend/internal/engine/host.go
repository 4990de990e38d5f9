package engine

import (
	"context"
	"errors"
	"log"

	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"
)

var (
	ErrHostApply = errors.New("HOST_APPLY_FAILED")
	ErrDesync    = errors.New("DESYNC")
	ErrClosed    = errors.New("SESSION_CLOSED")
)

// HostEditor 宿主编辑器
// 约定：每次用户改动、每次 ApplyEdit 都是宿主撤销栈上的一步；
// 由某次调用引起的改动事件在该调用返回之前送达
type HostEditor interface {
	ApplyEdit(ctx context.Context, documentID string, edits []delta.Edit) (bool, error)
	OpenDocument(ctx context.Context, path string) (content string, isDirty bool, err error)
	Undo(ctx context.Context, documentID string) error
	Redo(ctx context.Context, documentID string) error
}

// PresenceSink 接收其他参与者的选区和视口
type PresenceSink interface {
	OnRemoteSelection(documentID string, sel *protocol.SelectionChangeMessage)
	OnRemoteScroll(documentID string, msg *protocol.LayoutScrollMessage)
}

type Observer interface {
	OnHostApplyFailure(documentID string, err error)
	OnDesync(documentID string, err error)
}

type NopObserver struct{}

func (NopObserver) OnHostApplyFailure(string, error) {}
func (NopObserver) OnDesync(string, error)           {}

type NopPresence struct{}

func (NopPresence) OnRemoteSelection(string, *protocol.SelectionChangeMessage) {}
func (NopPresence) OnRemoteScroll(string, *protocol.LayoutScrollMessage)       {}

func assertf(format string, args ...any) {
	log.Printf("[engine] invariant violated: "+format, args...)
}
