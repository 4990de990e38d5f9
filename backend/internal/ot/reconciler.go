package ot

import (
	"errors"
	"fmt"
	"log"

	"collabsync/backend/internal/buffer"
	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"
)

var (
	ErrVersionMismatch = errors.New("VERSION_MISMATCH")
	ErrStaleVersion    = errors.New("STALE_VERSION")
	ErrNothingPending  = errors.New("NOTHING_PENDING")
)

// Outbox 把消息交给传输层
type Outbox interface {
	Send(msg protocol.Message) error
}

// UnacknowledgedChange 已发出但还没收到定序确认的本地改动
// RollbackEdits 应用后撤销这次改动（以它生效后的文档为坐标）
type UnacknowledgedChange struct {
	Message       *protocol.TextChangeMessage
	RollbackEdits []delta.TextChange
}

// State 用于失败后恢复的快照
type State struct {
	history *History
	pending []UnacknowledgedChange
}

// Reconciler 一个文档一个：维护已定序历史和未确认的本地改动，
// 把远端改动安全地插到未确认的本地改动之前
type Reconciler struct {
	clientID string
	fileName string
	history  *History
	pending  []UnacknowledgedChange
	seq      *protocol.Sequencer
	out      Outbox
}

func NewReconciler(clientID, fileName string, history *History, seq *protocol.Sequencer, out Outbox) *Reconciler {
	if seq == nil {
		seq = &protocol.Sequencer{}
	}
	return &Reconciler{clientID: clientID, fileName: fileName, history: history, seq: seq, out: out}
}

func (r *Reconciler) History() *History { return r.history }

func (r *Reconciler) CurrentVersion() int { return r.history.CurrentVersion() }

func (r *Reconciler) Pending() int { return len(r.pending) }

func (r *Reconciler) ClientID() string { return r.clientID }

func (r *Reconciler) Rename(fileName string) { r.fileName = fileName }

// AcceptLocal changes 是一批已经应用到缓冲区的本地改动，
// 以当前版本为基准生成消息、记入未确认列表并发出
func (r *Reconciler) AcceptLocal(changes []delta.TextChange) (*protocol.TextChangeMessage, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	msg := &protocol.TextChangeMessage{
		ChangeServerVersion: r.history.CurrentVersion(),
		Changes:             delta.Changes(changes),
	}
	var send func(protocol.Message) error
	if r.out != nil {
		send = r.out.Send
	}
	r.pending = append(r.pending, UnacknowledgedChange{Message: msg, RollbackEdits: delta.Invert(changes)})
	if err := r.seq.StampAndSend(msg, protocol.TypeTextChange, r.clientID, r.fileName, send); err != nil {
		return msg, fmt.Errorf("send text change: %w", err)
	}
	return msg, nil
}

// AcceptRemote 应用一条来自其他参与者、被定为 version 的改动：
// 先撤掉所有未确认的本地改动，应用远端改动，再按顺序重放本地改动
func (r *Reconciler) AcceptRemote(buf *buffer.LineBuffer, msg *protocol.TextChangeMessage, version int) error {
	cur := r.history.CurrentVersion()
	if version <= cur {
		return fmt.Errorf("%w: version %d, current %d", ErrStaleVersion, version, cur)
	}
	if version != cur+1 {
		assertf("reconciler: version %d does not follow current %d", version, cur)
		return fmt.Errorf("%w: version %d, current %d", ErrVersionMismatch, version, cur)
	}
	if msg.ChangeServerVersion > cur {
		assertf("reconciler: message from %s based on %d ahead of current %d", msg.ClientID, msg.ChangeServerVersion, cur)
		return fmt.Errorf("%w: base %d, current %d", ErrVersionMismatch, msg.ChangeServerVersion, cur)
	}

	for i := len(r.pending) - 1; i >= 0; i-- {
		if _, err := buf.ApplyRemoteEdits(delta.Edits(r.pending[i].RollbackEdits)); err != nil {
			return fmt.Errorf("rollback pending #%d: %w", i, err)
		}
	}

	applied, err := r.applyTransformed(buf, msg)
	if err != nil {
		return fmt.Errorf("apply remote version %d: %w", version, err)
	}
	r.history.AddVersion(version, msg, applied)

	for i := range r.pending {
		u := &r.pending[i]
		replayed := r.history.TransformToCurrent(u.Message)
		inverse, err := buf.ApplyRemoteEdits(delta.ChangesToEdits(replayed.Changes))
		if err != nil {
			return fmt.Errorf("replay pending #%d: %w", i, err)
		}
		u.RollbackEdits = inverse
		// 临时占位，让后面的本地改动能看到它
		r.history.AddVersion(r.history.CurrentVersion()+1, u.Message, delta.Changes(delta.Invert(inverse)))
	}
	r.history.RollbackTo(version)
	r.history.trim()
	return nil
}

func (r *Reconciler) applyTransformed(buf *buffer.LineBuffer, msg *protocol.TextChangeMessage) ([]delta.Change, error) {
	transformed := r.history.TransformToCurrent(msg)
	inverse, err := buf.ApplyRemoteEdits(delta.ChangesToEdits(transformed.Changes))
	if err != nil {
		return nil, err
	}
	return delta.Changes(delta.Invert(inverse)), nil
}

// Acknowledge 最早的未确认改动被定为 version
func (r *Reconciler) Acknowledge(version int) error {
	if len(r.pending) == 0 {
		log.Printf("[ot] acknowledge %d with nothing pending", version)
		return ErrNothingPending
	}
	cur := r.history.CurrentVersion()
	if version <= cur {
		return fmt.Errorf("%w: version %d, current %d", ErrStaleVersion, version, cur)
	}
	if version != cur+1 {
		assertf("reconciler: acknowledge %d does not follow current %d", version, cur)
		return fmt.Errorf("%w: version %d, current %d", ErrVersionMismatch, version, cur)
	}
	u := r.pending[0]
	r.pending = r.pending[1:]
	r.history.AddVersion(version, u.Message, delta.Changes(delta.Invert(u.RollbackEdits)))
	r.history.trim()
	return nil
}

// Apply 服务端没有本地改动，直接把消息改写到当前版本并应用
func (r *Reconciler) Apply(buf *buffer.LineBuffer, msg *protocol.TextChangeMessage) (int, []delta.Change, error) {
	if len(r.pending) > 0 {
		return 0, nil, fmt.Errorf("%w: %d pending", ErrVersionMismatch, len(r.pending))
	}
	version := r.history.CurrentVersion() + 1
	if err := r.AcceptRemote(buf, msg, version); err != nil {
		return 0, nil, err
	}
	vs := r.history.Versions(version - 1)
	if len(vs) == 0 {
		return version, nil, nil
	}
	return version, vs[0].Rebased(), nil
}

func (r *Reconciler) SaveState() State {
	pending := make([]UnacknowledgedChange, len(r.pending))
	for i, u := range r.pending {
		pending[i] = UnacknowledgedChange{
			Message:       u.Message,
			RollbackEdits: append([]delta.TextChange(nil), u.RollbackEdits...),
		}
	}
	return State{history: r.history.clone(), pending: pending}
}

func (r *Reconciler) LoadState(s State) {
	r.history.versions = append([]ServerVersion(nil), s.history.versions...)
	r.history.current = s.history.current
	r.pending = make([]UnacknowledgedChange, len(s.pending))
	for i, u := range s.pending {
		r.pending[i] = UnacknowledgedChange{
			Message:       u.Message,
			RollbackEdits: append([]delta.TextChange(nil), u.RollbackEdits...),
		}
	}
}

func assertf(format string, args ...any) {
	log.Printf("[ot] invariant violated: "+format, args...)
}
