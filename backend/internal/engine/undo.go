package engine

import (
	"collabsync/backend/internal/ot"
	"collabsync/backend/internal/ot/delta"
)

type editSource int

const (
	sourceLocal editSource = iota + 1
	sourceRemote
)

func (s editSource) String() string {
	switch s {
	case sourceLocal:
		return "local"
	case sourceRemote:
		return "remote"
	}
	return "none"
}

// TransitionRecord 一段来源相同的连续改动
// Steps 是这段改动在宿主撤销栈上占的步数，Snapshot 是这段开始之前的内容
type TransitionRecord struct {
	Source              editSource
	Snapshot            string
	HadLocalEditsBefore bool
	Steps               int
}

// undoCoordinator 记录宿主撤销栈上本地/远端改动的分段，决定撤销能否直接交给宿主
type undoCoordinator struct {
	runs []TransitionRecord
	redo [][]delta.Edit
	// 连续几次撤销是直接交给宿主完成的，此时重做也可以交给宿主
	nativeRedo int
}

func newUndoCoordinator() *undoCoordinator {
	return &undoCoordinator{}
}

func (u *undoCoordinator) clone() *undoCoordinator {
	c := &undoCoordinator{nativeRedo: u.nativeRedo}
	c.runs = append([]TransitionRecord(nil), u.runs...)
	c.redo = make([][]delta.Edit, len(u.redo))
	for i, e := range u.redo {
		c.redo[i] = append([]delta.Edit(nil), e...)
	}
	return c
}

func (u *undoCoordinator) top() *TransitionRecord {
	if len(u.runs) == 0 {
		return nil
	}
	return &u.runs[len(u.runs)-1]
}

func (u *undoCoordinator) hasLocal() bool {
	for _, r := range u.runs {
		if r.Source == sourceLocal && r.Steps > 0 {
			return true
		}
	}
	return false
}

// record 记下 steps 步来源为 src 的改动；来源切换时开新的一段，snapshot 只在此时调用
func (u *undoCoordinator) record(src editSource, steps int, snapshot func() string) {
	if t := u.top(); t != nil && t.Source == src {
		t.Steps += steps
		return
	}
	u.runs = append(u.runs, TransitionRecord{
		Source:              src,
		Snapshot:            snapshot(),
		HadLocalEditsBefore: u.hasLocal(),
		Steps:               steps,
	})
}

// compact 去掉已经撤销完的本地段，合并因此相邻的远端段
func (u *undoCoordinator) compact() {
	out := u.runs[:0]
	for _, r := range u.runs {
		if r.Source == sourceLocal && r.Steps <= 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Source == r.Source {
			out[n-1].Steps += r.Steps
			continue
		}
		out = append(out, r)
	}
	u.runs = out
}

// canDefer 最近的本地改动之上没有远端改动，撤销可以直接交给宿主
func (u *undoCoordinator) canDefer() bool {
	u.compact()
	t := u.top()
	return t != nil && t.Source == sourceLocal && t.Steps > 0
}

// plan 找到最上面的本地段 k；返回撤销之前需要先撤掉的远端内容对应的快照和步数
func (u *undoCoordinator) plan() (k int, target string, steps int, ok bool) {
	u.compact()
	t := u.top()
	if t == nil || (t.Source == sourceRemote && !t.HadLocalEditsBefore) {
		return 0, "", 0, false
	}
	for k = len(u.runs) - 1; k >= 0; k-- {
		if u.runs[k].Source == sourceLocal && u.runs[k].Steps > 0 {
			break
		}
	}
	if k < 0 || k == len(u.runs)-1 {
		return 0, "", 0, false
	}
	for _, r := range u.runs[k+1:] {
		steps += r.Steps
	}
	return k, u.runs[k+1].Snapshot, steps, true
}

// nativeUndone 宿主直接撤销了最上面本地段的一步
func (u *undoCoordinator) nativeUndone(redo []delta.Edit) {
	if t := u.top(); t != nil && t.Source == sourceLocal {
		t.Steps--
	} else {
		assertf("undo: native undo without a local run on top")
	}
	u.pushRedo(redo)
	u.nativeRedo++
}

// nativeRedone 宿主直接重做了一步
func (u *undoCoordinator) nativeRedone(snapshot func() string) {
	if n := len(u.redo); n > 0 {
		u.redo = u.redo[:n-1]
	}
	u.nativeRedo--
	u.record(sourceLocal, 1, snapshot)
}

// finishUndo 第 k 段本地改动撤销了一步，其上的远端内容被重新应用成新的一段
func (u *undoCoordinator) finishUndo(k int, afterLocal string, reapplied bool) {
	hadLocal := false
	u.runs = u.runs[:k+1]
	u.runs[k].Steps--
	for _, r := range u.runs {
		if r.Source == sourceLocal && r.Steps > 0 {
			hadLocal = true
		}
	}
	u.compact()
	u.nativeRedo = 0
	if !reapplied {
		return
	}
	if t := u.top(); t != nil && t.Source == sourceRemote {
		t.Steps++
		return
	}
	u.runs = append(u.runs, TransitionRecord{
		Source:              sourceRemote,
		Snapshot:            afterLocal,
		HadLocalEditsBefore: hadLocal,
		Steps:               1,
	})
}

func (u *undoCoordinator) pushRedo(e []delta.Edit) {
	if len(e) == 0 {
		return
	}
	u.redo = append(u.redo, e)
}

func (u *undoCoordinator) popRedo() ([]delta.Edit, bool) {
	n := len(u.redo)
	if n == 0 {
		return nil, false
	}
	e := u.redo[n-1]
	u.redo = u.redo[:n-1]
	return e, true
}

func (u *undoCoordinator) clearRedo() {
	u.redo = nil
	u.nativeRedo = 0
}

// rebaseRedo 文档发生了别的改动，重做栈上的内容跟着改写坐标
func (u *undoCoordinator) rebaseRedo(over []delta.TextChange) {
	if len(over) == 0 {
		return
	}
	for i, e := range u.redo {
		u.redo[i] = ot.RebaseEdits(e, over)
	}
}
