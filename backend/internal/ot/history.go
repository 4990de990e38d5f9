package ot

import (
	"log"
	"sort"

	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"
)

const DefaultMaxRetained = 1024

// ServerVersion 一个已定序的版本
// Representations[0] 是作者提交时的形式，最后一个是改写到前一版本之后实际应用的形式
type ServerVersion struct {
	Version         int
	AuthorID        string
	BaseVersion     int
	Representations [][]delta.Change
}

func (v ServerVersion) Authored() []delta.Change { return v.Representations[0] }

func (v ServerVersion) Rebased() []delta.Change {
	return v.Representations[len(v.Representations)-1]
}

// History 有序的版本窗口，只保留最近 maxRetained 个
type History struct {
	versions    []ServerVersion
	current     int
	maxRetained int
}

func NewHistory(start, maxRetained int) *History {
	if maxRetained <= 0 {
		maxRetained = DefaultMaxRetained
	}
	return &History{current: start, maxRetained: maxRetained}
}

func (h *History) CurrentVersion() int { return h.current }

func (h *History) Len() int { return len(h.versions) }

func (h *History) MaxRetained() int { return h.maxRetained }

// AddVersion 追加版本 version，rebased 是它实际应用的形式
func (h *History) AddVersion(version int, msg *protocol.TextChangeMessage, rebased []delta.Change) {
	if version != h.current+1 {
		assertf("history: add version %d on top of %d", version, h.current)
	}
	reps := [][]delta.Change{delta.CloneChanges(msg.Changes)}
	if !delta.EqualChanges(msg.Changes, rebased) {
		reps = append(reps, delta.CloneChanges(rebased))
	}
	h.versions = append(h.versions, ServerVersion{
		Version:         version,
		AuthorID:        msg.ClientID,
		BaseVersion:     msg.ChangeServerVersion,
		Representations: reps,
	})
	h.current = version
}

// trim 只保留最近 maxRetained 个版本
func (h *History) trim() {
	if over := len(h.versions) - h.maxRetained; over > 0 {
		h.versions = append([]ServerVersion(nil), h.versions[over:]...)
	}
}

// RollbackTo 丢弃 version 之后的所有版本
func (h *History) RollbackTo(version int) {
	if version > h.current {
		assertf("history: rollback to %d beyond current %d", version, h.current)
		return
	}
	i := h.indexAfter(version)
	h.versions = h.versions[:i]
	h.current = version
}

// indexAfter 第一个 Version > v 的下标
func (h *History) indexAfter(v int) int {
	return sort.Search(len(h.versions), func(i int) bool { return h.versions[i].Version > v })
}

func (h *History) oldestBase() int {
	if len(h.versions) == 0 {
		return h.current
	}
	return h.versions[0].Version - 1
}

// TransformToCurrent 把基于旧版本的消息改写成基于当前版本，结果可以直接应用
// 只有同一作者的版本时只更新基准版本
func (h *History) TransformToCurrent(msg *protocol.TextChangeMessage) *protocol.TextChangeMessage {
	out := *msg
	out.Changes = delta.CloneChanges(msg.Changes)
	out.ChangeServerVersion = h.current

	base := msg.ChangeServerVersion
	if base > h.current {
		assertf("history: message from %s based on %d ahead of current %d", msg.ClientID, base, h.current)
		return &out
	}
	if base < h.oldestBase() {
		assertf("history: message from %s based on %d older than retained window starting at %d",
			msg.ClientID, base, h.oldestBase())
		base = h.oldestBase()
	}
	window := h.versions[h.indexAfter(base):]

	foreign := false
	for _, v := range window {
		if v.AuthorID != msg.ClientID {
			foreign = true
			break
		}
	}
	if !foreign {
		return &out
	}
	own := h.ownForms(base, msg.ClientID, window)
	out.Changes = transformChanges(msg.Changes, msg.ClientID, window, own)
	return &out
}

// ownForms 作者提交消息时，本地缓冲区里自己那些尚未确认的改动是什么形式：
// 在截断到 base 的历史上按顺序重新改写一遍
func (h *History) ownForms(base int, author string, window []ServerVersion) map[int][]delta.Change {
	forms := make(map[int][]delta.Change)
	var tmp *History
	for _, v := range window {
		if v.AuthorID != author {
			continue
		}
		if tmp == nil {
			tmp = h.truncated(base)
		}
		m := &protocol.TextChangeMessage{
			Header:              protocol.Header{ClientID: author},
			ChangeServerVersion: v.BaseVersion,
			Changes:             v.Authored(),
		}
		form := tmp.TransformToCurrent(m).Changes
		forms[v.Version] = form
		tmp.AddVersion(tmp.current+1, m, form)
	}
	return forms
}

func (h *History) truncated(v int) *History {
	t := &History{current: v, maxRetained: h.maxRetained}
	t.versions = append([]ServerVersion(nil), h.versions[:h.indexAfter(v)]...)
	return t
}

func transformChanges(changes []delta.Change, author string, window []ServerVersion, own map[int][]delta.Change) []delta.Change {
	out := make([]delta.Change, 0, len(changes))
	for _, c := range changes {
		start := transformPosition(c.Start, author, window, own, false)
		end := transformPosition(c.End(), author, window, own, c.Length > 0)
		if end < start {
			log.Printf("[ot] transformed range of %s collapsed: start=%d end=%d", author, start, end)
			end = start
		}
		out = append(out, delta.Change{Start: start, Length: end - start, NewText: c.NewText})
	}
	return delta.EditsToChanges(delta.NormalizeEdits(delta.ChangesToEdits(out), -1))
}

// transformPosition 先倒着穿过窗口里同作者的版本回到基准版本，记下落在其插入内容里的偏移，
// 再顺着穿过整个窗口
func transformPosition(p int, author string, window []ServerVersion, own map[int][]delta.Change, keepBefore bool) int {
	partial := make(map[int]int)
	for i := len(window) - 1; i >= 0; i-- {
		v := window[i]
		if v.AuthorID != author {
			continue
		}
		var off int
		p, off = trackBackward(p, own[v.Version])
		if off > 0 {
			partial[v.Version] = off
		}
	}
	for _, v := range window {
		p = trackForward(p, v.Rebased(), partial[v.Version], keepBefore)
	}
	return p
}

// TransformRange 把 author 基于 base 版本的区间 [start, end) 改写到当前版本，用于选区
func (h *History) TransformRange(author string, base, start, end int) (int, int) {
	if base >= h.current {
		return start, end
	}
	if base < h.oldestBase() {
		base = h.oldestBase()
	}
	window := h.versions[h.indexAfter(base):]
	foreign := false
	for _, v := range window {
		if v.AuthorID != author {
			foreign = true
			break
		}
	}
	if !foreign {
		return start, end
	}
	own := h.ownForms(base, author, window)
	s := transformPosition(start, author, window, own, false)
	e := transformPosition(end, author, window, own, end > start)
	if e < s {
		e = s
	}
	return s, e
}

// Versions 返回 Version > from 的所有保留版本
func (h *History) Versions(from int) []ServerVersion {
	return append([]ServerVersion(nil), h.versions[h.indexAfter(from):]...)
}

// Entries 以线上格式导出保留的历史，供后加入的参与者使用
func (h *History) Entries() []protocol.HistoryEntry {
	out := make([]protocol.HistoryEntry, 0, len(h.versions))
	for _, v := range h.versions {
		e := protocol.HistoryEntry{
			ServerVersion: v.Version,
			ClientID:      v.AuthorID,
			BaseVersion:   v.BaseVersion,
			Changes:       delta.CloneChanges(v.Authored()),
		}
		if len(v.Representations) > 1 {
			e.Rebased = delta.CloneChanges(v.Rebased())
		}
		out = append(out, e)
	}
	return out
}

// SetInitial 以 start 为当前版本重建历史，entries 是截止到 start 的已定序版本
func (h *History) SetInitial(start int, entries []protocol.HistoryEntry) {
	h.versions = nil
	h.current = start
	for _, e := range entries {
		if e.ServerVersion > start {
			assertf("history: initial entry %d beyond start %d", e.ServerVersion, start)
			continue
		}
		reps := [][]delta.Change{delta.CloneChanges(e.Changes)}
		if e.Rebased != nil {
			reps = append(reps, delta.CloneChanges(e.Rebased))
		}
		h.versions = append(h.versions, ServerVersion{
			Version:         e.ServerVersion,
			AuthorID:        e.ClientID,
			BaseVersion:     e.BaseVersion,
			Representations: reps,
		})
	}
	h.trim()
}

func (h *History) clone() *History {
	c := &History{current: h.current, maxRetained: h.maxRetained}
	c.versions = append([]ServerVersion(nil), h.versions...)
	return c
}
