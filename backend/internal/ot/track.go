package ot

import (
	"collabsync/backend/internal/ot/delta"
)

// trackForward 把旧坐标下的位置 p 映射到 changes 应用之后的坐标
// partial > 0 时，p 恰好落在某个改动起点上则恢复到它新文本内部的 partial 处
// keepBefore 为 true 时，恰好位于插入点上的位置留在插入内容之前
func trackForward(p int, changes []delta.Change, partial int, keepBefore bool) int {
	shift := 0
	for _, c := range changes {
		n := delta.RuneLen(c.NewText)
		if p < c.Start {
			return p + shift
		}
		if p == c.Start {
			if partial > 0 {
				return c.Start + shift + min(partial, n)
			}
			if c.Length > 0 || keepBefore {
				return c.Start + shift
			}
			// 同一位置上先定序的插入排在前面
			shift += n
			continue
		}
		if p < c.End() {
			return c.Start + shift + min(p-c.Start, n)
		}
		shift += n - c.Length
	}
	return p + shift
}

// trackBackward 把 changes 应用之后的位置映射回应用之前
// 落在某个改动新文本内部时吸附到该改动的起点，并返回在新文本内的偏移
func trackBackward(p int, changes []delta.Change) (int, int) {
	shift := 0
	for _, c := range changes {
		ns := c.Start + shift
		n := delta.RuneLen(c.NewText)
		if p <= ns {
			return p - shift, 0
		}
		if p < ns+n {
			return c.Start, p - ns
		}
		shift += n - c.Length
	}
	return p - shift, 0
}

// RebaseEdits 把与 over 同基准的一批 Edit 改写到 over 应用之后的坐标上
func RebaseEdits(edits []delta.Edit, over []delta.TextChange) []delta.Edit {
	if len(over) == 0 {
		return edits
	}
	base := delta.Changes(over)
	out := make([]delta.Edit, 0, len(edits))
	for _, e := range edits {
		keep := e.Length > 0
		start := trackForward(e.Offset, base, 0, false)
		end := trackForward(e.End(), base, 0, keep)
		if end < start {
			end = start
		}
		out = append(out, delta.Edit{Offset: start, Length: end - start, Text: e.Text})
	}
	return delta.NormalizeEdits(out, -1)
}
