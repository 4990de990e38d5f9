package delta

import (
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度
	Text  string `json:"text,omitempty"`  // insert 的文本
}

// Delta 是顺序执行的 retain/insert/delete 序列，用于 Kafka 事件和宿主编辑器的 piece table
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

// FromEdits 把一批升序、互不重叠的 Edit 转成 Delta（末尾不需要 retain）
func FromEdits(edits []Edit) Delta {
	d := make(Delta, 0, len(edits)*3)
	pos := 0
	for _, e := range edits {
		if e.Offset > pos {
			d = append(d, Op{Kind: KindRetain, Count: e.Offset - pos})
			pos = e.Offset
		}
		if e.Length > 0 {
			d = append(d, Op{Kind: KindDelete, Count: e.Length})
			pos += e.Length
		}
		if e.Text != "" {
			d = append(d, Op{Kind: KindInsert, Text: e.Text})
		}
	}
	return d
}

// FromChanges 同 FromEdits，输入是线上格式
func FromChanges(changes []Change) Delta {
	return FromEdits(ChangesToEdits(changes))
}

// RuneLen 统一的长度单位：Unicode 码点
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// ApplyEdits 把一批升序、互不重叠的 Edit 应用到字符串上（按码点计算偏移）
func ApplyEdits(s string, edits []Edit) string {
	r := []rune(s)
	var sb strings.Builder
	pos := 0
	for _, e := range edits {
		start := clamp(e.Offset, pos, len(r))
		end := clamp(e.Offset+e.Length, start, len(r))
		sb.WriteString(string(r[pos:start]))
		sb.WriteString(e.Text)
		pos = end
	}
	sb.WriteString(string(r[pos:]))
	return sb.String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
