package delta

// Edit 一次替换：从 Offset 开始的 Length 个字符换成 Text
// 同一批 Edit 都以批次开始前的文档为坐标，按 Offset 升序且互不重叠
type Edit struct {
	Offset int
	Length int
	Text   string
}

func (e Edit) End() int { return e.Offset + e.Length }

// Change 是线上格式，语义与 Edit 相同
type Change struct {
	Start   int    `json:"start"`
	Length  int    `json:"length"`
	NewText string `json:"newText"`
}

func (c Change) End() int { return c.Start + c.Length }

// TextChange 完整描述一次已经发生的替换，同时带旧坐标和新坐标
type TextChange struct {
	OldPosition int
	OldLength   int
	OldText     string
	NewPosition int
	NewLength   int
	NewText     string
}

func NewTextChange(oldPosition int, oldText string, newPosition int, newText string) TextChange {
	return TextChange{
		OldPosition: oldPosition,
		OldLength:   RuneLen(oldText),
		OldText:     oldText,
		NewPosition: newPosition,
		NewLength:   RuneLen(newText),
		NewText:     newText,
	}
}

func (c TextChange) OldEnd() int { return c.OldPosition + c.OldLength }
func (c TextChange) NewEnd() int { return c.NewPosition + c.NewLength }

// Delta 长度变化量
func (c TextChange) Delta() int { return c.NewLength - c.OldLength }

func (c TextChange) IsNoop() bool { return c.OldText == c.NewText }

func (c TextChange) Inverse() TextChange {
	return TextChange{
		OldPosition: c.NewPosition,
		OldLength:   c.NewLength,
		OldText:     c.NewText,
		NewPosition: c.OldPosition,
		NewLength:   c.OldLength,
		NewText:     c.OldText,
	}
}

// Edit 以旧坐标表达这次替换
func (c TextChange) Edit() Edit {
	return Edit{Offset: c.OldPosition, Length: c.OldLength, Text: c.NewText}
}

func (c TextChange) Change() Change {
	return Change{Start: c.OldPosition, Length: c.OldLength, NewText: c.NewText}
}

// Invert 交换每个 TextChange 的新旧两侧
func Invert(batch []TextChange) []TextChange {
	if batch == nil {
		return nil
	}
	out := make([]TextChange, len(batch))
	for i, c := range batch {
		out[i] = c.Inverse()
	}
	return out
}

func Edits(batch []TextChange) []Edit {
	out := make([]Edit, len(batch))
	for i, c := range batch {
		out[i] = c.Edit()
	}
	return out
}

func Changes(batch []TextChange) []Change {
	out := make([]Change, len(batch))
	for i, c := range batch {
		out[i] = c.Change()
	}
	return out
}

func ChangesToEdits(changes []Change) []Edit {
	out := make([]Edit, len(changes))
	for i, c := range changes {
		out[i] = Edit{Offset: c.Start, Length: c.Length, Text: c.NewText}
	}
	return out
}

func EditsToChanges(edits []Edit) []Change {
	out := make([]Change, len(edits))
	for i, e := range edits {
		out[i] = Change{Start: e.Offset, Length: e.Length, NewText: e.Text}
	}
	return out
}

// NormalizeEdits 把任意一批 Edit 规整成可应用的形式：
// 越界的起止点截到 [0, max]；与前一个重叠的把起点推到前一个的终点；
// 空操作丢弃；首尾相接的合并成一个。max < 0 表示不限制上界
func NormalizeEdits(edits []Edit, max int) []Edit {
	out := make([]Edit, 0, len(edits))
	prevEnd := 0
	for _, e := range edits {
		start := e.Offset
		if start < 0 {
			start = 0
		}
		end := e.Offset + e.Length
		if e.Length < 0 {
			end = start
		}
		if max >= 0 {
			if start > max {
				start = max
			}
			if end > max {
				end = max
			}
		}
		if start < prevEnd {
			start = prevEnd
		}
		if end < start {
			end = start
		}
		if end == start && e.Text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End() == start {
			last := out[n-1]
			out[n-1] = Edit{Offset: last.Offset, Length: last.Length + end - start, Text: last.Text + e.Text}
		} else {
			out = append(out, Edit{Offset: start, Length: end - start, Text: e.Text})
		}
		prevEnd = end
	}
	return out
}

func CloneChanges(changes []Change) []Change {
	if changes == nil {
		return nil
	}
	out := make([]Change, len(changes))
	copy(out, changes)
	return out
}

func EqualChanges(a, b []Change) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
