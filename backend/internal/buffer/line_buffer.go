package buffer

import (
	"fmt"
	"strings"

	"collabsync/backend/internal/ot/delta"
)

type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// ContentChange 宿主编辑器上报的一次改动
// 同一事件里的多个改动按顺序依次生效，每个都以前一个生效后的文档为坐标
type ContentChange struct {
	Range       Range
	RangeOffset int
	RangeLength int
	Text        string
}

type Options struct {
	// Debug 打开后在应用前校验输入，非法输入返回 *EditError 而不是静默截断
	Debug bool
}

type EditError struct {
	Index  int
	Edit   delta.Edit
	Reason string
}

func (e *EditError) Error() string {
	return fmt.Sprintf("invalid edit #%d {offset:%d length:%d}: %s", e.Index, e.Edit.Offset, e.Edit.Length, e.Reason)
}

// LineBuffer 按行存储的文本，行内保留换行符
// 所有偏移、长度都以 Unicode 码点为单位
type LineBuffer struct {
	lines   [][]rune
	lengths *prefixSum
	opts    Options

	recording  bool
	committed  []delta.TextChange
	unexpanded []delta.TextChange

	capturing bool
	captured  []delta.TextChange
}

func NewLineBuffer(text string, opts Options) *LineBuffer {
	b := &LineBuffer{opts: opts}
	b.SetContent(text)
	return b
}

// SetContent 整体替换内容，不产生改动记录
func (b *LineBuffer) SetContent(text string) {
	b.lines = splitLines([]rune(text))
	lengths := make([]int, len(b.lines))
	for i, l := range b.lines {
		lengths[i] = len(l)
	}
	b.lengths = newPrefixSum(lengths)
}

func (b *LineBuffer) Content() string {
	var sb strings.Builder
	sb.Grow(b.lengths.Total())
	for _, l := range b.lines {
		sb.WriteString(string(l))
	}
	return sb.String()
}

func (b *LineBuffer) LineCount() int { return len(b.lines) }

func (b *LineBuffer) MaximumOffset() int { return b.lengths.Total() }

// LineContent 不含换行符
func (b *LineBuffer) LineContent(line int) string {
	if line < 0 || line >= len(b.lines) {
		return ""
	}
	l := b.lines[line]
	return string(l[:contentLen(l)])
}

// PositionAt 越界的 offset 截到文档两端。
// 落在 \r\n 中间的 offset 不是合法位置，截到行内容末尾（\r 之前），
// 所以这种 offset 转成位置再转回来得到的是 \r 的 offset；其他 offset 都能原样转回
func (b *LineBuffer) PositionAt(offset int) Position {
	offset = clamp(offset, 0, b.MaximumOffset())
	line, ch := b.lengths.IndexOf(offset)
	if cl := contentLen(b.lines[line]); ch > cl {
		ch = cl
	}
	return Position{Line: line, Character: ch}
}

func (b *LineBuffer) OffsetAt(pos Position) int {
	line := clamp(pos.Line, 0, len(b.lines)-1)
	ch := clamp(pos.Character, 0, contentLen(b.lines[line]))
	return b.lengths.Start(line) + ch
}

// ApplyLocalEdit 宿主已经发生的一次本地改动，返回实际提交的改动
func (b *LineBuffer) ApplyLocalEdit(start, end Position, text string) delta.TextChange {
	s, e := b.OffsetAt(start), b.OffsetAt(end)
	if e < s {
		s, e = e, s
	}
	return b.ApplyLocalOffsets(s, e-s, text)
}

// ApplyLocalOffsets 同 ApplyLocalEdit，直接用偏移表达
func (b *LineBuffer) ApplyLocalOffsets(offset, length int, text string) delta.TextChange {
	changes := b.apply([]delta.Edit{{Offset: offset, Length: length, Text: text}})
	if len(changes) == 0 {
		return delta.TextChange{}
	}
	return changes[0]
}

// ApplyRemoteEdits 应用一批以当前文档为坐标的改动，返回可以精确撤销它们的反向改动
func (b *LineBuffer) ApplyRemoteEdits(edits []delta.Edit) ([]delta.TextChange, error) {
	if b.opts.Debug {
		if err := validate(edits, b.MaximumOffset()); err != nil {
			return nil, err
		}
	}
	return delta.Invert(b.apply(edits)), nil
}

func (b *LineBuffer) apply(edits []delta.Edit) []delta.TextChange {
	normalized := delta.NormalizeEdits(edits, b.MaximumOffset())
	if len(normalized) == 0 {
		return nil
	}
	var unexpanded []delta.TextChange
	if b.recording {
		unexpanded = b.describe(normalized)
	}
	expanded := delta.NormalizeEdits(b.expandLineBreaks(normalized), b.MaximumOffset())
	changes := b.describe(expanded)
	for i := len(expanded) - 1; i >= 0; i-- {
		e := expanded[i]
		b.replace(e.Offset, e.Length, []rune(e.Text))
	}
	if b.recording {
		b.committed = delta.Compress(b.committed, changes)
		b.unexpanded = delta.Compress(b.unexpanded, unexpanded)
	}
	if b.capturing {
		b.captured = delta.Compress(delta.Invert(changes), b.captured)
	}
	return changes
}

// BeginRecording 开始累积改动，EndRecording 返回期间所有改动压缩后的结果：
// committed 是实际应用的形式，unexpanded 是调用方给出的形式（没有做 \r\n 扩展）
func (b *LineBuffer) BeginRecording() {
	b.recording = true
	b.committed = nil
	b.unexpanded = nil
}

func (b *LineBuffer) EndRecording() (committed, unexpanded []delta.TextChange) {
	committed, unexpanded = b.committed, b.unexpanded
	b.recording = false
	b.committed = nil
	b.unexpanded = nil
	return committed, unexpanded
}

// BeginUndoCapture 开始累积反向改动，EndUndoCapture 返回的改动应用后回到开始时的内容
func (b *LineBuffer) BeginUndoCapture() {
	b.capturing = true
	b.captured = nil
}

func (b *LineBuffer) EndUndoCapture() []delta.TextChange {
	captured := b.captured
	b.capturing = false
	b.captured = nil
	return captured
}

// describe 在当前内容上把一批规整后的 Edit 展开成 TextChange
func (b *LineBuffer) describe(edits []delta.Edit) []delta.TextChange {
	out := make([]delta.TextChange, 0, len(edits))
	shift := 0
	for _, e := range edits {
		old := b.slice(e.Offset, e.End())
		out = append(out, delta.NewTextChange(e.Offset, old, e.Offset+shift, e.Text))
		shift += delta.RuneLen(e.Text) - e.Length
	}
	return out
}

// expandLineBreaks 不允许把 \r\n 拆开：触碰到 \r\n 中间的改动向外扩一个字符
func (b *LineBuffer) expandLineBreaks(edits []delta.Edit) []delta.Edit {
	max := b.MaximumOffset()
	out := make([]delta.Edit, len(edits))
	for i, e := range edits {
		start, end, text := e.Offset, e.End(), e.Text
		if start > 0 && b.runeAt(start-1) == '\r' {
			if (start < max && b.runeAt(start) == '\n') || strings.HasPrefix(text, "\n") {
				start--
				text = "\r" + text
			}
		}
		if end < max && b.runeAt(end) == '\n' {
			if (end > 0 && b.runeAt(end-1) == '\r') || strings.HasSuffix(text, "\r") {
				text = text + "\n"
				end++
			}
		}
		out[i] = delta.Edit{Offset: start, Length: end - start, Text: text}
	}
	return out
}

func (b *LineBuffer) runeAt(offset int) rune {
	line, ch := b.lengths.IndexOf(offset)
	l := b.lines[line]
	if ch >= len(l) {
		return 0
	}
	return l[ch]
}

func (b *LineBuffer) slice(start, end int) string {
	if end <= start {
		return ""
	}
	out := make([]rune, 0, end-start)
	line, ch := b.lengths.IndexOf(start)
	for remain := end - start; remain > 0 && line < len(b.lines); line++ {
		l := b.lines[line][ch:]
		if len(l) > remain {
			l = l[:remain]
		}
		out = append(out, l...)
		remain -= len(l)
		ch = 0
	}
	return string(out)
}

// replace 把 [offset, offset+length) 换成 text，只重建受影响的行
func (b *LineBuffer) replace(offset, length int, text []rune) {
	sl, sc := b.lengths.IndexOf(offset)
	el, ec := b.lengths.IndexOf(offset + length)

	seg := make([]rune, 0, sc+len(text)+len(b.lines[el])-ec)
	seg = append(seg, b.lines[sl][:sc]...)
	seg = append(seg, text...)
	seg = append(seg, b.lines[el][ec:]...)

	pieces := splitLines(seg)
	if el < len(b.lines)-1 {
		// seg 以 el 的换行符结尾，最后的空片段属于下一行
		pieces = pieces[:len(pieces)-1]
	}

	tail := append([][]rune(nil), b.lines[el+1:]...)
	b.lines = append(append(b.lines[:sl], pieces...), tail...)

	lengths := make([]int, len(pieces))
	for i, p := range pieces {
		lengths[i] = len(p)
	}
	b.lengths.Splice(sl, el-sl+1, lengths)
}

func validate(edits []delta.Edit, max int) error {
	prevEnd := 0
	for i, e := range edits {
		switch {
		case e.Offset < 0:
			return &EditError{Index: i, Edit: e, Reason: "negative offset"}
		case e.Length < 0:
			return &EditError{Index: i, Edit: e, Reason: "negative length"}
		case e.End() > max:
			return &EditError{Index: i, Edit: e, Reason: fmt.Sprintf("end beyond maximum offset %d", max)}
		case e.Offset < prevEnd:
			return &EditError{Index: i, Edit: e, Reason: "overlaps or precedes previous edit"}
		}
		prevEnd = e.End()
	}
	return nil
}

// splitLines 按 \n 切分并保留换行符，结果至少有一行
func splitLines(r []rune) [][]rune {
	lines := make([][]rune, 0, 8)
	start := 0
	for i, c := range r {
		if c == '\n' {
			lines = append(lines, append([]rune(nil), r[start:i+1]...))
			start = i + 1
		}
	}
	return append(lines, append([]rune(nil), r[start:]...))
}

// contentLen 去掉行尾 \n 或 \r\n 之后的长度
func contentLen(l []rune) int {
	n := len(l)
	if n > 0 && l[n-1] == '\n' {
		n--
		if n > 0 && l[n-1] == '\r' {
			n--
		}
	}
	return n
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
