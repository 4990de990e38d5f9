package memhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"collabsync/backend/internal/buffer"
	"collabsync/backend/internal/ot/delta"
)

var ErrUnknownDocument = errors.New("UNKNOWN_DOCUMENT")

// Listener 收到文档改动事件；同一事件里的改动按顺序依次生效
type Listener func(documentID string, changes []buffer.ContentChange)

// step 撤销栈上的一步：应用 edits 即可撤销（或重做）这一步
type step struct {
	edits []delta.Edit
}

type document struct {
	pt        *PieceTable
	undo      []step
	redo      []step
	failApply int
}

// Editor 内存里的宿主编辑器：每次用户编辑、每次 ApplyEdit 都是撤销栈上的一步，
// 改动事件在引起它的调用返回之前同步发出
type Editor struct {
	mu       sync.Mutex
	docs     map[string]*document
	listener Listener
}

func New() *Editor {
	return &Editor{docs: make(map[string]*document)}
}

// OnChange 设置改动事件的接收者
func (e *Editor) OnChange(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// Load 直接放入一个文档
func (e *Editor) Load(documentID, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docs[documentID] = &document{pt: NewPieceTable(content)}
}

func (e *Editor) Content(documentID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[documentID]
	if !ok {
		return ""
	}
	return d.pt.String()
}

// FailNextApply 接下来 n 次 ApplyEdit 返回失败
func (e *Editor) FailNextApply(documentID string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.docs[documentID]; ok {
		d.failApply = n
	}
}

// OpenDocument 已加载的文档直接返回，否则从磁盘读取
func (e *Editor) OpenDocument(ctx context.Context, path string) (string, bool, error) {
	e.mu.Lock()
	if d, ok := e.docs[path]; ok {
		content := d.pt.String()
		e.mu.Unlock()
		return content, len(d.undo) > 0, nil
	}
	e.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("open %s: %w", path, err)
	}
	e.Load(path, string(data))
	return string(data), false, nil
}

// Type 模拟用户编辑
func (e *Editor) Type(documentID string, offset, length int, text string) error {
	return e.edit(documentID, []delta.Edit{{Offset: offset, Length: length, Text: text}}, true)
}

// ApplyEdit edits 以当前文档为坐标，升序且互不重叠
func (e *Editor) ApplyEdit(ctx context.Context, documentID string, edits []delta.Edit) (bool, error) {
	e.mu.Lock()
	d, ok := e.docs[documentID]
	if ok && d.failApply > 0 {
		d.failApply--
		e.mu.Unlock()
		return false, nil
	}
	e.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	if err := e.edit(documentID, edits, true); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Editor) Undo(ctx context.Context, documentID string) error {
	return e.history(documentID, false)
}

func (e *Editor) Redo(ctx context.Context, documentID string) error {
	return e.history(documentID, true)
}

func (e *Editor) history(documentID string, redo bool) error {
	e.mu.Lock()
	d, ok := e.docs[documentID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	from, to := &d.undo, &d.redo
	if redo {
		from, to = &d.redo, &d.undo
	}
	if len(*from) == 0 {
		e.mu.Unlock()
		return nil
	}
	st := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]
	inverse, changes := d.apply(st.edits)
	*to = append(*to, step{edits: inverse})
	l := e.listener
	e.mu.Unlock()
	if l != nil && len(changes) > 0 {
		l(documentID, changes)
	}
	return nil
}

func (e *Editor) edit(documentID string, edits []delta.Edit, clearRedo bool) error {
	e.mu.Lock()
	d, ok := e.docs[documentID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	edits = delta.NormalizeEdits(edits, d.pt.Len())
	if len(edits) == 0 {
		e.mu.Unlock()
		return nil
	}
	inverse, changes := d.apply(edits)
	d.undo = append(d.undo, step{edits: inverse})
	if clearRedo {
		d.redo = nil
	}
	l := e.listener
	e.mu.Unlock()
	if l != nil {
		l(documentID, changes)
	}
	return nil
}

// apply 应用一批同时生效的改动，返回撤销它们的改动和按从后往前顺序排列的改动事件
func (d *document) apply(edits []delta.Edit) ([]delta.Edit, []buffer.ContentChange) {
	before := d.pt.String()
	changes := make([]buffer.ContentChange, 0, len(edits))
	inverse := make([]delta.Edit, 0, len(edits))
	shift := 0
	for _, ed := range edits {
		inverse = append(inverse, delta.Edit{
			Offset: ed.Offset + shift,
			Length: delta.RuneLen(ed.Text),
			Text:   d.pt.Slice(ed.Offset, ed.End()),
		})
		shift += delta.RuneLen(ed.Text) - ed.Length
		changes = append(changes, buffer.ContentChange{
			Range:       buffer.Range{Start: positionAt(before, ed.Offset), End: positionAt(before, ed.End())},
			RangeOffset: ed.Offset,
			RangeLength: ed.Length,
			Text:        ed.Text,
		})
	}
	_ = d.pt.Apply(delta.FromEdits(edits))
	// 从后往前排，依次应用时前面的坐标不受影响
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].RangeOffset > changes[j].RangeOffset })
	return inverse, changes
}

// positionAt 行号按 \n 计，列不超过行内容（不含 \r\n）
func positionAt(text string, offset int) buffer.Position {
	line, lineStart := 0, 0
	r := []rune(text)
	if offset > len(r) {
		offset = len(r)
	}
	for i := 0; i < offset; i++ {
		if r[i] == '\n' {
			line++
			lineStart = i + 1
		}
	}
	end := lineStart
	for end < len(r) && r[end] != '\n' {
		end++
	}
	if end > lineStart && end < len(r) && r[end-1] == '\r' {
		end--
	}
	ch := offset - lineStart
	if ch > end-lineStart {
		ch = end - lineStart
	}
	return buffer.Position{Line: line, Character: ch}
}
