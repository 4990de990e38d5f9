package memhost

import (
	"strings"

	"collabsync/backend/internal/ot/delta"
)

// Document 宿主编辑器的文档模型
type Document interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

type source int

const (
	srcOriginal source = iota
	srcAdded
)

// piece 指向 original 或 added 中的一段
type piece struct {
	src    source
	offset int
	length int
}

// PieceTable 初始文本只读，之后插入的文本只追加到 added，文档由 piece 列表拼出
//
//	"Hello world" 在 5 处插入 " big"：
//	[orig 0..5] [added 0..4] [orig 5..11]
type PieceTable struct {
	original []rune
	added    []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{src: srcOriginal, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.src == srcOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.added[p.offset : p.offset+p.length]
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.runes(p)))
	}
	return sb.String()
}

// Slice 返回 [start, end) 的文本
func (pt *PieceTable) Slice(start, end int) string {
	var sb strings.Builder
	pos := 0
	for _, p := range pt.pieces {
		lo, hi := max(start, pos), min(end, pos+p.length)
		if lo < hi {
			sb.WriteString(string(pt.runes(p)[lo-pos : hi-pos]))
		}
		pos += p.length
		if pos >= end {
			break
		}
	}
	return sb.String()
}

// Apply retain 前移，insert 在当前位置插入并前移，delete 从当前位置删除
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pt.insert(pos, []rune(op.Text))
			pos += delta.RuneLen(op.Text)
		case delta.KindDelete:
			pt.remove(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) {
	if len(text) == 0 {
		return
	}
	np := piece{src: srcAdded, offset: len(pt.added), length: len(text)}
	pt.added = append(pt.added, text...)

	idx, off := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return
	}
	cur := pt.pieces[idx]
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if off > 0 {
		out = append(out, piece{src: cur.src, offset: cur.offset, length: off})
	}
	out = append(out, np)
	if cur.length-off > 0 {
		out = append(out, piece{src: cur.src, offset: cur.offset + off, length: cur.length - off})
	}
	pt.pieces = append(out, pt.pieces[idx+1:]...)
}

func (pt *PieceTable) remove(pos, count int) {
	idx, off := pt.locate(pos)
	for count > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(count, cur.length-off)
		var keep []piece
		if off > 0 {
			keep = append(keep, piece{src: cur.src, offset: cur.offset, length: off})
		}
		if rest := cur.length - off - take; rest > 0 {
			keep = append(keep, piece{src: cur.src, offset: cur.offset + off + take, length: rest})
		}
		tail := append([]piece(nil), pt.pieces[idx+1:]...)
		pt.pieces = append(append(pt.pieces[:idx], keep...), tail...)
		count -= take
		// 下一轮从紧跟在删除点之后的 piece 开头继续
		if off > 0 {
			idx++
		}
		off = 0
	}
}

// locate 逻辑位置 pos 落在第几个 piece、piece 内偏移多少
func (pt *PieceTable) locate(pos int) (int, int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
