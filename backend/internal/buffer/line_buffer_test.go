package buffer

import (
	"errors"
	"testing"

	"collabsync/backend/internal/ot/delta"
)

func TestPositionAndOffset(t *testing.T) {
	b := NewLineBuffer("ab\r\ncd\nef", Options{})
	if b.LineCount() != 3 {
		t.Fatalf("LineCount() = %d, want 3", b.LineCount())
	}
	if got := b.LineContent(0); got != "ab" {
		t.Fatalf("LineContent(0) = %q, want %q", got, "ab")
	}
	cases := []struct {
		offset int
		pos    Position
	}{
		{0, Position{0, 0}},
		{2, Position{0, 2}},
		{4, Position{1, 0}},
		{6, Position{1, 2}},
		{7, Position{2, 0}},
		{9, Position{2, 2}},
	}
	for _, c := range cases {
		if got := b.PositionAt(c.offset); got != c.pos {
			t.Fatalf("PositionAt(%d) = %+v, want %+v", c.offset, got, c.pos)
		}
		if got := b.OffsetAt(c.pos); got != c.offset {
			t.Fatalf("OffsetAt(%+v) = %d, want %d", c.pos, got, c.offset)
		}
	}
}

func TestPositionClamping(t *testing.T) {
	b := NewLineBuffer("ab\ncd", Options{})
	if got := b.PositionAt(-5); got != (Position{0, 0}) {
		t.Fatalf("PositionAt(-5) = %+v", got)
	}
	if got := b.PositionAt(100); got != (Position{1, 2}) {
		t.Fatalf("PositionAt(100) = %+v", got)
	}
	if got := b.OffsetAt(Position{0, 99}); got != 2 {
		t.Fatalf("OffsetAt past line end = %d, want 2", got)
	}
	if got := b.OffsetAt(Position{7, 1}); got != 4 {
		t.Fatalf("OffsetAt past last line = %d, want 4", got)
	}
}

func TestApplyLocalEdit(t *testing.T) {
	b := NewLineBuffer("hello\nworld", Options{})
	c := b.ApplyLocalEdit(Position{0, 5}, Position{1, 0}, ", ")
	if got := b.Content(); got != "hello, world" {
		t.Fatalf("Content() = %q", got)
	}
	if c.OldText != "\n" || c.NewText != ", " || c.OldPosition != 5 {
		t.Fatalf("change = %+v", c)
	}
	if b.LineCount() != 1 {
		t.Fatalf("LineCount() = %d, want 1", b.LineCount())
	}
}

func TestApplyRemoteEdits_InverseRestores(t *testing.T) {
	orig := "line one\nline two\nline three"
	b := NewLineBuffer(orig, Options{})
	inv, err := b.ApplyRemoteEdits([]delta.Edit{
		{Offset: 0, Length: 4, Text: "LINE"},
		{Offset: 8, Length: 1, Text: "\n\n"},
		{Offset: 18, Length: 0, Text: "!"},
	})
	if err != nil {
		t.Fatalf("ApplyRemoteEdits: %v", err)
	}
	if got := b.Content(); got != "LINE one\n\nline two\n!line three" {
		t.Fatalf("Content() = %q", got)
	}
	if b.LineCount() != 4 {
		t.Fatalf("LineCount() = %d, want 4", b.LineCount())
	}
	if _, err := b.ApplyRemoteEdits(delta.Edits(inv)); err != nil {
		t.Fatalf("apply inverse: %v", err)
	}
	if got := b.Content(); got != orig {
		t.Fatalf("after inverse Content() = %q, want %q", got, orig)
	}
}

func TestApplyRemoteEdits_ClampsInvalidInput(t *testing.T) {
	b := NewLineBuffer("abcdef", Options{})
	inv, err := b.ApplyRemoteEdits([]delta.Edit{
		{Offset: 4, Length: 10, Text: "X"},
		{Offset: 2, Length: 1, Text: "Y"},
	})
	if err != nil {
		t.Fatalf("ApplyRemoteEdits: %v", err)
	}
	// 第二个改动起点被推到 6
	if got := b.Content(); got != "abcdXY" {
		t.Fatalf("Content() = %q, want %q", got, "abcdXY")
	}
	if _, err := b.ApplyRemoteEdits(delta.Edits(inv)); err != nil {
		t.Fatalf("apply inverse: %v", err)
	}
	if got := b.Content(); got != "abcdef" {
		t.Fatalf("after inverse Content() = %q", got)
	}
}

func TestApplyRemoteEdits_DebugRejects(t *testing.T) {
	b := NewLineBuffer("abc", Options{Debug: true})
	_, err := b.ApplyRemoteEdits([]delta.Edit{{Offset: 2, Length: 5, Text: ""}})
	var ee *EditError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *EditError", err)
	}
	if ee.Index != 0 {
		t.Fatalf("Index = %d, want 0", ee.Index)
	}
	if got := b.Content(); got != "abc" {
		t.Fatalf("Content() = %q, buffer must not change", got)
	}
}

func TestCRLFNeverSplit(t *testing.T) {
	b := NewLineBuffer("a\r\nb", Options{})
	b.BeginRecording()
	inv, err := b.ApplyRemoteEdits([]delta.Edit{{Offset: 2, Length: 0, Text: "X"}})
	if err != nil {
		t.Fatalf("ApplyRemoteEdits: %v", err)
	}
	committed, unexpanded := b.EndRecording()
	if got := b.Content(); got != "a\rX\nb" {
		t.Fatalf("Content() = %q", got)
	}
	if len(committed) != 1 || committed[0].OldText != "\r\n" || committed[0].NewText != "\rX\n" {
		t.Fatalf("committed = %+v", committed)
	}
	if len(unexpanded) != 1 || unexpanded[0].OldLength != 0 || unexpanded[0].NewText != "X" {
		t.Fatalf("unexpanded = %+v", unexpanded)
	}
	if _, err := b.ApplyRemoteEdits(delta.Edits(inv)); err != nil {
		t.Fatalf("apply inverse: %v", err)
	}
	if got := b.Content(); got != "a\r\nb" {
		t.Fatalf("after inverse Content() = %q", got)
	}
}

func TestRecordingCompressesEdits(t *testing.T) {
	b := NewLineBuffer("abc", Options{})
	b.BeginRecording()
	b.ApplyLocalOffsets(3, 0, "d")
	b.ApplyLocalOffsets(4, 0, "e")
	b.ApplyLocalOffsets(0, 1, "A")
	committed, _ := b.EndRecording()
	if len(committed) != 2 {
		t.Fatalf("committed = %+v, want 2 changes", committed)
	}
	if got := delta.ApplyEdits("abc", delta.Edits(committed)); got != b.Content() {
		t.Fatalf("replayed = %q, want %q", got, b.Content())
	}
}

func TestUndoCapture(t *testing.T) {
	b := NewLineBuffer("one two", Options{})
	b.BeginUndoCapture()
	b.ApplyLocalOffsets(3, 1, "_")
	if _, err := b.ApplyRemoteEdits([]delta.Edit{{Offset: 0, Length: 3, Text: "ONE"}}); err != nil {
		t.Fatalf("ApplyRemoteEdits: %v", err)
	}
	back := b.EndUndoCapture()
	if _, err := b.ApplyRemoteEdits(delta.Edits(back)); err != nil {
		t.Fatalf("apply capture: %v", err)
	}
	if got := b.Content(); got != "one two" {
		t.Fatalf("Content() = %q, want %q", got, "one two")
	}
}

func TestSetContent(t *testing.T) {
	b := NewLineBuffer("x", Options{})
	b.SetContent("a\nb\n")
	if b.LineCount() != 3 || b.MaximumOffset() != 4 {
		t.Fatalf("LineCount() = %d MaximumOffset() = %d", b.LineCount(), b.MaximumOffset())
	}
	if got := b.PositionAt(4); got != (Position{2, 0}) {
		t.Fatalf("PositionAt(4) = %+v", got)
	}
}

func TestPositionAt_InsideCRLFSnapsBeforeCR(t *testing.T) {
	b := NewLineBuffer("ab\r\ncd", Options{})
	pos := b.PositionAt(3)
	if pos != (Position{0, 2}) {
		t.Fatalf("PositionAt(3) = %+v, want {0 2}", pos)
	}
	if got := b.OffsetAt(pos); got != 2 {
		t.Fatalf("OffsetAt(%+v) = %d, want 2", pos, got)
	}
}
