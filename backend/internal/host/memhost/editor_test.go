package memhost

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"collabsync/backend/internal/buffer"
	"collabsync/backend/internal/ot/delta"
)

type captured struct {
	events [][]buffer.ContentChange
}

func (c *captured) listen(_ string, changes []buffer.ContentChange) {
	c.events = append(c.events, changes)
}

func TestEditor_ApplyEditEventsDescending(t *testing.T) {
	e := New()
	e.Load("a.txt", "one\r\ntwo\nthree")
	var c captured
	e.OnChange(c.listen)

	edits := []delta.Edit{{Offset: 0, Length: 3, Text: "1"}, {Offset: 5, Length: 3, Text: "2"}}
	ok, err := e.ApplyEdit(context.Background(), "a.txt", edits)
	if err != nil || !ok {
		t.Fatalf("ApplyEdit() = %v, %v", ok, err)
	}
	if got, want := e.Content("a.txt"), "1\r\n2\nthree"; got != want {
		t.Fatalf("Content() = %q, want %q", got, want)
	}
	if len(c.events) != 1 || len(c.events[0]) != 2 {
		t.Fatalf("events = %+v, want one event with two changes", c.events)
	}
	first := c.events[0][0]
	if first.RangeOffset != 5 || first.Range.Start != (buffer.Position{Line: 1, Character: 0}) {
		t.Fatalf("first change = %+v, want offset 5 at line 1", first)
	}

	// 按事件顺序依次应用可以还原出宿主内容
	text := "one\r\ntwo\nthree"
	for _, ch := range c.events[0] {
		text = delta.ApplyEdits(text, []delta.Edit{{Offset: ch.RangeOffset, Length: ch.RangeLength, Text: ch.Text}})
	}
	if text != e.Content("a.txt") {
		t.Fatalf("replayed = %q, want %q", text, e.Content("a.txt"))
	}
}

func TestEditor_UndoRedo(t *testing.T) {
	ctx := context.Background()
	e := New()
	e.Load("d", "abc")
	_ = e.Type("d", 3, 0, "d")
	_, _ = e.ApplyEdit(ctx, "d", []delta.Edit{{Offset: 0, Length: 1, Text: "X"}})

	if err := e.Undo(ctx, "d"); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if got := e.Content("d"); got != "abcd" {
		t.Fatalf("after undo Content() = %q, want %q", got, "abcd")
	}
	_ = e.Undo(ctx, "d")
	if got := e.Content("d"); got != "abc" {
		t.Fatalf("after second undo Content() = %q, want %q", got, "abc")
	}
	// 撤销栈空了，不报错也不改内容
	_ = e.Undo(ctx, "d")
	if got := e.Content("d"); got != "abc" {
		t.Fatalf("empty undo changed content to %q", got)
	}
	_ = e.Redo(ctx, "d")
	_ = e.Redo(ctx, "d")
	if got := e.Content("d"); got != "Xbcd" {
		t.Fatalf("after redo Content() = %q, want %q", got, "Xbcd")
	}

	_ = e.Undo(ctx, "d")
	_ = e.Type("d", 0, 0, "!")
	_ = e.Redo(ctx, "d")
	if got := e.Content("d"); got != "!abcd" {
		t.Fatalf("user edit should clear redo, Content() = %q", got)
	}
}

func TestEditor_FailNextApply(t *testing.T) {
	e := New()
	e.Load("d", "abc")
	e.FailNextApply("d", 1)
	ok, err := e.ApplyEdit(context.Background(), "d", []delta.Edit{{Offset: 0, Length: 0, Text: "x"}})
	if ok || err != nil {
		t.Fatalf("ApplyEdit() = %v, %v, want false, nil", ok, err)
	}
	ok, _ = e.ApplyEdit(context.Background(), "d", []delta.Edit{{Offset: 0, Length: 0, Text: "x"}})
	if !ok || e.Content("d") != "xabc" {
		t.Fatalf("second ApplyEdit() = %v, content %q", ok, e.Content("d"))
	}
}

func TestEditor_OpenDocumentFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("line1\nline2"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	e := New()
	content, dirty, err := e.OpenDocument(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenDocument() error = %v", err)
	}
	if content != "line1\nline2" || dirty {
		t.Fatalf("OpenDocument() = %q, %v", content, dirty)
	}
	if _, _, err := e.OpenDocument(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("OpenDocument(missing) error = nil")
	}
}
