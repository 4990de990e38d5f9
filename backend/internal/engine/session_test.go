package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collabsync/backend/internal/buffer"
	"collabsync/backend/internal/host/memhost"
	"collabsync/backend/internal/ot"
	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"
)

const docID = "doc.txt"

// fakeServer 内存里的定序服务：消息先排队，flush 时按顺序定序并下发
type fakeServer struct {
	mu      sync.Mutex
	queue   []protocol.Message
	buf     *buffer.LineBuffer
	rec     *ot.Reconciler
	clients []*participant
}

func newFakeServer(text string, version int) *fakeServer {
	return &fakeServer{
		buf: buffer.NewLineBuffer(text, buffer.Options{}),
		rec: ot.NewReconciler("server", docID, ot.NewHistory(version, 0), nil, nil),
	}
}

type participant struct {
	id    string
	host  *memhost.Editor
	s     *Session
	obs   *recordingObserver
	pres  *recordingPresence
	errc  chan error
	owner *fakeServer
}

func (p *participant) Send(msg protocol.Message) error {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	p.owner.queue = append(p.owner.queue, msg)
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	failures int
	desync   error
}

func (o *recordingObserver) OnHostApplyFailure(string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

func (o *recordingObserver) OnDesync(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.desync = err
}

type recordingPresence struct {
	mu         sync.Mutex
	selections []protocol.SelectionChangeMessage
	scrolls    []protocol.LayoutScrollMessage
}

func (p *recordingPresence) OnRemoteSelection(_ string, sel *protocol.SelectionChangeMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selections = append(p.selections, *sel)
}

func (p *recordingPresence) OnRemoteScroll(_ string, msg *protocol.LayoutScrollMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls = append(p.scrolls, *msg)
}

// join 新建一个参与者，宿主和会话里都是 text
func (srv *fakeServer) join(t *testing.T, ctx context.Context, id, text string, version int) *participant {
	t.Helper()
	return srv.joinWith(t, ctx, id, text, version, nil)
}

// joinWith wrap 不为空时会话看到的宿主是 wrap 包装后的编辑器
func (srv *fakeServer) joinWith(t *testing.T, ctx context.Context, id, text string, version int, wrap func(*memhost.Editor) HostEditor) *participant {
	t.Helper()
	p := &participant{
		id:    id,
		host:  memhost.New(),
		obs:   &recordingObserver{},
		pres:  &recordingPresence{},
		errc:  make(chan error, 1),
		owner: srv,
	}
	p.host.Load(docID, text)
	var host HostEditor = p.host
	if wrap != nil {
		host = wrap(p.host)
	}
	p.s = NewSession(Config{
		DocumentID:     docID,
		ClientID:       id,
		InitialContent: text,
		InitialVersion: version,
		Host:           host,
		Outbox:         p,
		Presence:       p.pres,
		Observer:       p.obs,
		Options:        Options{HostTimeout: time.Second},
	})
	p.host.OnChange(func(_ string, changes []buffer.ContentChange) {
		_ = p.s.NotifyChange(changes...)
	})
	go func() { p.errc <- p.s.Run(ctx) }()
	srv.clients = append(srv.clients, p)
	return p
}

func (srv *fakeServer) take() []protocol.Message {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	q := srv.queue
	srv.queue = nil
	return q
}

// flush 定序所有排队的消息并下发给参与者
func (srv *fakeServer) flush(t *testing.T) int {
	t.Helper()
	q := srv.take()
	for _, msg := range q {
		switch m := msg.(type) {
		case *protocol.TextChangeMessage:
			v, _, err := srv.rec.Apply(srv.buf, m)
			if err != nil {
				t.Fatalf("server Apply() error = %v", err)
			}
			for _, p := range srv.clients {
				_ = p.s.Deliver(protocol.Envelope{ServerVersion: v, Message: m})
			}
		case *protocol.FileOpenRequestMessage:
			ack := &protocol.FileOpenAcknowledgeMessage{
				SavedVersionNumber:       -1,
				StartServerVersionNumber: srv.rec.CurrentVersion(),
				FallbackText:             srv.buf.Content(),
				History:                  srv.rec.History().Entries(),
			}
			ack.MessageType = protocol.TypeFileOpenAcknowledge
			ack.ClientID = "server"
			ack.FileName = m.FileName
			for _, p := range srv.clients {
				if p.id == m.ClientID {
					_ = p.s.Deliver(protocol.Envelope{ServerVersion: srv.rec.CurrentVersion(), Message: ack})
				}
			}
		default:
			for _, p := range srv.clients {
				if p.id != msg.Head().ClientID {
					_ = p.s.Deliver(protocol.Envelope{Message: msg})
				}
			}
		}
	}
	return len(q)
}

// settle 反复下发、等待，直到没有新的消息
func (srv *fakeServer) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		srv.sync(t)
		if srv.flush(t) == 0 {
			srv.sync(t)
			return
		}
	}
	t.Fatalf("messages did not settle")
}

func (srv *fakeServer) sync(t *testing.T) {
	t.Helper()
	for _, p := range srv.clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.s.Sync(ctx)
		cancel()
		if err != nil {
			t.Fatalf("%s Sync() error = %v", p.id, err)
		}
	}
}

func (srv *fakeServer) assertConverged(t *testing.T, want string) {
	t.Helper()
	if got := srv.buf.Content(); got != want {
		t.Fatalf("server content = %q, want %q", got, want)
	}
	for _, p := range srv.clients {
		content, version, err := p.s.Content(context.Background())
		if err != nil {
			t.Fatalf("%s Content() error = %v", p.id, err)
		}
		if content != want {
			t.Fatalf("%s buffer = %q, want %q", p.id, content, want)
		}
		if got := p.host.Content(docID); got != want {
			t.Fatalf("%s host = %q, want %q", p.id, got, want)
		}
		if version != srv.rec.CurrentVersion() {
			t.Fatalf("%s version = %d, want %d", p.id, version, srv.rec.CurrentVersion())
		}
	}
}

func TestSession_ConcurrentEditsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newFakeServer("hello world", 0)
	a := srv.join(t, ctx, "A", "hello world", 0)
	b := srv.join(t, ctx, "B", "hello world", 0)

	_ = a.host.Type(docID, 0, 0, "X")
	_ = b.host.Type(docID, 11, 0, "!")
	_ = b.host.Type(docID, 0, 5, "HELLO")
	srv.settle(t)

	srv.assertConverged(t, "XHELLO world!")
}

func TestSession_UndoDefersToHost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newFakeServer("abc", 0)
	a := srv.join(t, ctx, "A", "abc", 0)
	srv.join(t, ctx, "B", "abc", 0)

	_ = a.host.Type(docID, 3, 0, "d")
	srv.settle(t)
	_ = a.s.Undo()
	srv.settle(t)
	srv.assertConverged(t, "abc")

	_ = a.s.Redo()
	srv.settle(t)
	srv.assertConverged(t, "abcd")
}

func TestSession_UndoAcrossRemoteEdit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newFakeServer("12345", 0)
	a := srv.join(t, ctx, "A", "12345", 0)
	b := srv.join(t, ctx, "B", "12345", 0)

	_ = a.host.Type(docID, 0, 0, "A")
	srv.settle(t)
	_ = b.host.Type(docID, 6, 0, "B")
	srv.settle(t)
	srv.assertConverged(t, "A12345B")

	// A 的撤销只撤掉 A 自己的改动，B 的改动保留
	_ = a.s.Undo()
	srv.settle(t)
	srv.assertConverged(t, "12345B")

	_ = a.s.Redo()
	srv.settle(t)
	srv.assertConverged(t, "A12345B")
}

func TestSession_NothingToUndo(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newFakeServer("abc", 0)
	a := srv.join(t, ctx, "A", "abc", 0)
	b := srv.join(t, ctx, "B", "abc", 0)

	_ = b.host.Type(docID, 0, 0, "B")
	srv.settle(t)
	// 只有远端改动，撤销什么也不做
	_ = a.s.Undo()
	srv.settle(t)
	srv.assertConverged(t, "Babc")
}

func TestSession_HostFailureRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newFakeServer("abc", 0)
	a := srv.join(t, ctx, "A", "abc", 0)
	b := srv.join(t, ctx, "B", "abc", 0)

	b.host.FailNextApply(docID, 2)
	_ = a.host.Type(docID, 1, 1, "XYZ")
	srv.settle(t)
	srv.assertConverged(t, "aXYZc")

	b.obs.mu.Lock()
	defer b.obs.mu.Unlock()
	if b.obs.failures != 2 {
		t.Fatalf("failures = %d, want 2", b.obs.failures)
	}
	if b.obs.desync != nil {
		t.Fatalf("desync = %v, want nil", b.obs.desync)
	}
}

func TestSession_DesyncAfterRetryBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newFakeServer("abc", 0)
	a := srv.join(t, ctx, "A", "abc", 0)
	b := srv.join(t, ctx, "B", "abc", 0)

	b.host.FailNextApply(docID, 100)
	_ = a.host.Type(docID, 0, 0, "x")
	if err := a.s.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	srv.flush(t)

	select {
	case err := <-b.errc:
		if !errors.Is(err, ErrDesync) {
			t.Fatalf("Run() error = %v, want ErrDesync", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not stop")
	}
	b.obs.mu.Lock()
	defer b.obs.mu.Unlock()
	if !errors.Is(b.obs.desync, ErrDesync) {
		t.Fatalf("OnDesync error = %v", b.obs.desync)
	}
	if b.obs.failures != 4 {
		t.Fatalf("failures = %d, want 4", b.obs.failures)
	}
	if got := b.host.Content(docID); got != "abc" {
		t.Fatalf("host = %q, want untouched %q", got, "abc")
	}
}

func TestSession_LateJoinUsesServerState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newFakeServer("hello", 0)
	a := srv.join(t, ctx, "A", "hello", 0)
	for _, s := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		_ = a.host.Type(docID, 0, 0, s)
		srv.settle(t)
	}

	late := srv.join(t, ctx, "L", "", 0)
	late.host.Load(docID, "stale copy")
	if err := late.s.Open(docID, false); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	srv.settle(t)

	content, version, err := late.s.Content(ctx)
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if version != 7 || content != "7654321hello" {
		t.Fatalf("Content() = %q@%d, want %q@7", content, version, "7654321hello")
	}

	// 加入之后正常参与协作
	_ = late.host.Type(docID, 0, 0, "L")
	_ = a.host.Type(docID, 12, 0, "!")
	srv.settle(t)
	srv.assertConverged(t, "L7654321hello!")
}

func TestSession_RemoteSelectionIsTransformed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newFakeServer("abcdef", 0)
	a := srv.join(t, ctx, "A", "abcdef", 0)
	b := srv.join(t, ctx, "B", "abcdef", 0)

	_ = b.host.Type(docID, 0, 0, "XX")
	srv.sync(t)
	// A 还没收到 B 的改动，选区基于版本 0
	_ = a.s.NotifySelection(2, 3, false)
	srv.settle(t)

	b.pres.mu.Lock()
	defer b.pres.mu.Unlock()
	if len(b.pres.selections) != 1 {
		t.Fatalf("selections = %d, want 1", len(b.pres.selections))
	}
	sel := b.pres.selections[0]
	if sel.ClientID != "A" || sel.Start != 4 || sel.Length != 3 {
		t.Fatalf("selection = %+v, want A at 4 len 3", sel)
	}
}

func TestSession_ViewportIsSentOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newFakeServer("abc", 0)
	a := srv.join(t, ctx, "A", "abc", 0)
	b := srv.join(t, ctx, "B", "abc", 0)

	if err := a.s.Do(ctx, func() {
		a.s.handle(viewportEvent{start: 0, length: 1})
		a.s.handle(viewportEvent{start: 0, length: 2})
	}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	srv.settle(t)

	b.pres.mu.Lock()
	defer b.pres.mu.Unlock()
	if len(b.pres.scrolls) != 1 || b.pres.scrolls[0].Length != 2 {
		t.Fatalf("scrolls = %+v, want one with length 2", b.pres.scrolls)
	}
}

// gatedHost 第一次 ApplyEdit 应用完之后停住，直到 release 关闭才返回
type gatedHost struct {
	*memhost.Editor
	armed   atomic.Bool
	applied chan struct{}
	release chan struct{}
}

func (g *gatedHost) ApplyEdit(ctx context.Context, documentID string, edits []delta.Edit) (bool, error) {
	ok, err := g.Editor.ApplyEdit(ctx, documentID, edits)
	if g.armed.CompareAndSwap(true, false) {
		close(g.applied)
		<-g.release
	}
	return ok, err
}

func TestSession_UserEditDuringRemoteApplyIsQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newFakeServer("abc", 0)
	a := srv.join(t, ctx, "A", "abc", 0)
	gate := &gatedHost{applied: make(chan struct{}), release: make(chan struct{})}
	b := srv.joinWith(t, ctx, "B", "abc", 0, func(e *memhost.Editor) HostEditor {
		gate.Editor = e
		gate.armed.Store(true)
		return gate
	})

	_ = a.host.Type(docID, 3, 0, "d")
	if err := a.s.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	srv.flush(t)
	select {
	case <-gate.applied:
	case <-time.After(5 * time.Second):
		t.Fatalf("remote edit never reached the host")
	}

	// 宿主调用还没返回时用户输入
	if err := b.host.Type(docID, 0, 0, "X"); err != nil {
		t.Fatalf("Type() error = %v", err)
	}
	var queued int
	var latched bool
	if err := b.s.Do(ctx, func() { queued, latched = len(b.s.local), b.s.latch != nil }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !latched || queued != 1 {
		t.Fatalf("latched = %v, queued = %d, want true, 1", latched, queued)
	}
	srv.mu.Lock()
	for _, msg := range srv.queue {
		if msg.Head().ClientID == "B" {
			srv.mu.Unlock()
			t.Fatalf("B sent %T while the remote apply was pending", msg)
		}
	}
	srv.mu.Unlock()

	close(gate.release)
	srv.settle(t)
	srv.assertConverged(t, "Xabcd")
}
