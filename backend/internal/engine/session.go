package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"collabsync/backend/internal/buffer"
	"collabsync/backend/internal/ot"
	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"
)

type Options struct {
	Debug            bool
	MaxRetries       int
	HistoryRetention int
	InboxSize        int
	HostTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.HostTimeout <= 0 {
		o.HostTimeout = 5 * time.Second
	}
	return o
}

type Config struct {
	DocumentID     string
	ClientID       string
	InitialContent string
	InitialVersion int
	Host           HostEditor
	Outbox         ot.Outbox
	Presence       PresenceSink
	Observer       Observer
	Options        Options
	// 同一连接上的所有会话共用一个序号分配器，为空时会话自己建一个
	Sequencer *protocol.Sequencer
}

type changeEvent struct{ changes []buffer.ContentChange }
type remoteEvent struct{ env protocol.Envelope }
type hostDoneEvent struct {
	token uint64
	ok    bool
	err   error
}
type openedEvent struct {
	token   uint64
	content string
	err     error
}
type commandEvent struct{ redo bool }
type openEvent struct {
	path       string
	sendJumpTo bool
}
type selectionEvent struct {
	start, length int
	reversed      bool
	jumpFor       string
}
type viewportEvent struct{ start, length int }
type syncEvent struct{ done chan struct{} }
type callEvent struct {
	fn   func()
	done chan struct{}
}
type renameEvent struct{ id string }

type opKind int

const (
	opRemoteApply opKind = iota
	opOpen
	opNativeUndo
	opUnwind
	opLocalUndo
	opReapply
	opNativeRedo
	opRedo
)

// savedState 应用远端改动之前的完整状态，宿主失败时恢复
type savedState struct {
	content string
	rec     ot.State
	undo    *undoCoordinator
}

// undoRun 一次需要绕过远端改动的撤销
type undoRun struct {
	k          int
	target     string
	budget     int
	unwound    int
	remoteBack []delta.TextChange
	afterLocal string
	reapply    []delta.Edit
}

type pendingOp struct {
	kind   opKind
	token  uint64
	env    protocol.Envelope
	saved  *savedState
	echoed bool
	// 引擎主动修改宿主时宿主回报的改动
	effect    []delta.TextChange
	committed []delta.TextChange
	undo      *undoRun
	redo      []delta.Edit
	before    string
	call      func(ctx context.Context) (bool, error)
}

// Session 一个打开的共享文档
// 所有状态只在 Run 的 goroutine 里修改，外部通过事件与它交互
type Session struct {
	id       string
	clientID string
	host     HostEditor
	out      ot.Outbox
	presence PresenceSink
	obs      Observer
	opts     Options

	buf     *buffer.LineBuffer
	seq     *protocol.Sequencer
	rec     *ot.Reconciler
	undo    *undoCoordinator
	tracker *protocol.SequenceTracker

	inbox chan any
	done  chan struct{}
	ctx   context.Context

	local       [][]buffer.ContentChange
	commands    []commandEvent
	remote      []protocol.Envelope
	latch       *pendingOp
	token       uint64
	retries     int
	desynced    error
	joined      bool
	readOnly    bool
	pendingJump bool
	selections  map[string]*protocol.SelectionChangeMessage
	scrolls     map[string]*protocol.LayoutScrollMessage
	viewport    *protocol.LayoutScrollMessage
	waiters     []chan struct{}
}

func NewSession(cfg Config) *Session {
	opts := cfg.Options.withDefaults()
	s := &Session{
		id:         cfg.DocumentID,
		clientID:   cfg.ClientID,
		host:       cfg.Host,
		out:        cfg.Outbox,
		presence:   cfg.Presence,
		obs:        cfg.Observer,
		opts:       opts,
		buf:        buffer.NewLineBuffer(cfg.InitialContent, buffer.Options{Debug: opts.Debug}),
		seq:        cfg.Sequencer,
		undo:       newUndoCoordinator(),
		tracker:    protocol.NewSequenceTracker(),
		inbox:      make(chan any, opts.InboxSize),
		done:       make(chan struct{}),
		joined:     true,
		selections: make(map[string]*protocol.SelectionChangeMessage),
		scrolls:    make(map[string]*protocol.LayoutScrollMessage),
	}
	if s.seq == nil {
		s.seq = &protocol.Sequencer{}
	}
	if s.presence == nil {
		s.presence = NopPresence{}
	}
	if s.obs == nil {
		s.obs = NopObserver{}
	}
	history := ot.NewHistory(cfg.InitialVersion, opts.HistoryRetention)
	s.rec = ot.NewReconciler(cfg.ClientID, cfg.DocumentID, history, s.seq, cfg.Outbox)
	return s
}

func (s *Session) ID() string { return s.id }

// Run 处理事件直到 ctx 结束或者失去同步
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.inbox:
			s.handle(ev)
			s.pump()
			if s.desynced != nil {
				return s.desynced
			}
		}
	}
}

func (s *Session) post(ev any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- ev:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// NotifyChange 宿主上报的改动事件
func (s *Session) NotifyChange(changes ...buffer.ContentChange) error {
	return s.post(changeEvent{changes: changes})
}

// Deliver 服务端下发的一帧
func (s *Session) Deliver(env protocol.Envelope) error {
	return s.post(remoteEvent{env: env})
}

func (s *Session) NotifySelection(start, length int, reversed bool) error {
	return s.post(selectionEvent{start: start, length: length, reversed: reversed})
}

// JumpTo 让 clientID 对应的参与者跳到这个选区
func (s *Session) JumpTo(clientID string, start, length int) error {
	return s.post(selectionEvent{start: start, length: length, jumpFor: clientID})
}

func (s *Session) NotifyViewport(start, length int) error {
	return s.post(viewportEvent{start: start, length: length})
}

func (s *Session) Undo() error { return s.post(commandEvent{}) }

func (s *Session) Redo() error { return s.post(commandEvent{redo: true}) }

// Open 从宿主读取文档并向服务端请求加入
func (s *Session) Open(path string, sendJumpTo bool) error {
	return s.post(openEvent{path: path, sendJumpTo: sendJumpTo})
}

func (s *Session) Rename(id string) error {
	return s.post(renameEvent{id: id})
}

// Sync 等到所有排队的事件都处理完、没有进行中的宿主调用
func (s *Session) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := s.post(syncEvent{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do 在事件循环里执行 fn
func (s *Session) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.post(callEvent{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Content 当前缓冲区内容和版本
func (s *Session) Content(ctx context.Context) (string, int, error) {
	var content string
	var version int
	err := s.Do(ctx, func() {
		content = s.buf.Content()
		version = s.rec.CurrentVersion()
	})
	return content, version, err
}

// Joined 是否已经收到服务端的加入回复
func (s *Session) Joined(ctx context.Context) (bool, error) {
	var joined bool
	err := s.Do(ctx, func() { joined = s.joined })
	return joined, err
}

func (s *Session) handle(ev any) {
	switch e := ev.(type) {
	case changeEvent:
		if s.latch != nil {
			s.onLatchedChange(e.changes)
			return
		}
		s.local = append(s.local, e.changes)
	case remoteEvent:
		s.onRemote(e.env)
	case hostDoneEvent:
		if s.latch == nil || s.latch.token != e.token {
			log.Printf("[engine] %s: stale host completion %d", s.id, e.token)
			return
		}
		op := s.latch
		s.latch = nil
		s.onHostDone(op, e.ok, e.err)
	case openedEvent:
		if s.latch == nil || s.latch.token != e.token {
			return
		}
		s.latch = nil
		s.onOpened(e.content, e.err)
	case commandEvent:
		s.commands = append(s.commands, e)
	case openEvent:
		s.startOpen(e.path, e.sendJumpTo)
	case selectionEvent:
		s.sendSelection(e)
	case viewportEvent:
		s.viewport = &protocol.LayoutScrollMessage{Start: e.start, Length: e.length}
	case syncEvent:
		s.waiters = append(s.waiters, e.done)
	case callEvent:
		e.fn()
		close(e.done)
	case renameEvent:
		s.id = e.id
		s.rec.Rename(e.id)
	default:
		assertf("unknown event %T", ev)
	}
}

// pump 没有进行中的宿主调用时依次处理：本地改动、撤销/重做、远端改动
func (s *Session) pump() {
	for s.latch == nil && s.desynced == nil {
		switch {
		case len(s.local) > 0:
			s.drainLocal()
		case len(s.commands) > 0:
			cmd := s.commands[0]
			s.commands = s.commands[1:]
			if cmd.redo {
				s.startRedo()
			} else {
				s.startUndo()
			}
		case len(s.remote) > 0:
			env := s.remote[0]
			s.remote = s.remote[1:]
			s.startRemote(env)
		default:
			s.flushPresence()
			for _, w := range s.waiters {
				close(w)
			}
			s.waiters = nil
			return
		}
	}
	s.flushPresence()
}

// begin 挂起后续处理，在单独的 goroutine 里调用宿主
func (s *Session) begin(op *pendingOp) {
	s.token++
	op.token = s.token
	s.latch = op
	token, call, ctx := op.token, op.call, s.ctx
	timeout := s.opts.HostTimeout
	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ok, err := call(cctx)
		_ = s.post(hostDoneEvent{token: token, ok: ok, err: err})
	}()
}

func (s *Session) applyEdit(edits []delta.Edit) func(ctx context.Context) (bool, error) {
	id := s.id
	return func(ctx context.Context) (bool, error) {
		return s.host.ApplyEdit(ctx, id, edits)
	}
}

func (s *Session) hostUndo() func(ctx context.Context) (bool, error) {
	id := s.id
	return func(ctx context.Context) (bool, error) {
		return true, s.host.Undo(ctx, id)
	}
}

func (s *Session) hostRedo() func(ctx context.Context) (bool, error) {
	id := s.id
	return func(ctx context.Context) (bool, error) {
		return true, s.host.Redo(ctx, id)
	}
}

// applyHostChanges 把宿主的改动事件应用到缓冲区
func (s *Session) applyHostChanges(changes []buffer.ContentChange) []delta.TextChange {
	var applied []delta.TextChange
	for _, c := range changes {
		tc := s.buf.ApplyLocalOffsets(c.RangeOffset, c.RangeLength, c.Text)
		if !tc.IsNoop() {
			applied = append(applied, tc)
		}
	}
	return applied
}

func (s *Session) drainLocal() {
	events := s.local
	s.local = nil
	s.buf.BeginRecording()
	for _, changes := range events {
		s.undo.record(sourceLocal, 1, s.buf.Content)
		s.applyHostChanges(changes)
	}
	committed, _ := s.buf.EndRecording()
	if len(committed) == 0 {
		return
	}
	s.undo.clearRedo()
	s.sendLocal(committed)
}

func (s *Session) sendLocal(committed []delta.TextChange) {
	if len(committed) == 0 {
		return
	}
	if s.readOnly {
		log.Printf("[engine] %s: local edit on read-only document is not shared", s.id)
	}
	if _, err := s.rec.AcceptLocal(committed); err != nil {
		log.Printf("[engine] %s: send local change: %v", s.id, err)
	}
}

// onLatchedChange 宿主调用进行中收到的改动事件：
// 引擎写入宿主的回显要么已经反映在缓冲区里，要么正是这次调用的效果
func (s *Session) onLatchedChange(changes []buffer.ContentChange) {
	op := s.latch
	switch op.kind {
	case opRemoteApply:
		if !op.echoed && applyContentChanges(op.before, changes) == s.buf.Content() {
			op.echoed = true
			return
		}
		s.local = append(s.local, changes)
	case opReapply, opRedo:
		if op.echoed {
			s.local = append(s.local, changes)
			return
		}
		op.echoed = true
		op.effect = append(op.effect, s.applyHostChanges(changes)...)
	case opNativeUndo, opUnwind, opLocalUndo, opNativeRedo:
		op.effect = append(op.effect, s.applyHostChanges(changes)...)
	default:
		s.local = append(s.local, changes)
	}
}

func (s *Session) onHostDone(op *pendingOp, ok bool, err error) {
	failed := !ok || err != nil
	if failed && err == nil {
		err = ErrHostApply
	}
	switch op.kind {
	case opRemoteApply:
		if failed {
			s.rollback(op, err)
			return
		}
		if !op.echoed {
			assertf("%s: host applied edit without a change event", s.id)
		}
		s.retries = 0
		s.undo.record(sourceRemote, 1, func() string { return op.saved.content })
		s.undo.nativeRedo = 0
		s.undo.rebaseRedo(op.committed)

	case opNativeUndo:
		committed, _ := s.buf.EndRecording()
		if failed {
			log.Printf("[engine] %s: host undo: %v", s.id, err)
		}
		if len(committed) > 0 {
			s.undo.nativeUndone(delta.Edits(delta.Invert(committed)))
			s.sendLocal(committed)
		}

	case opNativeRedo:
		committed, _ := s.buf.EndRecording()
		if failed {
			log.Printf("[engine] %s: host redo: %v", s.id, err)
		}
		if len(committed) > 0 {
			s.undo.nativeRedone(func() string { return delta.ApplyEdits(s.buf.Content(), delta.Edits(delta.Invert(committed))) })
			s.sendLocal(committed)
		}

	case opUnwind:
		run := op.undo
		run.unwound++
		if failed || len(op.effect) == 0 {
			log.Printf("[engine] %s: host undo while unwinding remote edits: %v", s.id, err)
			s.abortUndo()
			return
		}
		if s.buf.Content() != run.target && run.unwound < run.budget {
			s.begin(&pendingOp{kind: opUnwind, undo: run, call: s.hostUndo()})
			return
		}
		if s.buf.Content() != run.target {
			assertf("%s: unwound %d remote steps without reaching the snapshot", s.id, run.unwound)
		}
		run.remoteBack = s.buf.EndUndoCapture()
		s.buf.BeginUndoCapture()
		s.begin(&pendingOp{kind: opLocalUndo, undo: run, call: s.hostUndo()})

	case opLocalUndo:
		run := op.undo
		localBack := s.buf.EndUndoCapture()
		if failed {
			log.Printf("[engine] %s: host undo of local step: %v", s.id, err)
		}
		run.afterLocal = s.buf.Content()
		run.reapply = ot.RebaseEdits(delta.Edits(run.remoteBack), delta.Invert(localBack))
		s.undo.pushRedo(delta.Edits(localBack))
		if len(run.reapply) == 0 {
			s.finishUndo(run, false)
			return
		}
		s.begin(&pendingOp{kind: opReapply, undo: run, call: s.applyEdit(run.reapply)})

	case opReapply:
		run := op.undo
		if failed {
			s.obs.OnHostApplyFailure(s.id, err)
			s.retries++
			if s.retries > s.opts.MaxRetries {
				s.fail(fmt.Errorf("%w: %s: re-applying remote edits after undo: %v", ErrDesync, s.id, err))
				return
			}
			s.begin(&pendingOp{kind: opReapply, undo: run, call: s.applyEdit(run.reapply)})
			return
		}
		s.retries = 0
		s.undo.rebaseRedo(sequenceToBatch(op.effect))
		s.finishUndo(run, true)

	case opRedo:
		committed, _ := s.buf.EndRecording()
		if failed {
			s.obs.OnHostApplyFailure(s.id, err)
			if len(committed) == 0 {
				s.undo.pushRedo(op.redo)
				return
			}
		}
		if len(committed) > 0 {
			s.undo.record(sourceLocal, 1, func() string { return op.before })
			s.undo.nativeRedo = 0
			s.sendLocal(committed)
		}
	}
}

// rollback 宿主拒绝了这次远端改动：恢复缓冲区、历史、未确认列表和撤销记录，稍后重试
func (s *Session) rollback(op *pendingOp, err error) {
	log.Printf("[engine] %s: host apply failed, rolling back: %v", s.id, err)
	s.restore(op.saved)
	s.obs.OnHostApplyFailure(s.id, err)
	s.retries++
	if s.retries > s.opts.MaxRetries {
		s.fail(fmt.Errorf("%w: %s: host rejected remote edit %d times: %v", ErrDesync, s.id, s.retries, err))
		return
	}
	s.remote = append([]protocol.Envelope{op.env}, s.remote...)
}

func (s *Session) save() *savedState {
	return &savedState{content: s.buf.Content(), rec: s.rec.SaveState(), undo: s.undo.clone()}
}

func (s *Session) restore(saved *savedState) {
	s.buf.SetContent(saved.content)
	s.rec.LoadState(saved.rec)
	s.undo = saved.undo
}

func (s *Session) fail(err error) {
	log.Printf("[engine] %s: %v", s.id, err)
	s.desynced = err
	s.remote = nil
	s.obs.OnDesync(s.id, err)
}

func (s *Session) onRemote(env protocol.Envelope) {
	switch m := env.Message.(type) {
	case *protocol.TextChangeMessage, *protocol.FileOpenAcknowledgeMessage:
		s.remote = append(s.remote, env)
	case *protocol.SelectionChangeMessage:
		if m.ClientID != s.clientID {
			s.selections[m.ClientID] = m
		}
	case *protocol.LayoutScrollMessage:
		if m.ClientID != s.clientID {
			s.scrolls[m.ClientID] = m
		}
	default:
		log.Printf("[engine] %s: ignored %T", s.id, env.Message)
	}
}

func (s *Session) startRemote(env protocol.Envelope) {
	switch m := env.Message.(type) {
	case *protocol.FileOpenAcknowledgeMessage:
		s.applyOpenAck(env, m)
	case *protocol.TextChangeMessage:
		if !s.joined {
			log.Printf("[engine] %s: dropped version %d received before joining", s.id, env.ServerVersion)
			return
		}
		if m.ClientID == s.clientID {
			if err := s.rec.Acknowledge(env.ServerVersion); err != nil && !errors.Is(err, ot.ErrStaleVersion) {
				log.Printf("[engine] %s: acknowledge %d: %v", s.id, env.ServerVersion, err)
			}
			return
		}
		_ = s.tracker.Observe(m.ClientID, m.Seq)

		saved := s.save()
		s.buf.BeginRecording()
		err := s.rec.AcceptRemote(s.buf, m, env.ServerVersion)
		committed, unexpanded := s.buf.EndRecording()
		if err != nil {
			if !errors.Is(err, ot.ErrStaleVersion) {
				log.Printf("[engine] %s: dropped version %d from %s: %v", s.id, env.ServerVersion, m.ClientID, err)
				s.restore(saved)
			}
			return
		}
		if len(unexpanded) == 0 {
			return
		}
		s.begin(&pendingOp{
			kind:      opRemoteApply,
			env:       env,
			saved:     saved,
			before:    saved.content,
			committed: committed,
			call:      s.applyEdit(delta.Edits(unexpanded)),
		})
	}
}

func (s *Session) startOpen(path string, sendJumpTo bool) {
	s.joined = false
	s.token++
	token, ctx, timeout := s.token, s.ctx, s.opts.HostTimeout
	s.latch = &pendingOp{kind: opOpen, token: token}
	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		content, _, err := s.host.OpenDocument(cctx, path)
		_ = s.post(openedEvent{token: token, content: content, err: err})
	}()
	s.pendingJump = sendJumpTo
}

func (s *Session) onOpened(content string, err error) {
	if err != nil {
		s.fail(fmt.Errorf("%w: %s: open document: %v", ErrDesync, s.id, err))
		return
	}
	s.buf.SetContent(content)
	req := &protocol.FileOpenRequestMessage{HashCode: protocol.HashCode(content), SendJumpTo: s.pendingJump}
	if err := s.seq.StampAndSend(req, protocol.TypeFileOpenRequest, s.clientID, s.id, s.send()); err != nil {
		log.Printf("[engine] %s: send open request: %v", s.id, err)
	}
}

// applyOpenAck 以服务端的版本和历史为起点，并让宿主内容与之一致
func (s *Session) applyOpenAck(env protocol.Envelope, m *protocol.FileOpenAcknowledgeMessage) {
	if m.WasUnableToOpen {
		s.fail(fmt.Errorf("%w: %s: server was unable to open the document", ErrDesync, s.id))
		return
	}
	before := s.buf.Content()
	text := m.FallbackText
	if m.SavedVersionNumber >= 0 {
		text = delta.ApplyEdits(before, delta.ChangesToEdits(m.Changes))
	}
	saved := s.save()
	s.rec.History().SetInitial(m.StartServerVersionNumber, m.History)
	s.joined = true
	s.readOnly = m.IsReadOnly
	if text == before {
		return
	}
	s.buf.BeginRecording()
	if _, err := s.buf.ApplyRemoteEdits([]delta.Edit{diffEdit(before, text)}); err != nil {
		s.buf.EndRecording()
		s.restore(saved)
		s.fail(fmt.Errorf("%w: %s: initial content: %v", ErrDesync, s.id, err))
		return
	}
	committed, unexpanded := s.buf.EndRecording()
	s.begin(&pendingOp{
		kind:      opRemoteApply,
		env:       env,
		saved:     saved,
		before:    before,
		committed: committed,
		call:      s.applyEdit(delta.Edits(unexpanded)),
	})
}

func (s *Session) startUndo() {
	if s.undo.canDefer() {
		s.buf.BeginRecording()
		s.begin(&pendingOp{kind: opNativeUndo, call: s.hostUndo()})
		return
	}
	k, target, steps, ok := s.undo.plan()
	if !ok {
		log.Printf("[engine] %s: nothing to undo", s.id)
		return
	}
	run := &undoRun{k: k, target: target, budget: steps}
	s.buf.BeginRecording()
	s.buf.BeginUndoCapture()
	s.begin(&pendingOp{kind: opUnwind, undo: run, call: s.hostUndo()})
}

func (s *Session) abortUndo() {
	s.buf.EndUndoCapture()
	committed, _ := s.buf.EndRecording()
	// 已经发生在宿主上的撤销照常同步出去
	s.sendLocal(committed)
}

func (s *Session) finishUndo(run *undoRun, reapplied bool) {
	committed, _ := s.buf.EndRecording()
	s.undo.finishUndo(run.k, run.afterLocal, reapplied)
	s.sendLocal(committed)
}

func (s *Session) startRedo() {
	if s.undo.nativeRedo > 0 {
		s.buf.BeginRecording()
		s.begin(&pendingOp{kind: opNativeRedo, call: s.hostRedo()})
		return
	}
	edits, ok := s.undo.popRedo()
	if !ok {
		log.Printf("[engine] %s: nothing to redo", s.id)
		return
	}
	s.buf.BeginRecording()
	s.begin(&pendingOp{kind: opRedo, redo: edits, before: s.buf.Content(), call: s.applyEdit(edits)})
}

func (s *Session) sendSelection(e selectionEvent) {
	msg := &protocol.SelectionChangeMessage{
		ServerVersionNumber: s.rec.CurrentVersion(),
		Start:               e.start,
		Length:              e.length,
		IsReversed:          e.reversed,
		ForceJumpForClient:  e.jumpFor,
	}
	if err := s.seq.StampAndSend(msg, protocol.TypeSelectionChange, s.clientID, s.id, s.send()); err != nil {
		log.Printf("[engine] %s: send selection: %v", s.id, err)
	}
}

// flushPresence 每轮最多向宿主报告每个参与者一次选区/视口，本地视口也在这里发出
func (s *Session) flushPresence() {
	cur := s.rec.CurrentVersion()
	for id, sel := range s.selections {
		start, end := s.rec.History().TransformRange(sel.ClientID, sel.ServerVersionNumber, sel.Start, sel.Start+sel.Length)
		out := *sel
		out.Start, out.Length, out.ServerVersionNumber = start, end-start, max(cur, sel.ServerVersionNumber)
		s.presence.OnRemoteSelection(s.id, &out)
		delete(s.selections, id)
	}
	for id, sc := range s.scrolls {
		if sc.ServerVersionNumber >= cur {
			s.presence.OnRemoteScroll(s.id, sc)
		}
		delete(s.scrolls, id)
	}
	if s.viewport != nil && s.out != nil {
		msg := s.viewport
		s.viewport = nil
		msg.ServerVersionNumber = cur
		if err := s.seq.StampAndSend(msg, protocol.TypeLayoutScroll, s.clientID, s.id, s.out.Send); err != nil {
			log.Printf("[engine] %s: send viewport: %v", s.id, err)
		}
	}
}

func (s *Session) send() func(protocol.Message) error {
	if s.out == nil {
		return nil
	}
	return s.out.Send
}

// applyContentChanges 按顺序把改动事件应用到字符串上
func applyContentChanges(text string, changes []buffer.ContentChange) string {
	for _, c := range changes {
		text = delta.ApplyEdits(text, []delta.Edit{{Offset: c.RangeOffset, Length: c.RangeLength, Text: c.Text}})
	}
	return text
}

// sequenceToBatch 依次发生的改动合成一批同时生效的改动
func sequenceToBatch(seq []delta.TextChange) []delta.TextChange {
	var batch []delta.TextChange
	for _, c := range seq {
		batch = delta.Compress(batch, []delta.TextChange{c})
	}
	return batch
}

// diffEdit 去掉公共前后缀后的单个替换
func diffEdit(a, b string) delta.Edit {
	ra, rb := []rune(a), []rune(b)
	p := 0
	for p < len(ra) && p < len(rb) && ra[p] == rb[p] {
		p++
	}
	q := 0
	for q < len(ra)-p && q < len(rb)-p && ra[len(ra)-1-q] == rb[len(rb)-1-q] {
		q++
	}
	return delta.Edit{Offset: p, Length: len(ra) - p - q, Text: string(rb[p : len(rb)-q])}
}
