package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collabsync/backend/internal/buffer"
	"collabsync/backend/internal/ot"
	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/store"
)

// 协作引擎接口：服务端是唯一的定序者
type Service interface {
	// Submit 定序一条文本改动；publish 在文档锁内调用，保证下发顺序与版本顺序一致
	Submit(ctx context.Context, docID string, msg *protocol.TextChangeMessage, publish func(AppliedOp)) (AppliedOp, error)

	CurrentVersion(ctx context.Context, docID string) (int, error)

	LoadDocumentContent(ctx context.Context, docID string) (string, int, error)

	// 用于握手/追平
	OpsSince(ctx context.Context, docID string, fromVersion int, limit int) ([]AppliedOp, error)

	// OpenFile 回答加入请求；reply 在文档锁内调用
	OpenFile(ctx context.Context, docID string, req *protocol.FileOpenRequestMessage,
		reply func(ack *protocol.FileOpenAcknowledgeMessage, version int)) error

	SaveSnapshot(ctx context.Context, docID string) error

	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) error
}

// 快照存储接口
// 只声明，实现在 store 中
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, version int, content string) error
	FindByHash(ctx context.Context, docID, hash string) (*store.Snapshot, error)
	Latest(ctx context.Context, docID string) (*store.Snapshot, error)
}

type HistoryStore interface {
	Append(ctx context.Context, docID string, e protocol.HistoryEntry) error
	Since(ctx context.Context, docID string, from, limit int) ([]protocol.HistoryEntry, error)
}

type DocumentStore interface {
	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) error
	Get(ctx context.Context, docID string) (*store.Document, error)
}

type AppliedOp struct {
	OperationID string // 本次操作的唯一ID（用于幂等/追踪）
	Version     int    // 全局版本号
	ClientID    string
	Seq         uint64
	BaseVersion int
	// 改写到 Version-1 之后实际应用的形式
	Changes   []delta.Change
	AppliedAt time.Time
}

var (
	ErrRevisionConflict      = errors.New("REVISION_CONFLICT")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrDocumentNotLoaded     = errors.New("DOCUMENT_NOT_LOADED")
	ErrStoreNotInitialized   = errors.New("STORE_NOT_INITIALIZED")
	ErrReadOnly              = errors.New("DOCUMENT_READ_ONLY")
)

const serverClientID = "server"

type docState struct {
	mu      sync.RWMutex
	buf     *buffer.LineBuffer
	rec     *ot.Reconciler
	opsRing []AppliedOp
	// 去重窗口：记录某 clientId 最近的最大 seq
	lastSeqByClient map[string]uint64
	readOnly        bool
}

type Options struct {
	RingCap          int
	HistoryRetention int
	EnqueueTimeout   time.Duration
}

// InMemoryService 持有所有已加载文档的权威内容和版本历史
type InMemoryService struct {
	mu   sync.RWMutex
	docs map[string]*docState
	opts Options
	sf   singleflight.Group

	// 依赖注入，都可以为 nil
	snapshots SnapshotStore
	history   HistoryStore
	documents DocumentStore
	events    *KafkaDispatcher
}

var _ Service = (*InMemoryService)(nil)

// NewInMemoryService 返回一个满足 Service 接口的实例
func NewInMemoryService(snapshots SnapshotStore, history HistoryStore, documents DocumentStore, events *KafkaDispatcher, opts Options) *InMemoryService {
	if opts.RingCap <= 0 {
		opts.RingCap = 1024 // 近期操作环形缓冲容量
	}
	if opts.HistoryRetention <= 0 {
		opts.HistoryRetention = ot.DefaultMaxRetained
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 100 * time.Millisecond
	}
	return &InMemoryService{
		docs:      make(map[string]*docState),
		opts:      opts,
		snapshots: snapshots,
		history:   history,
		documents: documents,
		events:    events,
	}
}

// getOrLoadDoc 内存里没有时从最新快照和版本日志恢复，同一文档并发加载只做一次
func (s *InMemoryService) getOrLoadDoc(ctx context.Context, docID string) (*docState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}
	v, err, _ := s.sf.Do("load:"+docID, func() (interface{}, error) {
		s.mu.RLock()
		ds := s.docs[docID]
		s.mu.RUnlock()
		if ds != nil {
			return ds, nil
		}
		ds, err := s.restore(ctx, docID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing := s.docs[docID]; existing != nil {
			return existing, nil
		}
		s.docs[docID] = ds
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*docState), nil
}

func (s *InMemoryService) restore(ctx context.Context, docID string) (*docState, error) {
	content, version := "", 0
	if s.snapshots != nil {
		snap, err := s.snapshots.Latest(ctx, docID)
		switch {
		case err == nil:
			content, version = snap.Content, snap.Version
		case errors.Is(err, store.ErrSnapshotNotFound):
		default:
			return nil, fmt.Errorf("load snapshot doc=%s: %w", docID, err)
		}
	}

	hist := ot.NewHistory(version, s.opts.HistoryRetention)
	buf := buffer.NewLineBuffer(content, buffer.Options{})
	if s.history != nil {
		entries, err := s.history.Since(ctx, docID, max(version-s.opts.HistoryRetention, 0), 0)
		if err != nil {
			return nil, fmt.Errorf("load history doc=%s: %w", docID, err)
		}
		var before []protocol.HistoryEntry
		var after []protocol.HistoryEntry
		for _, e := range entries {
			if e.ServerVersion <= version {
				before = append(before, e)
			} else {
				after = append(after, e)
			}
		}
		hist.SetInitial(version, before)
		for _, e := range after {
			if e.ServerVersion != hist.CurrentVersion()+1 {
				log.Printf("history gap doc=%s want=%d got=%d, stop replay", docID, hist.CurrentVersion()+1, e.ServerVersion)
				break
			}
			rebased := e.Rebased
			if rebased == nil {
				rebased = e.Changes
			}
			if _, err := buf.ApplyRemoteEdits(delta.ChangesToEdits(rebased)); err != nil {
				return nil, fmt.Errorf("replay doc=%s rev=%d: %w", docID, e.ServerVersion, err)
			}
			msg := &protocol.TextChangeMessage{ChangeServerVersion: e.BaseVersion, Changes: e.Changes}
			msg.ClientID = e.ClientID
			hist.AddVersion(e.ServerVersion, msg, rebased)
		}
	}

	ds := &docState{
		buf:             buf,
		rec:             ot.NewReconciler(serverClientID, docID, hist, nil, nil),
		opsRing:         make([]AppliedOp, 0, s.opts.RingCap),
		lastSeqByClient: make(map[string]uint64),
	}
	if s.documents != nil {
		doc, err := s.documents.Get(ctx, docID)
		switch {
		case err == nil:
			ds.readOnly = doc.ReadOnly
		case errors.Is(err, store.ErrDocumentNotFound):
		default:
			log.Printf("load document meta doc=%s err=%v", docID, err)
		}
	}
	log.Printf("document loaded doc=%s rev=%d", docID, hist.CurrentVersion())
	return ds, nil
}

// 获取已加载的文档
func (s *InMemoryService) loadedDoc(docID string) (*docState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotLoaded, docID)
	}
	return ds, nil
}

// Submit 提交操作（InMemoryService 实现）
func (s *InMemoryService) Submit(ctx context.Context, docID string, msg *protocol.TextChangeMessage, publish func(AppliedOp)) (AppliedOp, error) {
	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		return AppliedOp{}, err
	}
	ds.mu.Lock()
	if ds.readOnly {
		ds.mu.Unlock()
		return AppliedOp{}, ErrReadOnly
	}

	// 幂等/去重：同一 clientId 的 seq 只允许递增
	if last := ds.lastSeqByClient[msg.ClientID]; msg.Seq <= last {
		ds.mu.Unlock()
		return AppliedOp{}, ErrDuplicateOrOutOfOrder
	}
	// 版本校验：只能基于已经定序的版本
	if cur := ds.rec.CurrentVersion(); msg.ChangeServerVersion > cur {
		ds.mu.Unlock()
		return AppliedOp{}, fmt.Errorf("%w: base %d, current %d", ErrRevisionConflict, msg.ChangeServerVersion, cur)
	}

	version, rebased, err := ds.rec.Apply(ds.buf, msg)
	if err != nil {
		ds.mu.Unlock()
		return AppliedOp{}, err
	}
	appliedOp := AppliedOp{
		OperationID: fmt.Sprintf("o-%d", time.Now().UnixNano()),
		Version:     version,
		ClientID:    msg.ClientID,
		Seq:         msg.Seq,
		BaseVersion: msg.ChangeServerVersion,
		Changes:     rebased,
		AppliedAt:   time.Now(),
	}

	// 保存到环形缓冲（如果达到容量则丢弃最老的一条）
	if len(ds.opsRing) == cap(ds.opsRing) && cap(ds.opsRing) > 0 {
		copy(ds.opsRing[0:], ds.opsRing[1:])
		ds.opsRing = ds.opsRing[:len(ds.opsRing)-1]
	}
	ds.opsRing = append(ds.opsRing, appliedOp)
	ds.lastSeqByClient[msg.ClientID] = msg.Seq

	if publish != nil {
		publish(appliedOp)
	}
	ds.mu.Unlock()

	entry := protocol.HistoryEntry{
		ServerVersion: version,
		ClientID:      msg.ClientID,
		BaseVersion:   msg.ChangeServerVersion,
		Changes:       delta.CloneChanges(msg.Changes),
	}
	if !delta.EqualChanges(msg.Changes, rebased) {
		entry.Rebased = delta.CloneChanges(rebased)
	}
	if s.history != nil {
		if err := s.history.Append(ctx, docID, entry); err != nil {
			log.Printf("persist version failed doc=%s rev=%d err=%v", docID, version, err)
		}
	}

	// 发 Kafka 只入队，不阻塞主流程
	if s.events != nil {
		ectx, cancel := context.WithTimeout(ctx, s.opts.EnqueueTimeout)
		if err := s.events.Enqueue(ectx, newDocOpEvent(docID, appliedOp)); err != nil {
			log.Printf("kafka queue full, drop event doc=%s rev=%d err=%v", docID, version, err)
		}
		cancel()
	}
	return appliedOp, nil
}

// CurrentVersion 返回当前文档版本，未加载的文档返回 0
func (s *InMemoryService) CurrentVersion(ctx context.Context, docID string) (int, error) {
	ds, err := s.loadedDoc(docID)
	if err != nil {
		return 0, nil
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.rec.CurrentVersion(), nil
}

func (s *InMemoryService) LoadDocumentContent(ctx context.Context, docID string) (string, int, error) {
	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		return "", 0, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.buf.Content(), ds.rec.CurrentVersion(), nil
}

// OpsSince 返回 fromVersion 之后的已应用操作（InMemoryService 实现）
func (s *InMemoryService) OpsSince(ctx context.Context, docID string, fromVersion int, limit int) ([]AppliedOp, error) {
	ds, err := s.loadedDoc(docID)
	if err != nil {
		return nil, nil
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	var out []AppliedOp
	for _, op := range ds.opsRing {
		if op.Version > fromVersion {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// OpenFile 客户端内容与某个快照一致时只回复快照之后的改动，否则回复全文
func (s *InMemoryService) OpenFile(ctx context.Context, docID string, req *protocol.FileOpenRequestMessage,
	reply func(ack *protocol.FileOpenAcknowledgeMessage, version int)) error {
	ack := &protocol.FileOpenAcknowledgeMessage{SavedVersionNumber: -1}
	ack.MessageType = protocol.TypeFileOpenAcknowledge
	ack.ClientID = serverClientID
	ack.FileName = docID

	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		log.Printf("open file failed doc=%s client=%s err=%v", docID, req.ClientID, err)
		ack.WasUnableToOpen = true
		reply(ack, 0)
		return err
	}
	snap := s.findSnapshot(ctx, docID, req.HashCode)

	ds.mu.RLock()
	defer ds.mu.RUnlock()
	cur := ds.rec.CurrentVersion()
	ack.StartServerVersionNumber = cur
	ack.IsReadOnly = ds.readOnly
	ack.History = ds.rec.History().Entries()
	if snap != nil {
		if changes, ok := changesSince(snap, ds.rec.History()); ok {
			ack.SavedVersionNumber = snap.Version
			ack.Changes = changes
		}
	}
	if ack.SavedVersionNumber < 0 {
		ack.FallbackText = ds.buf.Content()
	}
	reply(ack, cur)
	return nil
}

// findSnapshot 多个客户端带着同一份内容同时加入时只查一次库
func (s *InMemoryService) findSnapshot(ctx context.Context, docID, hash string) *store.Snapshot {
	if s.snapshots == nil || hash == "" {
		return nil
	}
	v, err, _ := s.sf.Do("snap:"+docID+":"+hash, func() (interface{}, error) {
		return s.snapshots.FindByHash(ctx, docID, hash)
	})
	if err != nil {
		if !errors.Is(err, store.ErrSnapshotNotFound) {
			log.Printf("find snapshot failed doc=%s err=%v", docID, err)
		}
		return nil
	}
	return v.(*store.Snapshot)
}

// changesSince 把快照之后的所有版本合成一批以快照内容为坐标的改动
func changesSince(snap *store.Snapshot, h *ot.History) ([]delta.Change, bool) {
	if snap.Version > h.CurrentVersion() {
		return nil, false
	}
	versions := h.Versions(snap.Version)
	if len(versions) != h.CurrentVersion()-snap.Version {
		// 快照早于保留的历史窗口
		return nil, false
	}
	buf := buffer.NewLineBuffer(snap.Content, buffer.Options{})
	buf.BeginRecording()
	for _, v := range versions {
		if _, err := buf.ApplyRemoteEdits(delta.ChangesToEdits(v.Rebased())); err != nil {
			buf.EndRecording()
			return nil, false
		}
	}
	committed, _ := buf.EndRecording()
	return delta.Changes(committed), true
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, docID string) error {
	if s.snapshots == nil {
		return fmt.Errorf("%w: snapshot", ErrStoreNotInitialized)
	}
	ds, err := s.loadedDoc(docID)
	if err != nil {
		return err
	}
	ds.mu.RLock()
	content := ds.buf.Content()
	version := ds.rec.CurrentVersion()
	ds.mu.RUnlock()
	return s.snapshots.SaveDocumentSnapshot(ctx, docID, version, content)
}

// Unload 保存快照后把文档移出内存
func (s *InMemoryService) Unload(ctx context.Context, docID string) error {
	if s.snapshots != nil {
		if err := s.SaveSnapshot(ctx, docID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.docs, docID)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryService) GetDocumentID(ctx context.Context, title string) (string, error) {
	if s.documents == nil {
		return "", fmt.Errorf("%w: document", ErrStoreNotInitialized)
	}
	return s.documents.GetDocumentID(ctx, title)
}

func (s *InMemoryService) CreateDocument(ctx context.Context, ownerID uint64, title string) error {
	if s.documents == nil {
		return fmt.Errorf("%w: document", ErrStoreNotInitialized)
	}
	return s.documents.CreateDocument(ctx, ownerID, title)
}
