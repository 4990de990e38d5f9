package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"collabsync/backend/internal/protocol"
)

var (
	ErrSessionExists   = errors.New("SESSION_EXISTS")
	ErrSessionNotFound = errors.New("SESSION_NOT_FOUND")
)

type entry struct {
	s      *Session
	cancel context.CancelFunc
	done   chan error
}

// Registry 按文档 id 管理打开的 Session
// 一个 Registry 对应一条连接，它打开的会话共用 seq，发出的序号在连接上严格递增
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	seq      *protocol.Sequencer
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry), seq: &protocol.Sequencer{}}
}

// Open 创建并启动一个 Session
func (r *Registry) Open(ctx context.Context, cfg Config) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[cfg.DocumentID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, cfg.DocumentID)
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = r.seq
	}
	s := NewSession(cfg)
	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{s: s, cancel: cancel, done: make(chan error, 1)}
	r.sessions[cfg.DocumentID] = e
	go func() {
		err := s.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[engine] session %s stopped: %v", s.ID(), err)
		}
		e.done <- err
	}()
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.s, true
}

// Close 停止 Session 并等它退出
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.cancel()
	err := <-e.done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.Close(id)
	}
}

// Rename 文档改名后 Session 跟着换 id
func (r *Registry) Rename(oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[oldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, oldID)
	}
	if _, exists := r.sessions[newID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, newID)
	}
	if err := e.s.Rename(newID); err != nil {
		return err
	}
	delete(r.sessions, oldID)
	r.sessions[newID] = e
	return nil
}

// Dispatch 按 fileName 把服务端下发的帧交给对应的 Session
func (r *Registry) Dispatch(env protocol.Envelope) error {
	if env.Message == nil {
		return fmt.Errorf("%w: empty envelope", protocol.ErrUnknownMessage)
	}
	s, ok := r.Get(env.Message.Head().FileName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, env.Message.Head().FileName)
	}
	return s.Deliver(env)
}
