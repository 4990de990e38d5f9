package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/crypto/blake2b"
)

var ErrSequenceRegression = errors.New("SEQUENCE_REGRESSION")

// Sequencer 为一个连接上发出的消息分配序号，从 1 开始
// 同一连接上的多个文档会话共用一个 Sequencer
type Sequencer struct {
	mu   sync.Mutex
	next uint64
}

func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

// Stamp 填好头部并分配序号
func (s *Sequencer) Stamp(msg Message, t MessageType, clientID, fileName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stampLocked(msg, t, clientID, fileName)
}

// StampAndSend 分配序号和交给 send 在同一把锁里完成，连接上看到的序号严格递增
// send 为空时只分配序号
func (s *Sequencer) StampAndSend(msg Message, t MessageType, clientID, fileName string, send func(Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stampLocked(msg, t, clientID, fileName)
	if send == nil {
		return nil
	}
	return send(msg)
}

func (s *Sequencer) stampLocked(msg Message, t MessageType, clientID, fileName string) {
	s.next++
	h := msg.Head()
	h.MessageType = t
	h.ClientID = clientID
	h.FileName = fileName
	h.Seq = s.next
}

// SequenceTracker 记录每个 clientId 收到的最大序号，序号倒退说明消息乱序或重复
type SequenceTracker struct {
	mu   sync.Mutex
	last map[string]uint64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{last: make(map[string]uint64)}
}

func (t *SequenceTracker) Observe(clientID string, seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[clientID]; ok && seq <= prev {
		log.Printf("[protocol] sequence regression from %s: %d after %d", clientID, seq, prev)
		return fmt.Errorf("%w: client %s seq %d <= %d", ErrSequenceRegression, clientID, seq, prev)
	}
	t.last[clientID] = seq
	return nil
}

func (t *SequenceTracker) Forget(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, clientID)
}

// HashCode 文档内容的指纹，加入时用来匹配服务端保存的快照
func HashCode(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
