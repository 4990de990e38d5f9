package ws

import (
	"context"
	"log"
	"sync"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/protocol"
)

type Hub struct {
	//  接口实例（一般是 Redis 实现的客户端句柄）。它本身不“存数据”，
	// 而是提供对外部存储的读写能力，用来落地/共享在线状态、选区和视口
	presence cache.PresenceCache
	// 读写锁，保护 rooms；加入/离开房间、广播时都会先加锁
	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 一个用户可开多个标签页/设备（多连接）；广播要逐连接发，不能只按 userID 发一次
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// conns 在锁内拷贝一份，广播时不持有 hub 的锁
func (h *Hub) conns(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		out = append(out, c)
	}
	return out
}

// BroadcastVersion 把已定序的改动发给房间里所有连接（包括作者，作者以此作为确认）
// 跟不上的连接直接断开，让客户端重新加入
func (h *Hub) BroadcastVersion(docID string, env protocol.Envelope) {
	for _, c := range h.conns(docID) {
		if !c.enqueue(env) {
			log.Printf("slow consumer, close conn client=%s doc=%s rev=%d", c.clientID(), docID, env.ServerVersion)
			c.close()
		}
	}
}

// Relay 把选区/视口转发给房间里除 from 以外的连接，队列满了就丢
func (h *Hub) Relay(docID string, from *Conn, env protocol.Envelope) {
	for _, c := range h.conns(docID) {
		if c == from {
			continue
		}
		c.enqueue(env)
	}
}

func (h *Hub) BroadcastPresence(ctx context.Context, docID string) {
	members, err := h.presence.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		log.Printf("get alive members error doc=%s: %v", docID, err)
		return
	}
	msg := ServerMessage{Type: TypePresence, DocID: docID, Members: members}
	for _, c := range h.conns(docID) {
		c.enqueue(msg)
	}
}
