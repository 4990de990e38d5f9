package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	presenceTTL    = 600 * time.Second
	acquireTimeout = 200 * time.Millisecond
	sendQueueSize  = 256
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	userID   uint64
	username string
	// 第一条协议消息里的 clientId
	id atomic.Value
	// 已加入的文档，只在读循环里访问
	docs map[string]struct{}
	// send 只有写循环消费；关闭连接用 done，不关 send，避免广播往已关闭的通道里写
	send      chan any
	done      chan struct{}
	closeOnce sync.Once
	seqs      *protocol.SequenceTracker
	//协作引擎服务
	svc collab.Service
	// 信号量控制
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		docs:     make(map[string]struct{}),
		send:     make(chan any, sendQueueSize),
		done:     make(chan struct{}),
		seqs:     protocol.NewSequenceTracker(),
		svc:      svc,
		sem:      sem,
	}
}

func (c *Conn) clientID() string {
	id, _ := c.id.Load().(string)
	return id
}

// enqueue 不阻塞：队列满或连接已关闭时返回 false
func (c *Conn) enqueue(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) replyError(docID string, err error) {
	c.enqueue(ServerMessage{Type: TypeError, DocID: docID, Content: err.Error()})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.leaveAll()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read error (user=%d, client=%s): %v", c.userID, c.clientID(), err)
			}
			return
		}
		var head frameHead
		if err := json.Unmarshal(data, &head); err != nil {
			c.replyError("", err)
			continue
		}
		if head.MessageType == "" {
			var msg ClientMessage
			_ = json.Unmarshal(data, &msg)
			c.handleControl(ctx, msg)
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.replyError("", err)
			continue
		}
		c.handleProtocol(ctx, msg)
	}
}

func (c *Conn) handleProtocol(ctx context.Context, msg protocol.Message) {
	h := msg.Head()
	if c.clientID() == "" {
		c.id.Store(h.ClientID)
	}
	// 序号倒退只记录，文本改动由 Submit 去重
	_ = c.seqs.Observe(h.ClientID, h.Seq)

	docID := h.FileName
	if _, ok := msg.(*protocol.FileOpenRequestMessage); !ok {
		if _, joined := c.docs[docID]; !joined {
			c.replyError(docID, errNotJoined)
			return
		}
	}

	switch m := msg.(type) {
	case *protocol.FileOpenRequestMessage:
		c.handleOpen(ctx, m)
	case *protocol.TextChangeMessage:
		c.handleTextChange(ctx, m)
	case *protocol.SelectionChangeMessage:
		sel := cache.Selection{Version: m.ServerVersionNumber, Start: m.Start, Length: m.Length, IsReversed: m.IsReversed}
		if err := c.hub.presence.SetSelection(ctx, docID, m.ClientID, sel); err != nil {
			log.Printf("set selection error doc=%s: %v", docID, err)
		}
		c.hub.Relay(docID, c, protocol.Envelope{Message: m})
	case *protocol.LayoutScrollMessage:
		sc := cache.Scroll{Version: m.ServerVersionNumber, Start: m.Start, Length: m.Length}
		if err := c.hub.presence.SetScroll(ctx, docID, m.ClientID, sc); err != nil {
			log.Printf("set scroll error doc=%s: %v", docID, err)
		}
		c.hub.Relay(docID, c, protocol.Envelope{Message: m})
	default:
		c.replyError(docID, protocol.ErrUnknownMessage)
	}
}

var errNotJoined = errors.New("NOT_JOINED")

// handleOpen 先进房间再取快照：两者之间定序的版本客户端会收到并丢弃，它们已经包含在回复里
func (c *Conn) handleOpen(ctx context.Context, m *protocol.FileOpenRequestMessage) {
	docID := m.FileName
	c.hub.Join(docID, c)
	c.docs[docID] = struct{}{}
	if err := c.hub.presence.AddMember(ctx, docID, m.ClientID, c.username, presenceTTL); err != nil {
		log.Printf("add member error: %v", err)
	}
	err := c.svc.OpenFile(ctx, docID, m, func(ack *protocol.FileOpenAcknowledgeMessage, version int) {
		if !c.enqueue(protocol.Envelope{ServerVersion: version, Message: ack}) {
			c.close()
		}
	})
	if err != nil {
		log.Printf("open file error doc=%s client=%s: %v", docID, m.ClientID, err)
		return
	}
	c.hub.BroadcastPresence(ctx, docID)
}

func (c *Conn) handleTextChange(ctx context.Context, m *protocol.TextChangeMessage) {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	if err := c.sem.Acquire(acquireCtx); err != nil {
		c.replyError(m.FileName, err)
		return
	}
	defer c.sem.Release()

	docID := m.FileName
	_, err := c.svc.Submit(ctx, docID, m, func(op collab.AppliedOp) {
		// 下发作者原样的消息，各客户端自己按版本历史改写
		c.hub.BroadcastVersion(docID, protocol.Envelope{ServerVersion: op.Version, Message: m})
	})
	if err != nil {
		log.Printf("submit error doc=%s client=%s seq=%d: %v", docID, m.ClientID, m.Seq, err)
		c.replyError(docID, err)
	}
}

func (c *Conn) handleControl(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case TypeHeartbeat:
		for docID := range c.docs {
			if err := c.hub.presence.AddMember(ctx, docID, c.clientID(), c.username, presenceTTL); err != nil {
				log.Printf("add member error: %v", err)
			}
		}
		c.enqueue(ServerMessage{Type: TypeHeartbeat, Content: "Heartbeat received"})

	case TypeShowAliveMembers:
		members, err := c.hub.presence.GetAliveMembersWithNames(ctx, msg.DocID)
		if err != nil {
			log.Printf("get alive members with names error: %v", err)
			c.replyError(msg.DocID, err)
			return
		}
		c.enqueue(ServerMessage{Type: TypeShowAliveMembers, DocID: msg.DocID, Members: members})

	case TypeCreateDocument:
		if err := c.svc.CreateDocument(ctx, c.userID, msg.DocTitle); err != nil {
			log.Printf("create document error: %v", err)
			c.replyError("", err)
			return
		}
		docID, err := c.svc.GetDocumentID(ctx, msg.DocTitle)
		if err != nil {
			log.Printf("get document id error: %v", err)
			c.replyError("", err)
			return
		}
		c.enqueue(ServerMessage{Type: TypeCreateDocument, DocID: docID, Content: msg.DocTitle})

	case TypeSaveDocument:
		if err := c.svc.SaveSnapshot(ctx, msg.DocID); err != nil {
			log.Printf("save document error: %v", err)
			c.replyError(msg.DocID, err)
			return
		}
		c.enqueue(ServerMessage{Type: TypeSaveDocument, DocID: msg.DocID, Content: "saved"})

	case TypeLoadDocument:
		content, version, err := c.svc.LoadDocumentContent(ctx, msg.DocID)
		if err != nil {
			log.Printf("load document content error: %v", err)
			c.replyError(msg.DocID, err)
			return
		}
		c.enqueue(ServerMessage{Type: TypeLoadDocument, DocID: msg.DocID, Version: version, Content: content})

	case TypeLeaveDocument:
		c.leave(msg.DocID)

	default:
		// 忽略未知类型，回一条提示
		c.enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
	}
}

func (c *Conn) leave(docID string) {
	if _, ok := c.docs[docID]; !ok {
		return
	}
	delete(c.docs, docID)
	c.hub.Leave(docID, c)
	// 连接可能已经断了，用新的 context
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.hub.presence.RemoveMember(ctx, docID, c.clientID()); err != nil {
		log.Printf("remove member error doc=%s: %v", docID, err)
	}
	c.hub.BroadcastPresence(ctx, docID)
}

func (c *Conn) leaveAll() {
	for docID := range c.docs {
		c.leave(docID)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Printf("write error (client=%s): %v", c.clientID(), err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
