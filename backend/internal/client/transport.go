package client

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/engine"
	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/ws"
)

var ErrClosed = errors.New("TRANSPORT_CLOSED")

const writeWait = 10 * time.Second

type Options struct {
	Token string
	// 建连重试的总时长，0 表示一直重试直到 ctx 结束
	MaxElapsed time.Duration
	SendQueue  int
	// OnControl 收到控制消息（在线成员、保存结果、错误）时调用
	OnControl func(ws.ServerMessage)
}

// Transport 一条到协作服务的 WebSocket 连接，同时是所有 Session 的 Outbox
type Transport struct {
	conn      *websocket.Conn
	registry  *engine.Registry
	onControl func(ws.ServerMessage)
	send      chan any
	done      chan struct{}
	closeOnce sync.Once
}

// Dial 按指数退避重试建连
func Dial(ctx context.Context, url string, registry *engine.Registry, opts Options) (*Transport, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = opts.MaxElapsed
	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			log.Printf("dial %s failed (status=%d): %v", url, status, err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}

	t := &Transport{
		conn:      conn,
		registry:  registry,
		onControl: opts.OnControl,
		send:      make(chan any, opts.SendQueue),
		done:      make(chan struct{}),
	}
	go t.writeLoop()
	return t, nil
}

// Send 实现 ot.Outbox
func (t *Transport) Send(msg protocol.Message) error {
	return t.enqueue(msg)
}

// Control 发送一条控制消息
func (t *Transport) Control(msg ws.ClientMessage) error {
	return t.enqueue(msg)
}

func (t *Transport) enqueue(v any) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- v:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run 读取服务端下发的帧并交给对应的 Session，直到连接断开或 ctx 结束
func (t *Transport) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, t.Close)
	defer stop()
	defer t.Close()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		env, ctl, err := ws.ParseServerFrame(data)
		if err != nil {
			log.Printf("bad frame: %v", err)
			continue
		}
		if env != nil {
			if err := t.registry.Dispatch(*env); err != nil {
				log.Printf("dispatch failed: %v", err)
			}
			continue
		}
		if t.onControl != nil {
			t.onControl(*ctl)
		}
	}
}

func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = t.conn.Close()
	})
}

func (t *Transport) writeLoop() {
	for {
		select {
		case v := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(v); err != nil {
				log.Printf("write failed: %v", err)
				t.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}
