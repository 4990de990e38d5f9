package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/engine"
	"collabsync/backend/internal/ws"

	"github.com/gin-gonic/gin"
)

// nopPresence 服务端不落地在线状态
type nopPresence struct{}

func (nopPresence) AddMember(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (nopPresence) RemoveMember(context.Context, string, string) error { return nil }
func (nopPresence) GetDocuments(context.Context) ([]string, error)    { return nil, nil }
func (nopPresence) GetAliveMembersWithNames(context.Context, string) ([]cache.PresenceMember, error) {
	return nil, nil
}
func (nopPresence) SetSelection(context.Context, string, string, cache.Selection) error { return nil }
func (nopPresence) GetSelections(context.Context, string) (map[string]cache.Selection, error) {
	return nil, nil
}
func (nopPresence) SetScroll(context.Context, string, string, cache.Scroll) error { return nil }
func (nopPresence) GetScrolls(context.Context, string) (map[string]cache.Scroll, error) {
	return nil, nil
}

func startServer(t *testing.T) (string, *collab.InMemoryService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := collab.NewInMemoryService(nil, nil, nil, nil, collab.Options{})
	manager := ws.NewManager(ws.NewHub(nopPresence{}), svc, collab.NewSemaphoreControl(8), nil)
	r := gin.New()
	r.GET("/ws", manager.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", svc
}

type controlLog struct {
	mu   sync.Mutex
	msgs []ws.ServerMessage
}

func (l *controlLog) add(m ws.ServerMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, m)
}

func (l *controlLog) has(typ string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m.Type == typ {
			return true
		}
	}
	return false
}

func connect(t *testing.T, ctx context.Context, url, id string, log *controlLog) *Agent {
	t.Helper()
	registry := engine.NewRegistry()
	t.Cleanup(registry.CloseAll)
	opts := Options{MaxElapsed: time.Second}
	if log != nil {
		opts.OnControl = log.add
	}
	tr, err := Dial(ctx, url, registry, opts)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	go func() { _ = tr.Run(ctx) }()
	t.Cleanup(tr.Close)
	return NewAgent(id, registry, tr, tr, engine.Options{HostTimeout: time.Second})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func contentIs(ctx context.Context, a *Agent, doc, want string) func() bool {
	return func() bool {
		s, ok := a.registry.Get(doc)
		if !ok {
			return false
		}
		got, _, err := s.Content(ctx)
		return err == nil && got == want && a.Host().Content(doc) == want
	}
}

func joined(ctx context.Context, a *Agent, doc string) func() bool {
	return func() bool {
		s, ok := a.registry.Get(doc)
		if !ok {
			return false
		}
		j, err := s.Joined(ctx)
		return err == nil && j
	}
}

func TestAgents_ConvergeThroughServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url, svc := startServer(t)

	a := connect(t, ctx, url, "a", nil)
	if _, err := a.Open(ctx, "notes.txt", ""); err != nil {
		t.Fatalf("Open(a) error = %v", err)
	}
	eventually(t, "a joined", joined(ctx, a, "notes.txt"))
	if _, err := a.Exec(ctx, "notes.txt", "insert 0 hello world"); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	eventually(t, "server has a's text", func() bool {
		content, _, _ := svc.LoadDocumentContent(ctx, "notes.txt")
		return content == "hello world"
	})

	// b 带着过期的本地内容加入，以服务端为准
	b := connect(t, ctx, url, "b", nil)
	if _, err := b.Open(ctx, "notes.txt", "stale"); err != nil {
		t.Fatalf("Open(b) error = %v", err)
	}
	eventually(t, "b caught up", contentIs(ctx, b, "notes.txt", "hello world"))

	if _, err := a.Exec(ctx, "notes.txt", "insert 0 A"); err != nil {
		t.Fatalf("a insert error = %v", err)
	}
	eventually(t, "b got a's insert", contentIs(ctx, b, "notes.txt", "Ahello world"))
	if _, err := b.Exec(ctx, "notes.txt", "delete 6 6"); err != nil {
		t.Fatalf("b delete error = %v", err)
	}
	eventually(t, "a converged", contentIs(ctx, a, "notes.txt", "Ahello"))
	eventually(t, "b converged", contentIs(ctx, b, "notes.txt", "Ahello"))

	// b 撤销自己的删除，a 的插入保留
	if _, err := b.Exec(ctx, "notes.txt", "undo"); err != nil {
		t.Fatalf("undo error = %v", err)
	}
	eventually(t, "undo reached a", contentIs(ctx, a, "notes.txt", "Ahello world"))
	eventually(t, "undo applied on b", contentIs(ctx, b, "notes.txt", "Ahello world"))

	out, err := a.Exec(ctx, "notes.txt", "print")
	if err != nil || !strings.Contains(out, `"Ahello world"`) {
		t.Fatalf("print = %q, %v", out, err)
	}
}

func TestAgent_ControlCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url, _ := startServer(t)
	log := &controlLog{}
	a := connect(t, ctx, url, "a", log)
	if _, err := a.Open(ctx, "doc", "x"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	eventually(t, "joined", joined(ctx, a, "doc"))
	eventually(t, "server content adopted", contentIs(ctx, a, "doc", ""))

	// 没有配置快照存储，保存会收到错误回复
	if _, err := a.Exec(ctx, "doc", "save"); err != nil {
		t.Fatalf("save error = %v", err)
	}
	eventually(t, "save reply", func() bool { return log.has(ws.TypeError) })

	if _, err := a.Exec(ctx, "doc", "members"); err != nil {
		t.Fatalf("members error = %v", err)
	}
	eventually(t, "members reply", func() bool { return log.has(ws.TypeShowAliveMembers) })

	if _, err := a.Exec(ctx, "doc", "jump 1"); err == nil {
		t.Fatalf("unknown command accepted")
	}
	if _, err := a.Exec(ctx, "other", "print"); err == nil {
		t.Fatalf("command on an unopened document accepted")
	}
}
