package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"collabsync/backend/internal/buffer"
	"collabsync/backend/internal/engine"
	"collabsync/backend/internal/host/memhost"
	"collabsync/backend/internal/ot"
	"collabsync/backend/internal/ws"
)

var ErrUnknownCommand = errors.New("UNKNOWN_COMMAND")

// Controller 发送控制消息，Transport 实现了它
type Controller interface {
	Control(msg ws.ClientMessage) error
}

// Agent 无界面的参与者：内存宿主 + 每个文档一个 Session，由文本命令驱动
type Agent struct {
	clientID string
	host     *memhost.Editor
	registry *engine.Registry
	out      ot.Outbox
	ctl      Controller
	opts     engine.Options
	observer engine.Observer
	presence engine.PresenceSink
}

func NewAgent(clientID string, registry *engine.Registry, out ot.Outbox, ctl Controller, opts engine.Options) *Agent {
	a := &Agent{
		clientID: clientID,
		host:     memhost.New(),
		registry: registry,
		out:      out,
		ctl:      ctl,
		opts:     opts,
	}
	a.host.OnChange(func(documentID string, changes []buffer.ContentChange) {
		if s, ok := registry.Get(documentID); ok {
			_ = s.NotifyChange(changes...)
		}
	})
	return a
}

// SetObservers 在 Open 之前调用
func (a *Agent) SetObservers(obs engine.Observer, presence engine.PresenceSink) {
	a.observer, a.presence = obs, presence
}

func (a *Agent) Host() *memhost.Editor { return a.host }

// Open 以本地内容为起点加入文档
func (a *Agent) Open(ctx context.Context, documentID, content string) (*engine.Session, error) {
	a.host.Load(documentID, content)
	s, err := a.registry.Open(ctx, engine.Config{
		DocumentID:     documentID,
		ClientID:       a.clientID,
		InitialContent: content,
		Host:           a.host,
		Outbox:         a.out,
		Presence:       a.presence,
		Observer:       a.observer,
		Options:        a.opts,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Open(documentID, false); err != nil {
		return nil, err
	}
	return s, nil
}

// Exec 执行一条命令：
//
//	insert <offset> <text>
//	delete <offset> <length>
//	select <start> <length>
//	undo | redo | print | save | members
func (a *Agent) Exec(ctx context.Context, documentID, line string) (string, error) {
	s, ok := a.registry.Get(documentID)
	if !ok {
		return "", fmt.Errorf("%w: %s", engine.ErrSessionNotFound, documentID)
	}
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "insert":
		offStr, text, _ := strings.Cut(rest, " ")
		off, err := strconv.Atoi(offStr)
		if err != nil {
			return "", fmt.Errorf("insert: bad offset %q", offStr)
		}
		return "", a.host.Type(documentID, off, 0, text)
	case "delete", "select":
		var x, n int
		if _, err := fmt.Sscanf(rest, "%d %d", &x, &n); err != nil {
			return "", fmt.Errorf("%s: %w", cmd, err)
		}
		if cmd == "delete" {
			return "", a.host.Type(documentID, x, n, "")
		}
		return "", s.NotifySelection(x, n, false)
	case "undo":
		return "", s.Undo()
	case "redo":
		return "", s.Redo()
	case "print":
		content, version, err := s.Content(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("v%d %q", version, content), nil
	case "save":
		return "", a.control(ws.ClientMessage{Type: ws.TypeSaveDocument, DocID: documentID})
	case "members":
		return "", a.control(ws.ClientMessage{Type: ws.TypeShowAliveMembers, DocID: documentID})
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

func (a *Agent) control(msg ws.ClientMessage) error {
	if a.ctl == nil {
		return fmt.Errorf("%w: no control channel", ErrClosed)
	}
	return a.ctl.Control(msg)
}
