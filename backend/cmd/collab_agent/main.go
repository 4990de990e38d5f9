package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"collabsync/backend/config"
	"collabsync/backend/internal/client"
	"collabsync/backend/internal/engine"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/ws"
)

type logObserver struct{}

func (logObserver) OnHostApplyFailure(doc string, err error) {
	log.Printf("apply failed doc=%s: %v", doc, err)
}

func (logObserver) OnDesync(doc string, err error) {
	log.Printf("doc=%s out of sync, please rejoin: %v", doc, err)
}

type logPresence struct{}

func (logPresence) OnRemoteSelection(doc string, sel *protocol.SelectionChangeMessage) {
	log.Printf("doc=%s %s selected [%d,+%d)", doc, sel.ClientID, sel.Start, sel.Length)
}

func (logPresence) OnRemoteScroll(doc string, msg *protocol.LayoutScrollMessage) {
	log.Printf("doc=%s %s viewing [%d,+%d)", doc, msg.ClientID, msg.Start, msg.Length)
}

// 用法：collab_agent <文档名> [本地文件]
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: collab_agent <document> [local file]")
		os.Exit(2)
	}
	docID := os.Args[1]
	content := ""
	if len(os.Args) > 2 {
		data, err := os.ReadFile(os.Args[2])
		if err != nil {
			log.Fatalf("read %s: %v", os.Args[2], err)
		}
		content = string(data)
	}

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	token := cfg.Server.Token
	if token == "" && cfg.Server.JWTSecret != "" {
		token, _, err = middleware.SignAccessToken([]byte(cfg.Server.JWTSecret), cfg.Server.UserID, cfg.Server.Username, 24*time.Hour)
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientID := uuid.NewString()
	registry := engine.NewRegistry()
	defer registry.CloseAll()

	transport, err := client.Dial(ctx, cfg.Server.URL, registry, client.Options{
		Token:      token,
		MaxElapsed: cfg.Reconnect.MaxElapsed,
		OnControl: func(m ws.ServerMessage) {
			switch m.Type {
			case ws.TypeError:
				log.Printf("server error doc=%s: %s", m.DocID, m.Content)
			case ws.TypePresence, ws.TypeShowAliveMembers:
				for _, member := range m.Members {
					log.Printf("doc=%s online: %s (%s)", m.DocID, member.Username, member.ClientID)
				}
			default:
				log.Printf("%s doc=%s %s", m.Type, m.DocID, m.Content)
			}
		},
	})
	if err != nil {
		log.Fatalf("connect %s: %v", cfg.Server.URL, err)
	}
	go func() {
		if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("connection lost, please rejoin: %v", err)
			stop()
		}
	}()

	agent := client.NewAgent(clientID, registry, transport, transport, engine.Options{
		Debug:            cfg.Engine.Debug,
		MaxRetries:       cfg.Engine.MaxRetries,
		HistoryRetention: cfg.Engine.HistoryRetention,
		HostTimeout:      cfg.Engine.HostTimeout,
	})
	agent.SetObservers(logObserver{}, logPresence{})
	if _, err := agent.Open(ctx, docID, content); err != nil {
		log.Fatalf("open %s: %v", docID, err)
	}
	log.Printf("agent %s joined %s", clientID, docID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || line == "quit" {
				return
			}
			if line == "" {
				continue
			}
			out, err := agent.Exec(ctx, docID, line)
			if err != nil {
				log.Printf("%s: %v", line, err)
				continue
			}
			if out != "" {
				fmt.Println(out)
			}
		}
	}
}
