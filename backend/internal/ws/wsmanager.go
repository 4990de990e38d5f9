package ws

import (
	"log"
	"net/http"
	"strings"

	"collabsync/backend/internal/collab"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type Manager struct {
	h        *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	upgrader websocket.Upgrader
}

// NewManager allowedOrigins 为空时只放行本地开发环境的来源
func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, allowedOrigins []string) *Manager {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
	}
	m := &Manager{h: h, svc: svc, sem: sem}
	m.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 非浏览器客户端不发送 Origin，或为 "null"
			return true
		}
		for _, p := range allowedOrigins {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
	return m
}

// WebSocketConnect 升级连接后阻塞在读循环里，直到连接关闭
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, userID, username, m.svc, m.sem)
	defer wsConn.close()

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.enqueue(ServerMessage{Type: TypeWelcome, Content: username})

	wsConn.readLoop(c.Request.Context())
}
