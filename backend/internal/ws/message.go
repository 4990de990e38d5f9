package ws

import (
	"encoding/json"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/protocol"
)

// 一条 WebSocket 帧要么是协议消息（带 messageType），要么是控制消息（带 type）
// 协议消息走定序/转发，控制消息是请求-回复

const (
	TypeWelcome          = "welcome"
	TypeError            = "error"
	TypeIgnored          = "ignored"
	TypeHeartbeat        = "heartbeat"
	TypePresence         = "presence"
	TypeCreateDocument   = "createDocument"
	TypeSaveDocument     = "saveDocument"
	TypeLoadDocument     = "loadDocumentContent"
	TypeLeaveDocument    = "leaveDocument"
	TypeShowAliveMembers = "show_alive_members"
)

type ClientMessage struct {
	Type     string `json:"type"`
	DocID    string `json:"docId,omitempty"`
	DocTitle string `json:"docTitle,omitempty"`
}

type ServerMessage struct {
	Type    string                 `json:"type"`
	DocID   string                 `json:"docId,omitempty"`
	Version int                    `json:"version,omitempty"`
	Members []cache.PresenceMember `json:"members,omitempty"`
	Content string                 `json:"content,omitempty"`
}

type frameHead struct {
	Type        string `json:"type"`
	MessageType string `json:"messageType"`
	// Envelope 的消息体
	Message json.RawMessage `json:"message"`
}

// ParseServerFrame 解析服务端下发的一帧，两个返回值恰好有一个非 nil
func ParseServerFrame(data []byte) (*protocol.Envelope, *ServerMessage, error) {
	var head frameHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, nil, err
	}
	if len(head.Message) > 0 {
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, nil, err
		}
		return &env, nil, nil
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, err
	}
	return nil, &msg, nil
}
