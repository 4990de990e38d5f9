package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"collabsync/backend/internal/ot/delta"
)

type MessageType string

const (
	TypeTextChange          MessageType = "TextChange"
	TypeSelectionChange     MessageType = "SelectionChange"
	TypeFileOpenRequest     MessageType = "FileOpenRequest"
	TypeFileOpenAcknowledge MessageType = "FileOpenAcknowledge"
	TypeLayoutScroll        MessageType = "LayoutScroll"
)

var ErrUnknownMessage = errors.New("UNKNOWN_MESSAGE_TYPE")

// Header 所有消息共有的头部
type Header struct {
	MessageType MessageType `json:"messageType"`
	ClientID    string      `json:"clientId"`
	FileName    string      `json:"fileName"`
	// 同一个连接上单调递增的序号
	Seq uint64 `json:"seq"`
}

func (h *Header) Head() *Header { return h }

type Message interface {
	Head() *Header
}

// TextChangeMessage 一次本地编辑
// Changes 以 ChangeServerVersion 对应的文档为坐标，升序且互不重叠
type TextChangeMessage struct {
	Header
	ChangeServerVersion int            `json:"changeServerVersion"`
	Changes             []delta.Change `json:"changes"`
}

type SelectionChangeMessage struct {
	Header
	ServerVersionNumber int    `json:"serverVersionNumber"`
	Start               int    `json:"start"`
	Length              int    `json:"length"`
	IsReversed          bool   `json:"isReversed"`
	ForceJumpForClient  string `json:"forceJumpForClientId,omitempty"`
}

type FileOpenRequestMessage struct {
	Header
	HashCode   string `json:"hashCode"`
	SendJumpTo bool   `json:"sendJumpTo"`
}

// HistoryEntry 一个已定序版本
type HistoryEntry struct {
	ServerVersion int            `json:"serverVersion"`
	ClientID      string         `json:"clientId"`
	BaseVersion   int            `json:"baseVersion"`
	Changes       []delta.Change `json:"changes"`
	Rebased       []delta.Change `json:"rebased,omitempty"`
}

// FileOpenAcknowledgeMessage 加入时服务端的回复
// SavedVersionNumber < 0 表示没有匹配的快照，此时以 FallbackText 为准
type FileOpenAcknowledgeMessage struct {
	Header
	SavedVersionNumber       int            `json:"savedVersionNumber"`
	StartServerVersionNumber int            `json:"startServerVersionNumber"`
	Changes                  []delta.Change `json:"changes,omitempty"`
	FallbackText             string         `json:"fallbackText,omitempty"`
	History                  []HistoryEntry `json:"history,omitempty"`
	IsReadOnly               bool           `json:"isReadOnly"`
	WasUnableToOpen          bool           `json:"wasUnableToOpen"`
}

type LayoutScrollMessage struct {
	Header
	ServerVersionNumber int `json:"serverVersionNumber"`
	Start               int `json:"start"`
	Length              int `json:"length"`
}

// Decode 按 messageType 解出具体消息
func Decode(data []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	var msg Message
	switch h.MessageType {
	case TypeTextChange:
		msg = &TextChangeMessage{}
	case TypeSelectionChange:
		msg = &SelectionChangeMessage{}
	case TypeFileOpenRequest:
		msg = &FileOpenRequestMessage{}
	case TypeFileOpenAcknowledge:
		msg = &FileOpenAcknowledgeMessage{}
	case TypeLayoutScroll:
		msg = &LayoutScrollMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, h.MessageType)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Envelope 服务端下发的帧：ServerVersion 非零表示这是一条已定序的 TextChange
type Envelope struct {
	ServerVersion int
	Message       Message
}

type envelopeWire struct {
	ServerVersion int             `json:"serverVersion,omitempty"`
	Message       json.RawMessage `json:"message"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeWire{ServerVersion: e.ServerVersion, Message: raw})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	msg, err := Decode(w.Message)
	if err != nil {
		return err
	}
	e.ServerVersion = w.ServerVersion
	e.Message = msg
	return nil
}
