package crosstab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("transport closed")
)

type MessageType string

const (
	TypeDataUpdate       MessageType = "data-update"
	TypeSaveComplete     MessageType = "save-complete"
	TypeConflictDetected MessageType = "conflict-detected"
	TypeTabFocus         MessageType = "tab-focus"
)

// TabID identifies one running session. It is generated once at startup and
// handed to every component that stamps or filters messages.
type TabID string

func NewTabID() TabID {
	return TabID(uuid.NewString())
}

// Message is what travels on a key's channel. Timestamp is epoch
// milliseconds taken from the sender's clock.
type Message struct {
	Type      MessageType     `json:"type"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	TabID     TabID           `json:"tabId"`
	Version   string          `json:"version,omitempty"`
}

// ConflictNotice is the data carried by a conflict-detected message.
type ConflictNotice struct {
	LocalTimestamp  int64 `json:"localTimestamp"`
	RemoteTimestamp int64 `json:"remoteTimestamp"`
	RemoteTabID     TabID `json:"remoteTabId"`
}

func decodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	switch msg.Type {
	case TypeDataUpdate, TypeSaveComplete, TypeConflictDetected, TypeTabFocus:
	default:
		return Message{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	if strings.TrimSpace(string(msg.TabID)) == "" {
		return Message{}, errors.New("message has no tab id")
	}
	return msg, nil
}
