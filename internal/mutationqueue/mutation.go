package mutationqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrQueueFull      = errors.New("mutation queue is full")
	ErrNotFound       = errors.New("mutation not found")
	ErrInvalidPayload = errors.New("invalid payload")
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Mutation is one write captured while the remote endpoint could not take
// it. CreatedAt and NextAttemptAt are epoch milliseconds.
type Mutation struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entityType"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     int64           `json:"createdAt"`
	Attempts      int             `json:"attempts,omitempty"`
	NextAttemptAt int64           `json:"nextAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	Failed        bool            `json:"failed,omitempty"`
}

func (m Mutation) validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: mutation id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(m.EntityType) == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, m.Operation)
	}
	return nil
}

// decodeMutation is used by stores reading entries back; anything that does
// not decode into a well-formed mutation is reported so it can be dropped on
// its own.
func decodeMutation(raw []byte) (Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(raw, &m); err != nil {
		return Mutation{}, err
	}
	if err := m.validate(); err != nil {
		return Mutation{}, err
	}
	return m, nil
}

func cloneMutation(m Mutation) Mutation {
	if m.Payload != nil {
		m.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return m
}
