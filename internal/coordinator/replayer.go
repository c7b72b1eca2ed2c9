package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentworkforce/relaydraft/internal/mutationqueue"
	"github.com/agentworkforce/relaydraft/internal/remote"
)

// NewReplayer sends queued mutations to endpoint. Updates and deletes take
// the entity id from the payload's "id" field. Errors the endpoint can never
// recover from are marked permanent so the queue stops retrying them.
func NewReplayer(endpoint remote.Endpoint) mutationqueue.Replayer {
	return mutationqueue.ReplayFunc(func(ctx context.Context, m mutationqueue.Mutation) error {
		if endpoint == nil {
			return backoff.Permanent(fmt.Errorf("%w: no endpoint configured", ErrInvalidInput))
		}
		var err error
		switch m.Operation {
		case mutationqueue.OpCreate:
			_, err = endpoint.Create(ctx, m.EntityType, m.Payload)
		case mutationqueue.OpUpdate, mutationqueue.OpDelete:
			id, idErr := payloadID(m.Payload)
			if idErr != nil {
				return backoff.Permanent(idErr)
			}
			if m.Operation == mutationqueue.OpUpdate {
				_, err = endpoint.Update(ctx, m.EntityType, id, m.Payload)
			} else {
				err = endpoint.Delete(ctx, m.EntityType, id)
			}
		default:
			return backoff.Permanent(fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, m.Operation))
		}
		if remote.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	})
}

func payloadID(payload json.RawMessage) (string, error) {
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("%w: payload is not an object: %v", ErrInvalidInput, err)
	}
	switch v := probe.ID.(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	}
	return "", fmt.Errorf("%w: payload has no id", ErrInvalidInput)
}

// withID returns payload with "id" set when the object does not carry one.
func withID(payload json.RawMessage, id string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: payload must be a json object", ErrInvalidInput)
	}
	if existing, err := payloadID(payload); err == nil {
		if existing != id {
			return nil, fmt.Errorf("%w: payload id %q does not match %q", ErrInvalidInput, existing, id)
		}
		return payload, nil
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = encoded
	return json.Marshal(fields)
}
