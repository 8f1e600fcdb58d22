package queue

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/types"
)

// IdempotencyHeader carries the mutation ID on every delivery attempt.
const IdempotencyHeader = "Idempotency-Key"

// NewMutation builds a pending mutation with a fresh ID.
func NewMutation(method, targetURL string, body json.RawMessage, priority types.Priority) types.QueuedMutation {
	return types.QueuedMutation{
		ID:        uuid.NewString(),
		TargetURL: targetURL,
		Method:    strings.ToUpper(method),
		Body:      body,
		Priority:  priority,
		Status:    types.MutationPending,
	}
}

// Validate checks that m can be delivered.
func Validate(m types.QueuedMutation) error {
	invalid := func(msg string) error {
		return errors.New(errors.ErrCodeInvalidMutation, msg).
			WithComponent("queue").WithContext("mutation_id", m.ID)
	}
	switch {
	case m.TargetURL == "":
		return invalid("target url is required")
	case m.Priority < types.PriorityLow || m.Priority > types.PriorityHigh:
		return invalid("unknown priority")
	case len(m.Body) > 0 && !json.Valid(m.Body):
		return invalid("body is not valid json")
	}
	switch strings.ToUpper(m.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return nil
	default:
		return invalid("unsupported method " + m.Method)
	}
}

// RequestFor builds the delivery request for m, including the idempotency header.
func RequestFor(m types.QueuedMutation) types.Request {
	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[IdempotencyHeader] = m.ID
	return types.Request{
		Method:  strings.ToUpper(m.Method),
		URL:     m.TargetURL,
		Body:    m.Body,
		Headers: headers,
	}
}

// before reports whether a drains ahead of b.
func before(a, b *entry) bool {
	if a.m.Priority != b.m.Priority {
		return a.m.Priority > b.m.Priority
	}
	if !a.m.CreatedAt.Equal(b.m.CreatedAt) {
		return a.m.CreatedAt.Before(b.m.CreatedAt)
	}
	return a.seq < b.seq
}
