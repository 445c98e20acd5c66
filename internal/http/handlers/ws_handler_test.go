package handlers

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/milestone-escrow/backend/internal/config"
	"github.com/milestone-escrow/backend/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingConn struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *recordingConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, data)
	return nil
}

func TestWSHubDispatchesToParties(t *testing.T) {
	hub := NewWSHub(&config.Config{}, nil, zap.NewNop())
	client, freelancer, outsider := uuid.New(), uuid.New(), uuid.New()
	cc, fc, oc := &recordingConn{}, &recordingConn{}, &recordingConn{}
	hub.register(client, cc)
	hub.register(freelancer, fc)
	hub.register(outsider, oc)

	hub.dispatch(events.Event{
		Type: events.EventMilestoneApproved,
		Payload: map[string]any{
			"contract_id":   uuid.NewString(),
			"client_id":     client.String(),
			"freelancer_id": freelancer.String(),
		},
	})

	require.Len(t, cc.msgs, 1)
	assert.Len(t, fc.msgs, 1)
	assert.Empty(t, oc.msgs)

	var got events.Event
	require.NoError(t, json.Unmarshal(cc.msgs[0], &got))
	assert.Equal(t, events.EventMilestoneApproved, got.Type)
}

func TestWSHubUnregister(t *testing.T) {
	hub := NewWSHub(&config.Config{}, nil, zap.NewNop())
	user := uuid.New()
	first, second := &recordingConn{}, &recordingConn{}
	hub.register(user, first)
	hub.register(user, second)

	hub.unregister(user, first)
	hub.SendToUser(user, events.Event{Type: events.EventContractCreated})
	assert.Empty(t, first.msgs)
	assert.Len(t, second.msgs, 1)

	hub.unregister(user, second)
	hub.mu.RLock()
	_, ok := hub.connections[user]
	hub.mu.RUnlock()
	assert.False(t, ok)
}

func TestWSHubSkipsMalformedRecipient(t *testing.T) {
	hub := NewWSHub(&config.Config{}, nil, zap.NewNop())
	hub.dispatch(events.Event{Type: events.EventContractCreated, Payload: map[string]any{"client_id": "not-a-uuid"}})
}
