package feed

import "time"

// Status is an operator-facing snapshot of the manager's health.
type Status struct {
	State               string    `json:"state"`
	Connected           bool      `json:"connected"`
	Halted              bool      `json:"halted"`
	MessageCount        int64     `json:"message_count"`
	LastMessageAt       time.Time `json:"last_message_at"`
	ActiveSubscriptions int       `json:"active_subscriptions"`
	ReconnectAttempts   int       `json:"reconnect_attempts"`
	ConnectedAt         time.Time `json:"connected_at"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	state := m.state
	attempts := m.attempts
	connectedAt := m.connectedAt
	m.mu.Unlock()

	var lastAt time.Time
	if ns := m.lastMessage.Load(); ns > 0 {
		lastAt = time.Unix(0, ns)
	}

	return Status{
		State:               state.String(),
		Connected:           state == StateOpen,
		Halted:              state == StateHalted,
		MessageCount:        m.messageCount.Load(),
		LastMessageAt:       lastAt,
		ActiveSubscriptions: m.registry.Len(),
		ReconnectAttempts:   attempts,
		ConnectedAt:         connectedAt,
	}
}
