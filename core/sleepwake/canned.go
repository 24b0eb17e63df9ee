package sleepwake

// Canned replies issued by the surface layers when the state machine
// declines to wake the model. ACTIVE and DROWSY never return one, and
// neither does ASLEEP: a message during plain sleep wakes the model instead.
var cannedResponses = map[State]string{
	StateDreaming:   "*deep in a dream* ...I'm studying right now and can't surface just yet. I'll be back once the session ends.",
	StateDistracted: "*glances over* ...the machine I live on is busy with something heavy at the moment. I'll answer properly once it quiets down.",
	StateOffline:    "GAIA is offline.",
}

// CannedResponse returns the fixed reply for the current state, or "" when
// the state warrants normal processing.
func (m *Manager) CannedResponse() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cannedResponses[m.state]
}
