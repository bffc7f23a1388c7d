package inbox

import "time"

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a transient message for the user.
type Notification struct {
	Level          Level     `json:"level"`
	Text           string    `json:"text"`
	ConversationID string    `json:"conversationId,omitempty"`
	At             time.Time `json:"at"`
}

// Bridge connection states as reported by GET /status.
const (
	BridgeDisconnected = "disconnected"
	BridgeConnecting   = "connecting"
	BridgeConnected    = "connected"
	BridgeQRReady      = "qr_ready"
)

// BridgeStatus is the last known messaging bridge state.
type BridgeStatus struct {
	State     string    `json:"status"`
	HasQR     bool      `json:"hasQR"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}
