// Package bridge connects the inbox to WhatsApp: a whatsmeow session that
// stages incoming traffic, an HTTP server exposing status and send, and the
// client the inbox uses to call it.
package bridge

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status string `json:"status"`
	HasQR  bool   `json:"hasQR"`
	Error  string `json:"error,omitempty"`
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	RecipientIdentifier string `json:"recipientIdentifier" validate:"required"`
	Body                string `json:"body" validate:"required,max=65536"`
}

type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}
