package webbridge

// Bridge webhook payload shapes. The bridge posts one event per request;
// message events wrap the library's serialized message object.

type webhookPayload struct {
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	QR        string         `json:"qr,omitempty"`
	Message   *bridgeMessage `json:"message,omitempty"`
	Ack       *bridgeAck     `json:"ack,omitempty"`
}

type bridgeMessage struct {
	ID         bridgeMessageID `json:"id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Author     string          `json:"author,omitempty"`
	Body       string          `json:"body"`
	Type       string          `json:"type"`
	Timestamp  int64           `json:"timestamp"`
	FromMe     bool            `json:"fromMe"`
	NotifyName string          `json:"notifyName,omitempty"`
}

type bridgeMessageID struct {
	Serialized string `json:"_serialized"`
}

type bridgeAck struct {
	ExternalMessageID string `json:"external_message_id"`
	Ack               int    `json:"ack"`
}

// Send request/response shapes, one pair per bridge variant.

type legacySendRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

type legacySendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

type modernSendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type modernSendResponse struct {
	ID bridgeMessageID `json:"id"`
}
