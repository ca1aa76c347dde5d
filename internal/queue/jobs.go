package queue

import "context"

// Routing keys on the task exchange.
const (
	RoutingKeyAIResponse   = "ai.response"
	RoutingKeyOutboundSend = "outbound.send"
)

// Queue names.
const (
	QueueAIResponses  = "chatrelay.ai.responses"
	QueueOutboundSend = "chatrelay.outbound.send"
)

// AIResponseJob asks a worker to generate and send an AI reply to one
// inbound message.
type AIResponseJob struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// OutboundSendJob asks a worker to push one stored outgoing message
// through its provider channel.
type OutboundSendJob struct {
	MessageID string `json:"message_id"`
}

// TaskPublisher enqueues pipeline work. Satisfied by *Client; fakes
// stand in for it in tests.
type TaskPublisher interface {
	EnqueueAIResponse(ctx context.Context, job AIResponseJob) error
	EnqueueOutboundSend(ctx context.Context, job OutboundSendJob) error
}
