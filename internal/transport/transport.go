// Package transport delivers relay messages to operators and routes their
// inbound requests.
package transport

import "context"

// MessageHandle identifies a message that was sent and may later be edited.
type MessageHandle struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
}

// Transport sends and edits chat messages.
type Transport interface {
	SendMessage(ctx context.Context, userID, text string) (MessageHandle, error)
	EditMessage(ctx context.Context, handle MessageHandle, text string) error
}

// Discard drops every message. It stands in when no chat surface is attached,
// such as for plain HTTP callers.
type Discard struct{}

// SendMessage returns an empty handle.
func (Discard) SendMessage(_ context.Context, userID, _ string) (MessageHandle, error) {
	return MessageHandle{UserID: userID}, nil
}

// EditMessage does nothing.
func (Discard) EditMessage(context.Context, MessageHandle, string) error { return nil }
