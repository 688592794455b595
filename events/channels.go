package events

// DefaultBroadcastChannel receives frames that have no dedicated handler.
const DefaultBroadcastChannel = "chat-global"

// ConversationStreamChannel carries the chunk, response and error events of
// one conversation.
func ConversationStreamChannel(conversationID string) string {
	return "stream:" + conversationID
}

// ConversationChannel carries conversation level notifications.
func ConversationChannel(conversationID string) string {
	return "conv:" + conversationID
}

// UserChannel carries notifications addressed to one user.
func UserChannel(userID string) string {
	return "user:" + userID
}
