// Package events defines the canonical event protocol shared by the chat
// server, the browser-side client socket and the pub/sub bus. Every frame on
// the wire is a JSON object discriminated by its "type" field.
//
// Design decisions:
//   - Closed union: Event is sealed with an unexported marker method, so only
//     the variants declared here can travel through the system
//   - Strict decoding: numeric and boolean fields must use native JSON types,
//     a string where a number is expected is a decode error
//   - Allow-list: inbound frames are checked against Inbound before any field
//     is trusted, unknown or missing types are rejected as a whole
//   - Constant flags: "done" is derived from the variant, never from input
//   - Routable: every chat event carries conversationId and userId
//
// Event hierarchy:
//   - Event
//     ├── Ping, Pong, Typing, Message
//     ├── AIChatRequest
//     ├── AIChatChunk, AIChatResponse, AIChatError, AIChatInlineData
//     ├── AssetUploadRequest, AssetUploadResponse
//     ├── ImageGenRequest, ImageGenResponse
//     └── ConversationCreated, ConversationTitleUpdated, ConversationDeleted, StreamResumed (bus only)
//
// Example usage:
//
//	ev, err := events.ParseInbound(frame)
//	if err != nil {
//	    // dropped: unknown type, missing type or invalid payload
//	    return
//	}
//	switch e := ev.(type) {
//	case events.AIChatRequest:
//	    // start a generation
//	case events.Typing:
//	    // broadcast
//	}
package events
