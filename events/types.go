package events

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Wire type names.
const (
	TypePing                     = "ping"
	TypePong                     = "pong"
	TypeTyping                   = "typing"
	TypeMessage                  = "message"
	TypeAIChatRequest            = "ai_chat_request"
	TypeAIChatChunk              = "ai_chat_chunk"
	TypeAIChatResponse           = "ai_chat_response"
	TypeAIChatError              = "ai_chat_error"
	TypeAIChatInlineData         = "ai_chat_inline_data"
	TypeAssetUploadRequest       = "asset_upload_request"
	TypeAssetUploadResponse      = "asset_upload_response"
	TypeImageGenRequest          = "image_gen_request"
	TypeImageGenResponse         = "image_gen_response"
	TypeConversationCreated      = "conversation:created"
	TypeConversationTitleUpdated = "conversation:title_updated"
	TypeConversationDeleted      = "conversation:deleted"
	TypeStreamResumed            = "stream:resumed"
)

// NewChatSentinel is the conversation id a client sends before the server
// has created the conversation.
const NewChatSentinel = "new-chat"

// Event is the closed set of messages exchanged over the socket and the bus.
type Event interface {
	EventType() string
	event()
}

type Ping struct{}

func (Ping) EventType() string { return TypePing }
func (Ping) event()            {}

func (e Ping) MarshalJSON() ([]byte, error) { return tagged(TypePing, struct{}{}) }
func (e *Ping) UnmarshalJSON(data []byte) error {
	return expectType(data, TypePing)
}

type Pong struct {
	UserID string `json:"userId,omitempty"`
}

func (Pong) EventType() string { return TypePong }
func (Pong) event()            {}

func (e Pong) MarshalJSON() ([]byte, error) {
	type plain Pong
	return tagged(TypePong, plain(e))
}

func (e *Pong) UnmarshalJSON(data []byte) error {
	type plain Pong
	return untagged(data, TypePong, (*plain)(e))
}

type Typing struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

func (Typing) EventType() string { return TypeTyping }
func (Typing) event()            {}

func (e Typing) MarshalJSON() ([]byte, error) {
	type plain Typing
	return tagged(TypeTyping, plain(e))
}

func (e *Typing) UnmarshalJSON(data []byte) error {
	type plain Typing
	return untagged(data, TypeTyping, (*plain)(e))
}

// Message is a persisted chat turn.
type Message struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

func (Message) EventType() string { return TypeMessage }
func (Message) event()            {}

func (e Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return tagged(TypeMessage, plain(e))
}

func (e *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	return untagged(data, TypeMessage, (*plain)(e))
}

// UserMetadata is optional location context a client attaches to a request.
type UserMetadata struct {
	City       string   `json:"city,omitempty"`
	Region     string   `json:"region,omitempty"`
	Country    string   `json:"country,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lng        *float64 `json:"lng,omitempty"`
	TZ         string   `json:"tz,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Locale     string   `json:"locale,omitempty"`
}

// AIChatRequest asks the server to start a generation. ConversationID may be
// NewChatSentinel.
type AIChatRequest struct {
	ConversationID        string        `json:"conversationId"`
	Prompt                string        `json:"prompt"`
	Provider              string        `json:"provider"`
	Model                 string        `json:"model,omitempty"`
	APIKey                string        `json:"apiKey,omitempty"`
	SystemPrompt          string        `json:"systemPrompt,omitempty"`
	Temperature           *float64      `json:"temperature,omitempty"`
	TopP                  *float64      `json:"topP,omitempty"`
	MaxTokens             *int64        `json:"maxTokens,omitempty"`
	HasProviderConfigured *bool         `json:"hasProviderConfigured,omitempty"`
	IsDefaultProvider     *bool         `json:"isDefaultProvider,omitempty"`
	Metadata              *UserMetadata `json:"metadata,omitempty"`
}

func (AIChatRequest) EventType() string { return TypeAIChatRequest }
func (AIChatRequest) event()            {}

// IsNewChat reports whether the request targets a conversation that does not
// exist yet.
func (e AIChatRequest) IsNewChat() bool { return e.ConversationID == NewChatSentinel }

func (e AIChatRequest) MarshalJSON() ([]byte, error) {
	type plain AIChatRequest
	return tagged(TypeAIChatRequest, plain(e))
}

func (e *AIChatRequest) UnmarshalJSON(data []byte) error {
	type plain AIChatRequest
	return untagged(data, TypeAIChatRequest, (*plain)(e))
}

// Generation identifies the conversation, user and sampling parameters of a
// generation. It is shared by every ai_chat_* event.
type Generation struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	Title          string   `json:"title,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"topP,omitempty"`
}

// AIChatChunk carries one text or reasoning delta of an ongoing generation.
type AIChatChunk struct {
	Generation
	Chunk            string `json:"chunk,omitempty"`
	IsThinking       bool   `json:"isThinking,omitempty"`
	ThinkingText     string `json:"thinkingText,omitempty"`
	ThinkingDuration int64  `json:"thinkingDuration,omitempty"`
}

func (AIChatChunk) EventType() string { return TypeAIChatChunk }
func (AIChatChunk) event()            {}
func (AIChatChunk) Done() bool        { return false }

func (e AIChatChunk) MarshalJSON() ([]byte, error) {
	type plain AIChatChunk
	return withDone(TypeAIChatChunk, plain(e), false)
}

func (e *AIChatChunk) UnmarshalJSON(data []byte) error {
	type plain AIChatChunk
	return untagged(data, TypeAIChatChunk, (*plain)(e))
}

// AIChatResponse is the terminal success event; Chunk holds the full text.
type AIChatResponse struct {
	Generation
	Chunk            string `json:"chunk"`
	Usage            int64  `json:"usage,omitempty"`
	ThinkingText     string `json:"thinkingText,omitempty"`
	ThinkingDuration int64  `json:"thinkingDuration,omitempty"`
}

func (AIChatResponse) EventType() string { return TypeAIChatResponse }
func (AIChatResponse) event()            {}
func (AIChatResponse) Done() bool        { return true }

func (e AIChatResponse) MarshalJSON() ([]byte, error) {
	type plain AIChatResponse
	return withDone(TypeAIChatResponse, plain(e), true)
}

func (e *AIChatResponse) UnmarshalJSON(data []byte) error {
	type plain AIChatResponse
	return untagged(data, TypeAIChatResponse, (*plain)(e))
}

// AIChatError is the terminal failure event.
type AIChatError struct {
	Generation
	Message    string `json:"message"`
	StopReason string `json:"stopReason,omitempty"`
	Usage      int64  `json:"usage,omitempty"`
}

func (AIChatError) EventType() string { return TypeAIChatError }
func (AIChatError) event()            {}
func (AIChatError) Done() bool        { return true }

func (e AIChatError) MarshalJSON() ([]byte, error) {
	type plain AIChatError
	return withDone(TypeAIChatError, plain(e), true)
}

func (e *AIChatError) UnmarshalJSON(data []byte) error {
	type plain AIChatError
	return untagged(data, TypeAIChatError, (*plain)(e))
}

type AIChatInlineData struct {
	Generation
	Data string `json:"data"`
	Done bool   `json:"done"`
}

func (AIChatInlineData) EventType() string { return TypeAIChatInlineData }
func (AIChatInlineData) event()            {}

func (e AIChatInlineData) MarshalJSON() ([]byte, error) {
	type plain AIChatInlineData
	return tagged(TypeAIChatInlineData, plain(e))
}

func (e *AIChatInlineData) UnmarshalJSON(data []byte) error {
	type plain AIChatInlineData
	return untagged(data, TypeAIChatInlineData, (*plain)(e))
}

type AssetUploadRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Filename       string `json:"filename"`
	ContentType    string `json:"contentType"`
	Base64         string `json:"base64"`
	Origin         string `json:"origin,omitempty"`
}

func (AssetUploadRequest) EventType() string { return TypeAssetUploadRequest }
func (AssetUploadRequest) event()            {}

func (e AssetUploadRequest) MarshalJSON() ([]byte, error) {
	type plain AssetUploadRequest
	return tagged(TypeAssetUploadRequest, plain(e))
}

func (e *AssetUploadRequest) UnmarshalJSON(data []byte) error {
	type plain AssetUploadRequest
	return untagged(data, TypeAssetUploadRequest, (*plain)(e))
}

type AssetUploadResponse struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	URL            string `json:"url,omitempty"`
	AttachmentID   string `json:"attachmentId,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

func (AssetUploadResponse) EventType() string { return TypeAssetUploadResponse }
func (AssetUploadResponse) event()            {}

func (e AssetUploadResponse) MarshalJSON() ([]byte, error) {
	type plain AssetUploadResponse
	return tagged(TypeAssetUploadResponse, plain(e))
}

func (e *AssetUploadResponse) UnmarshalJSON(data []byte) error {
	type plain AssetUploadResponse
	return untagged(data, TypeAssetUploadResponse, (*plain)(e))
}

type ImageGenRequest struct {
	UserID         string   `json:"userId"`
	ConversationID string   `json:"conversationId"`
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model"`
	Width          *int64   `json:"width,omitempty"`
	Height         *int64   `json:"height,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	NegativePrompt string   `json:"negativePrompt,omitempty"`
	Steps          *int64   `json:"steps,omitempty"`
	GuidanceScale  *float64 `json:"guidanceScale,omitempty"`
}

func (ImageGenRequest) EventType() string { return TypeImageGenRequest }
func (ImageGenRequest) event()            {}

func (e ImageGenRequest) MarshalJSON() ([]byte, error) {
	type plain ImageGenRequest
	return tagged(TypeImageGenRequest, plain(e))
}

func (e *ImageGenRequest) UnmarshalJSON(data []byte) error {
	type plain ImageGenRequest
	return untagged(data, TypeImageGenRequest, (*plain)(e))
}

type ImageGenResponse struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	AttachmentID   string `json:"attachmentId,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
	TaskID         string `json:"taskId,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

func (ImageGenResponse) EventType() string { return TypeImageGenResponse }
func (ImageGenResponse) event()            {}

func (e ImageGenResponse) MarshalJSON() ([]byte, error) {
	type plain ImageGenResponse
	return tagged(TypeImageGenResponse, plain(e))
}

func (e *ImageGenResponse) UnmarshalJSON(data []byte) error {
	type plain ImageGenResponse
	return untagged(data, TypeImageGenResponse, (*plain)(e))
}

type ConversationCreated struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Title          string `json:"title"`
	Timestamp      int64  `json:"timestamp"`
}

func (ConversationCreated) EventType() string { return TypeConversationCreated }
func (ConversationCreated) event()            {}

func (e ConversationCreated) MarshalJSON() ([]byte, error) {
	type plain ConversationCreated
	return tagged(TypeConversationCreated, plain(e))
}

func (e *ConversationCreated) UnmarshalJSON(data []byte) error {
	type plain ConversationCreated
	return untagged(data, TypeConversationCreated, (*plain)(e))
}

type ConversationTitleUpdated struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Title          string `json:"title"`
	Timestamp      int64  `json:"timestamp"`
}

func (ConversationTitleUpdated) EventType() string { return TypeConversationTitleUpdated }
func (ConversationTitleUpdated) event()            {}

func (e ConversationTitleUpdated) MarshalJSON() ([]byte, error) {
	type plain ConversationTitleUpdated
	return tagged(TypeConversationTitleUpdated, plain(e))
}

func (e *ConversationTitleUpdated) UnmarshalJSON(data []byte) error {
	type plain ConversationTitleUpdated
	return untagged(data, TypeConversationTitleUpdated, (*plain)(e))
}

type ConversationDeleted struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Timestamp      int64  `json:"timestamp"`
}

func (ConversationDeleted) EventType() string { return TypeConversationDeleted }
func (ConversationDeleted) event()            {}

func (e ConversationDeleted) MarshalJSON() ([]byte, error) {
	type plain ConversationDeleted
	return tagged(TypeConversationDeleted, plain(e))
}

func (e *ConversationDeleted) UnmarshalJSON(data []byte) error {
	type plain ConversationDeleted
	return untagged(data, TypeConversationDeleted, (*plain)(e))
}

// StreamResumed announces that a generation picked up from a checkpoint.
// ResumedAt is the number of chunks recovered.
type StreamResumed struct {
	ConversationID string   `json:"conversationId"`
	ResumedAt      int      `json:"resumedAt"`
	Chunks         []string `json:"chunks"`
	Title          string   `json:"title,omitempty"`
	Model          string   `json:"model,omitempty"`
	Provider       string   `json:"provider,omitempty"`
}

func (StreamResumed) EventType() string { return TypeStreamResumed }
func (StreamResumed) event()            {}

func (e StreamResumed) MarshalJSON() ([]byte, error) {
	type plain StreamResumed
	return tagged(TypeStreamResumed, plain(e))
}

func (e *StreamResumed) UnmarshalJSON(data []byte) error {
	type plain StreamResumed
	return untagged(data, TypeStreamResumed, (*plain)(e))
}

func tagged(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", typ, err)
	}
	return sjson.SetBytes(body, "type", typ)
}

func withDone(typ string, v any, done bool) ([]byte, error) {
	body, err := tagged(typ, v)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "done", done)
}

func expectType(data []byte, typ string) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %w", ErrInvalidPayload)
	}
	msgType := gjson.GetBytes(data, "type")
	if msgType.Type != gjson.String || msgType.String() != typ {
		return fmt.Errorf("missing or invalid type, expected '%s'", typ)
	}
	return nil
}

func untagged(data []byte, typ string, dst any) error {
	if err := expectType(data, typ); err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid %s: %w", typ, err)
	}
	return nil
}
