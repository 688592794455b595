package events

import (
	"errors"
	"fmt"
	"slices"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

var (
	ErrInvalidPayload = errors.New("invalid event payload")
	ErrMissingType    = errors.New("missing or non-string event type")
	ErrUnknownType    = errors.New("unknown event type")
	ErrNotAllowed     = errors.New("event type not allowed inbound")
)

// Inbound is the allow-list of types a client may send over the socket.
var Inbound = []string{
	TypePing,
	TypeTyping,
	TypeMessage,
	TypeAIChatRequest,
	TypeAIChatChunk,
	TypeAIChatResponse,
	TypeAIChatError,
	TypeAIChatInlineData,
	TypeAssetUploadRequest,
	TypeAssetUploadResponse,
	TypeImageGenRequest,
	TypeImageGenResponse,
}

// IsAllowed reports whether typ is on the inbound allow-list.
func IsAllowed(typ string) bool {
	return slices.Contains(Inbound, typ)
}

var decoders = map[string]func([]byte) (Event, error){
	TypePing:                     decodeAs[Ping],
	TypePong:                     decodeAs[Pong],
	TypeTyping:                   decodeAs[Typing],
	TypeMessage:                  decodeAs[Message],
	TypeAIChatRequest:            decodeAs[AIChatRequest],
	TypeAIChatChunk:              decodeAs[AIChatChunk],
	TypeAIChatResponse:           decodeAs[AIChatResponse],
	TypeAIChatError:              decodeAs[AIChatError],
	TypeAIChatInlineData:         decodeAs[AIChatInlineData],
	TypeAssetUploadRequest:       decodeAs[AssetUploadRequest],
	TypeAssetUploadResponse:      decodeAs[AssetUploadResponse],
	TypeImageGenRequest:          decodeAs[ImageGenRequest],
	TypeImageGenResponse:         decodeAs[ImageGenResponse],
	TypeConversationCreated:      decodeAs[ConversationCreated],
	TypeConversationTitleUpdated: decodeAs[ConversationTitleUpdated],
	TypeConversationDeleted:      decodeAs[ConversationDeleted],
	TypeStreamResumed:            decodeAs[StreamResumed],
}

// Known reports whether typ names a variant of the protocol.
func Known(typ string) bool {
	_, ok := decoders[typ]
	return ok
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// TypeOf extracts the discriminator of a frame without decoding the rest.
func TypeOf(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", ErrInvalidPayload
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return "", ErrInvalidPayload
	}
	typ := root.Get("type")
	if typ.Type != gjson.String {
		return "", ErrMissingType
	}
	return typ.String(), nil
}

// Parse decodes any known event.
func Parse(data []byte) (Event, error) {
	typ, err := TypeOf(data)
	if err != nil {
		return nil, err
	}
	decode, ok := decoders[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	ev, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return ev, nil
}

// ParseInbound decodes a frame received from a client. Types outside the
// Inbound allow-list are rejected before the payload is decoded.
func ParseInbound(data []byte) (Event, error) {
	typ, err := TypeOf(data)
	if err != nil {
		return nil, err
	}
	if !IsAllowed(typ) {
		return nil, fmt.Errorf("%w: %q", ErrNotAllowed, typ)
	}
	return Parse(data)
}

// ToJSON serializes an event with its type discriminator.
func ToJSON(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidPayload)
	}
	return json.Marshal(ev)
}
