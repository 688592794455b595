// Package slogx holds the slog attribute constructors shared by every
// component, so that log keys stay consistent across the server.
package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
// A nil error is rendered as "<nil>".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// ByteString creates a slog.Attr with the given key and a string
// representation of the byte slice value, truncated to maxLogBytes so that
// untrusted frames cannot flood the logs.
func ByteString(key string, value []byte) slog.Attr {
	if len(value) > maxLogBytes {
		return slog.String(key, string(value[:maxLogBytes])+"…")
	}
	return slog.String(key, string(value))
}

const maxLogBytes = 256

// Stringer creates a slog.Attr with the provided key and the string
// representation of the given fmt.Stringer value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

const (
	// KeyLoggerName is the key for the component name.
	KeyLoggerName = "logger"
	// KeyConversationID identifies the conversation a log line belongs to.
	KeyConversationID = "conversation_id"
	// KeyUserID identifies the authenticated user.
	KeyUserID = "user_id"
	// KeyChannel identifies a pub/sub channel.
	KeyChannel = "channel"
	// KeyEventType identifies a protocol event type.
	KeyEventType = "event_type"
)

// LoggerName creates a slog.Attr with the provided logger name.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// ConversationID creates the conversation id attribute.
func ConversationID(id string) slog.Attr {
	return slog.String(KeyConversationID, id)
}

// UserID creates the user id attribute.
func UserID(id string) slog.Attr {
	return slog.String(KeyUserID, id)
}

// Channel creates the pub/sub channel attribute.
func Channel(name string) slog.Attr {
	return slog.String(KeyChannel, name)
}

// EventType creates the event type attribute.
func EventType(typ string) slog.Attr {
	return slog.String(KeyEventType, typ)
}
