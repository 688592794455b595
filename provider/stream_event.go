package provider

import (
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
)

// StreamEvent is one normalized unit of upstream output.
type StreamEvent interface {
	streamEvent()
	// ObservedAt is when the adapter received the frame behind the event.
	ObservedAt() time.Time
}

// TextDelta is an increment of the visible answer.
type TextDelta struct {
	Text      string          `json:"text"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (TextDelta) streamEvent()            {}
func (e TextDelta) ObservedAt() time.Time { return time.Time(e.Timestamp) }

// ReasoningDelta is an increment of the model's visible reasoning.
type ReasoningDelta struct {
	Text      string          `json:"text"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (ReasoningDelta) streamEvent()            {}
func (e ReasoningDelta) ObservedAt() time.Time { return time.Time(e.Timestamp) }

// InlineData is binary output, such as a generated image, as a data URL.
// Final is set on the complete payload; partial renditions precede it.
type InlineData struct {
	URL       string          `json:"url"`
	Final     bool            `json:"final,omitempty"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (InlineData) streamEvent()            {}
func (e InlineData) ObservedAt() time.Time { return time.Time(e.Timestamp) }

// Done is the finish signal. FinishReason is "stop", "length" or whatever the
// upstream reported; it is empty when the upstream only closed the stream.
type Done struct {
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Timestamp    strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Done) streamEvent()            {}
func (e Done) ObservedAt() time.Time { return time.Time(e.Timestamp) }

// Error terminates a stream that failed after it started.
type Error struct {
	Err       error           `json:"error"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Error) streamEvent()            {}
func (e Error) ObservedAt() time.Time { return time.Time(e.Timestamp) }

func (e Error) Error() string {
	return fmt.Sprintf("stream error at %s: %v", e.Timestamp, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

// KeepAlive reports upstream activity that carried no usable payload: SSE
// comments, unknown event kinds or frames that failed validation.
type KeepAlive struct {
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (KeepAlive) streamEvent()            {}
func (e KeepAlive) ObservedAt() time.Time { return time.Time(e.Timestamp) }

// Usage is the token accounting reported by the upstream.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Total returns TotalTokens, or the sum of input and output when the upstream
// did not report a total.
func (u *Usage) Total() int64 {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}
