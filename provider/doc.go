// Package provider hides the wire format of every upstream LLM behind one
// canonical stream of deltas. Adapters live in sub-packages, one per
// provider family, and never leak provider field names past this boundary.
//
// Design decisions:
//   - Sum type: StreamEvent is sealed; TextDelta, ReasoningDelta, Done, Error
//     and KeepAlive are the only variants an orchestrator has to handle
//   - Hard failures first: a non-2xx upstream response is returned from
//     ChatCompletion as *HTTPError before any event is produced
//   - Exactly one terminal event: the Emitter drops anything sent after Done
//     or Error and closes the channel once the adapter returns
//   - Tolerant framing: malformed frames are skipped and surfaced as KeepAlive
//     so that callers can track liveness without trusting the payload
//   - Staleness, not enforcement: every event carries the time it was
//     observed; aborting an idle stream is left to the caller's context
//
// Example usage:
//
//	stream, err := adapter.ChatCompletion(ctx, provider.CompletionParams{
//	    Model:    "gpt-4o-mini",
//	    Messages: []provider.ChatMessage{provider.User("hi")},
//	})
//	if err != nil {
//	    return err // *provider.HTTPError for non-2xx responses
//	}
//	for ev := range stream {
//	    switch e := ev.(type) {
//	    case provider.TextDelta:
//	        fmt.Print(e.Text)
//	    case provider.Done:
//	        // finished with e.FinishReason
//	    case provider.Error:
//	        return e.Err
//	    }
//	}
package provider
