// Package sse tokenizes text/event-stream bodies. It accumulates bytes across
// network reads and emits an Event for every blank-line terminated block,
// accepting both "\n\n" and "\r\n\r\n" boundaries even when a boundary is
// split between two reads.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
)

// DoneMarker is the data payload OpenAI-style upstreams send last.
const DoneMarker = "[DONE]"

// Event is one server-sent event.
type Event struct {
	// Name is the value of the "event:" field, empty when absent
	Name string
	// Data is the "data:" lines joined with "\n"
	Data string
	// Comment is set for blocks that only held ":" comment lines
	Comment bool
	// Done is set when Data is the [DONE] marker
	Done bool
}

// Decoder is an incremental tokenizer. The zero value is ready to use.
type Decoder struct {
	buf []byte
}

// Feed appends p to the pending buffer and returns every complete event.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf = append(d.buf, p...)
	var out []Event
	for {
		idx, size := boundary(d.buf)
		if idx < 0 {
			break
		}
		block := d.buf[:idx]
		d.buf = d.buf[idx+size:]
		if ev, ok := parseBlock(block); ok {
			out = append(out, ev)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush parses whatever is buffered as a final block. Upstreams that close
// the connection without a trailing blank line still get their last event.
func (d *Decoder) Flush() []Event {
	block := d.buf
	d.buf = nil
	if len(bytes.TrimSpace(block)) == 0 {
		return nil
	}
	if ev, ok := parseBlock(block); ok {
		return []Event{ev}
	}
	return nil
}

// boundary finds the earliest blank line. It returns the index of the block
// end and the length of the separator.
func boundary(buf []byte) (int, int) {
	best, size := -1, 0
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(buf, sep); i >= 0 && (best < 0 || i < best) {
			best, size = i, len(sep)
		}
	}
	return best, size
}

func parseBlock(block []byte) (Event, bool) {
	var (
		ev       Event
		data     []string
		hasData  bool
		comments bool
	)
	for _, raw := range splitLines(string(block)) {
		if raw == "" {
			continue
		}
		if strings.HasPrefix(raw, ":") {
			comments = true
			continue
		}
		field, value, found := strings.Cut(raw, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "event":
			ev.Name = value
		case "data":
			hasData = true
			data = append(data, value)
		}
	}
	if !hasData && ev.Name == "" {
		if comments {
			return Event{Comment: true}, true
		}
		return Event{}, false
	}
	ev.Data = strings.Join(data, "\n")
	ev.Done = strings.TrimSpace(ev.Data) == DoneMarker
	return ev, true
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

// Read drives r through a Decoder and calls fn for every event. It stops when
// fn returns false, when ctx is cancelled or when r is exhausted. Reaching
// the end of r is not an error.
func Read(ctx context.Context, r io.Reader, fn func(Event) bool) error {
	var dec Decoder
	br := bufio.NewReaderSize(r, 32<<10)
	buf := make([]byte, 32<<10)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := br.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if !fn(ev) {
					return nil
				}
			}
		}
		if errors.Is(err, io.EOF) {
			for _, ev := range dec.Flush() {
				if !fn(ev) {
					return nil
				}
			}
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}
