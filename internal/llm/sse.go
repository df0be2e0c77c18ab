package llm

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event: an optional name plus its data
// lines joined by newlines.
type sseEvent struct {
	Name string
	Data string
}

// sseReader splits a text/event-stream body into events. An event is
// complete at the blank line that terminates it; comment lines are
// skipped. Nothing is buffered beyond one event.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{scanner: scanner}
}

// Next returns the next event, or io.EOF when the body is exhausted.
func (r *sseReader) Next() (sseEvent, error) {
	var (
		name string
		data strings.Builder
		seen bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if seen {
				return sseEvent{Name: name, Data: data.String()}, nil
			}
			name = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if seen {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
			seen = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if seen {
		// Final event without a trailing blank line.
		return sseEvent{Name: name, Data: data.String()}, nil
	}
	return sseEvent{}, io.EOF
}
