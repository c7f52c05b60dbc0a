package providers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// errStopSSE halts the event reader without surfacing an error.
var errStopSSE = errors.New("providers: stop sse")

const (
	sseDataPrefix   = "data:"
	sseDoneSentinel = "[DONE]"
	sseMaxEventSize = 8 * 1024 * 1024
)

// readSSE scans a text/event-stream body and invokes onData once per event
// payload. Multi-line data fields are joined with newlines per the SSE
// grammar; the "[DONE]" sentinel terminates the stream cleanly.
func readSSE(reader io.Reader, onData func([]byte) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxEventSize)

	var pending [][]byte
	dispatch := func() error {
		if len(pending) == 0 {
			return nil
		}
		event := strings.TrimSpace(string(bytes.Join(pending, []byte("\n"))))
		pending = pending[:0]
		switch event {
		case "":
			return nil
		case sseDoneSentinel:
			return errStopSSE
		default:
			return onData([]byte(event))
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == "":
			// Blank line closes the current event.
			if err := dispatch(); err != nil {
				if errors.Is(err, errStopSSE) {
					return nil
				}
				return err
			}
		case strings.HasPrefix(line, sseDataPrefix):
			data := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
			pending = append(pending, []byte(data))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("providers: sse scanner: %w", err)
	}
	if err := dispatch(); err != nil && !errors.Is(err, errStopSSE) {
		return err
	}
	return nil
}
