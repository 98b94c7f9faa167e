package invoker

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// streamEvent is one line of the tool's stream-json output. Only the
// fields the orchestrator consumes are declared; everything else is
// ignored by the decoder.
type streamEvent struct {
	Type              string             `json:"type"`
	Message           *eventMessage      `json:"message,omitempty"`
	Result            string             `json:"result,omitempty"`
	SessionID         string             `json:"session_id,omitempty"`
	DurationMS        int64              `json:"duration_ms,omitempty"`
	IsError           bool               `json:"is_error,omitempty"`
	PermissionDenials []permissionDenial `json:"permission_denials,omitempty"`
}

type eventMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

type permissionDenial struct {
	ToolName  string                 `json:"tool_name"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
}

// transcript accumulates what the decoder goroutine observes. The run
// goroutine reads it only after the decoder has finished or the process
// has been terminated.
type transcript struct {
	mu        sync.Mutex
	fragments []string
	calls     []CapabilityCall
	final     *streamEvent
}

func (t *transcript) addFragment(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fragments = append(t.fragments, text)
}

func (t *transcript) addCall(call CapabilityCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

func (t *transcript) setFinal(evt *streamEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.final = evt
}

func (t *transcript) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *transcript) snapshot() (fragments []string, calls []CapabilityCall, final *streamEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.fragments...), append([]CapabilityCall(nil), t.calls...), t.final
}

func (t *transcript) fallbackText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.fragments, "\n")
}

// decodeStream consumes stdout line by line until EOF. Lines that fail to
// parse are logged and skipped; one malformed record never aborts the turn.
func decodeStream(r io.Reader, tr *transcript, onCall func(CapabilityCall), logger zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt streamEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			logger.Debug().Err(err).Int("line_len", len(line)).Msg("Skipping unparsable stream line")
			continue
		}

		switch evt.Type {
		case "assistant":
			if evt.Message == nil {
				continue
			}
			for _, block := range evt.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						tr.addFragment(block.Text)
					}
				case "tool_use":
					call := CapabilityCall{Name: block.Name, Input: block.Input}
					tr.addCall(call)
					if onCall != nil {
						onCall(call)
					}
				}
			}
		case "result":
			final := evt
			tr.setFinal(&final)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debug().Err(err).Msg("Stream ended with read error")
	}
}
