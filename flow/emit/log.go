package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable format with key=value pairs
//   - JSON mode: machine-readable JSON, one event per line (JSONL)
//
// Example text output:
//
//	[operation] token_dispatched run=run-001 seq=4 token=tok-2 node=greet
//
// Example JSON output:
//
//	{"category":"operation","runID":"run-001","seq":4,"tokenID":"tok-2","nodeID":"greet","msg":"token_dispatched"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
//
// Parameters:
//   - writer: where to write the log output (nil defaults to os.Stdout)
//   - jsonMode: if true, emit JSONL; if false, emit text
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Category Category               `json:"category"`
		RunID    string                 `json:"runID"`
		Seq      int64                  `json:"seq"`
		TokenID  string                 `json:"tokenID,omitempty"`
		NodeID   string                 `json:"nodeID,omitempty"`
		Msg      string                 `json:"msg"`
		Meta     map[string]interface{} `json:"meta,omitempty"`
	}{
		Category: event.Category,
		RunID:    event.RunID,
		Seq:      event.Seq,
		TokenID:  event.TokenID,
		NodeID:   event.NodeID,
		Msg:      event.Msg,
		Meta:     event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] %s run=%s seq=%d", event.Category, event.Msg, event.RunID, event.Seq)
	if event.TokenID != "" {
		fmt.Fprintf(l.writer, " token=%s", event.TokenID)
	}
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " node=%s", event.NodeID)
	}

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
