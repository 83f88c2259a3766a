package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes events to a writer in either human-readable text or
// JSONL form.
//
// Text mode:
//
//	[node_start] session=s-001 step=1 node=planner
//
// JSON mode (one event per line):
//
//	{"session":"s-001","step":1,"node":"planner","msg":"node_start","meta":null}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to w. A nil writer falls
// back to os.Stdout. jsonMode selects JSONL output over text.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{writer: w, jsonMode: jsonMode}
}

// Emit writes the event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Session string                 `json:"session"`
		Step    int                    `json:"step"`
		Node    string                 `json:"node"`
		Msg     string                 `json:"msg"`
		Meta    map[string]interface{} `json:"meta"`
	}{
		Session: event.SessionID,
		Step:    event.Step,
		Node:    event.Node,
		Msg:     event.Msg,
		Meta:    event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] session=%s step=%d node=%s",
		event.Msg, event.SessionID, event.Step, event.Node)

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
