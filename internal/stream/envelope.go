// Package stream delivers pipeline events from a run to its transport.
//
// A Bridge is a bounded single-producer queue with one consumer goroutine.
// Emit stamps each payload into an Envelope with the next sequence number and
// blocks when the queue is full. Close enqueues a terminal sentinel and waits
// for the consumer to drain everything before it.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/shirube/internal/model"
)

// SchemaVersion is the envelope format version.
const SchemaVersion = "1"

// Envelope wraps every streamed event.
type Envelope struct {
	EventType     model.EventType `json:"event_type"`
	Seq           uint64          `json:"seq"`
	Timestamp     time.Time       `json:"timestamp"`
	TraceID       string          `json:"trace_id"`
	SchemaVersion string          `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Frame renders env as one SSE frame: "event:<type>\nid:<seq>\ndata:<json>\n\n".
func Frame(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("stream: encode envelope %d: %w", env.Seq, err)
	}
	buf := make([]byte, 0, len(data)+len(env.EventType)+32)
	buf = fmt.Appendf(buf, "event:%s\nid:%d\ndata:", env.EventType, env.Seq)
	buf = append(buf, data...)
	return append(buf, '\n', '\n'), nil
}

// KeepaliveFrame is an SSE comment that keeps idle connections open.
var KeepaliveFrame = []byte(":keepalive\n\n")
