package stream

import (
	"io"
	"net/http"
	"sync"
)

// SSESink writes envelopes as SSE frames and flushes after each one.
type SSESink struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSESink writes to w. If w implements http.Flusher each frame is flushed.
func NewSSESink(w io.Writer) *SSESink {
	f, _ := w.(http.Flusher)
	return &SSESink{w: w, flusher: f}
}

func (s *SSESink) Send(env Envelope) error {
	frame, err := Frame(env)
	if err != nil {
		return err
	}
	return s.write(frame)
}

func (s *SSESink) Keepalive() error {
	return s.write(KeepaliveFrame)
}

func (s *SSESink) write(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Collector keeps every envelope in memory.
type Collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *Collector) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

// Envelopes returns a copy of what has been collected.
func (c *Collector) Envelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}
