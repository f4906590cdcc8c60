package hostbridge

import "sync"

// History keeps the most recent outbound frames so late-joining hosts can
// catch up. It overwrites the oldest frame when full.
type History struct {
	mu       sync.Mutex
	buf      [][]byte
	writePos int
	written  int // total frames ever written
}

// NewHistory creates a history holding up to capacity frames.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([][]byte, capacity)}
}

// Write appends a frame.
func (h *History) Write(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.writePos] = frame
	h.writePos = (h.writePos + 1) % len(h.buf)
	h.written++
}

// Snapshot returns the stored frames, oldest first.
func (h *History) Snapshot() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.lenLocked()
	if n == 0 {
		return nil
	}
	out := make([][]byte, n)
	start := (h.writePos - n + len(h.buf)) % len(h.buf)
	for i := range out {
		out[i] = h.buf[(start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of frames currently stored.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lenLocked()
}

func (h *History) lenLocked() int {
	if h.written > len(h.buf) {
		return len(h.buf)
	}
	return h.written
}
