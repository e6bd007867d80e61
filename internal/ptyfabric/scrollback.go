package ptyfabric

import "sync"

// ScrollbackLimit is the bounded scrollback size, per spec section 3.
const ScrollbackLimit = 1 << 20 // 1 MiB

// scrollback is a byte ring buffer trimmed to at most ScrollbackLimit
// bytes, generalized from the teacher's line-oriented OutputBuffer
// (internal/agentctl/process/buffer.go) to raw bytes since spec 4.C10
// hands clients unstructured PTY output, not discrete lines.
type scrollback struct {
	mu   sync.Mutex
	data []byte
}

func newScrollback() *scrollback {
	return &scrollback{data: make([]byte, 0, 4096)}
}

// Append adds chunk, trimming from the front if the buffer exceeds
// ScrollbackLimit.
func (s *scrollback) Append(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = append(s.data, chunk...)
	if len(s.data) > ScrollbackLimit {
		overflow := len(s.data) - ScrollbackLimit
		s.data = append([]byte{}, s.data[overflow:]...)
	}
}

// Snapshot returns a copy of the current buffer contents.
func (s *scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}
