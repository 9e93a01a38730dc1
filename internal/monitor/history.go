package monitor

import "github.com/orchids/transcription-service/internal/domain"

// history is a fixed-capacity ring of snapshots, oldest evicted first.
type history struct {
	buf   []*domain.SystemSnapshot
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{buf: make([]*domain.SystemSnapshot, capacity)}
}

func (h *history) push(s *domain.SystemSnapshot) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = s
		h.size++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

// last returns up to n most recent snapshots, oldest first.
func (h *history) last(n int) []*domain.SystemSnapshot {
	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]*domain.SystemSnapshot, 0, n)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

func (h *history) len() int { return h.size }
