package stuck

import (
	"errors"
	"sync"

	"github.com/Iron-Ham/herd/internal/logging"
	"github.com/Iron-Ham/herd/internal/statefile"
)

// DefaultHistorySize is the number of detections kept per agent.
const DefaultHistorySize = 50

// History keeps a bounded ring of recent detections per agent. Record only
// touches memory; Save persists the rings and logs rather than returns
// failures from the detection path.
type History struct {
	mu     sync.Mutex
	size   int
	rings  map[string][]Detection
	logger *logging.Logger
}

// NewHistory creates a History holding size detections per agent.
func NewHistory(size int, logger *logging.Logger) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &History{size: size, rings: make(map[string][]Detection), logger: logger}
}

// Record appends det, evicting the oldest entry for the agent when full.
func (h *History) Record(det Detection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := append(h.rings[det.AgentID], det)
	if len(ring) > h.size {
		ring = append([]Detection(nil), ring[len(ring)-h.size:]...)
	}
	h.rings[det.AgentID] = ring
}

// Recent returns up to n of the agent's most recent detections, oldest first.
func (h *History) Recent(agentID string, n int) []Detection {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := h.rings[agentID]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	return append([]Detection(nil), ring[len(ring)-n:]...)
}

// Forget drops an agent's history.
func (h *History) Forget(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rings, agentID)
}

// Load replaces the in-memory rings with the document at path. A missing
// file leaves the history empty.
func (h *History) Load(path string) error {
	var rings map[string][]Detection
	if err := statefile.Read(path, &rings); err != nil {
		if errors.Is(err, statefile.ErrNotExist) {
			return nil
		}
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rings = make(map[string][]Detection, len(rings))
	for id, ring := range rings {
		if len(ring) > h.size {
			ring = ring[len(ring)-h.size:]
		}
		h.rings[id] = ring
	}
	return nil
}

// Save writes the rings to path. Errors are logged, never returned.
func (h *History) Save(path string) {
	h.mu.Lock()
	snapshot := make(map[string][]Detection, len(h.rings))
	for id, ring := range h.rings {
		snapshot[id] = append([]Detection(nil), ring...)
	}
	h.mu.Unlock()

	if err := statefile.Write(path, snapshot); err != nil {
		h.logger.Warn("failed to persist stuck history", "path", path, "error", err)
	}
}
