package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"ilps-gateway/internal/metrics"
)

// interruptedDetail is sent to clients when the upstream stream fails mid-way.
const interruptedDetail = "Event stream interrupted"

// WriteSSE relays s to w as server-sent events, one "data:" frame per event,
// flushing after each. When the upstream fails mid-stream a terminal "error"
// event is written before returning. s is always closed on return.
func WriteSSE(w http.ResponseWriter, s *Stream, m *metrics.Metrics) error {
	defer func() { _ = s.Close() }()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flush event stream: %w", err)
	}

	for ev, err := range s.All() {
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("event stream interrupted", "err", err)
			return writeErrorEvent(w, rc)
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		if err := rc.Flush(); err != nil {
			return fmt.Errorf("flush event stream: %w", err)
		}
		if m != nil {
			m.StreamEvents.WithLabelValues("sse").Inc()
		}
	}
	return nil
}

func writeErrorEvent(w http.ResponseWriter, rc *http.ResponseController) error {
	payload, err := json.Marshal(map[string]string{"detail": interruptedDetail})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload); err != nil {
		return fmt.Errorf("write error event: %w", err)
	}
	return rc.Flush()
}
