package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/TheEntropyCollective/csvaudit/pkg/core/events"
)

// streamEvents consumes the bus and writes one SSE frame per event,
// flushing after each. It returns when the bus closes (terminal event
// emitted) and closes the bus itself if the client disconnects first, which
// the pipeline observes as backpressure and treats as cancellation.
//
// updateInterval is an advisory coalescing window: non-terminal analyzing
// progress events arriving faster than the interval are dropped, since a
// newer one always follows. The analyzing 0.90, completed and error events
// are always emitted.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, bus *events.Bus, updateInterval time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("response writer does not support flushing")
		bus.Close()
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Closing the bus on disconnect unblocks both ends; Close is
	// idempotent, so firing after normal completion is harmless.
	go func() {
		<-r.Context().Done()
		bus.Close()
	}()

	var lastEmit time.Time
	for {
		event, ok := bus.Consume()
		if !ok {
			return
		}

		if coalescible(event) && updateInterval > 0 && time.Since(lastEmit) < updateInterval {
			continue
		}

		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Errorf("failed to marshal event: %v", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away mid-write.
			bus.Close()
			return
		}
		flusher.Flush()
		lastEmit = time.Now()
	}
}

// coalescible reports whether an event may be dropped inside the advisory
// update interval. Only non-terminal chunk progress qualifies: the analyzer
// start and loaded frames, the 0.90 frame and the terminal events always go
// out.
func coalescible(event events.Event) bool {
	return event.Status == events.StatusAnalyzing &&
		event.Progress < 0.9 &&
		event.ProcessedCount != nil
}
