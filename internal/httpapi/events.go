package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/jobs"
	"github.com/arbiterhq/arbiter/internal/metrics"
)

const (
	ssePollInterval = time.Second
	sseKeepAlive    = 15 * time.Second
	sseMaxDuration  = 5 * time.Minute
)

// handleJobEvents streams job progress as server-sent events. The stream
// only observes the status record; closing it never cancels the job.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.SSEStreamsActive.Inc()
	defer metrics.SSEStreamsActive.Dec()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	deadline := time.NewTimer(s.sseMaxDuration)
	defer deadline.Stop()
	poll := time.NewTicker(ssePollInterval)
	defer poll.Stop()
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	eventID := 0
	lastState, lastPct := "", -1

	emit := func(event string, payload any) {
		eventID++
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("Failed to marshal SSE payload", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", eventID, event, data)
		flusher.Flush()
	}

	// send streams the current status and reports whether the stream is done.
	send := func() bool {
		st, err := s.bus.Get(r.Context(), jobID)
		if err != nil {
			s.logger.Warn("SSE status read failed", zap.String("job_id", jobID), zap.Error(err))
			return false
		}
		if st == nil {
			emit("error", map[string]string{"state": "unknown", "error": "unknown or expired job"})
			return true
		}
		if st.State == lastState && st.Pct == lastPct {
			return false
		}
		lastState, lastPct = st.State, st.Pct

		switch st.State {
		case jobs.StateReady:
			emit("complete", st)
			return true
		case jobs.StateFailed:
			emit("error", st)
			return true
		default:
			emit("progress", st)
			return false
		}
	}

	if send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			emit("error", map[string]string{"state": "error", "error": "stream timed out"})
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-poll.C:
			if send() {
				return
			}
		}
	}
}
