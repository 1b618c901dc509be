package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	return flusher, true
}

func writeEvent(w http.ResponseWriter, id uint64, event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	return nil
}

// handleBalanceStream replays persisted balance snapshots after the client's
// last event id and then polls the activity log for new ones.
func (s *Server) handleBalanceStream(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "activity store not available")
		return
	}
	flusher, ok := startStream(w)
	if !ok {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	lastIndex := s.parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	sendSnapshots := func() error {
		records, err := s.Store.BalancesAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			if err := writeEvent(w, record.Index, "balance", record.Record); err != nil {
				return err
			}
			lastIndex = record.Index
		}
		if len(records) > 0 {
			flusher.Flush()
		}
		return nil
	}

	if err := sendSnapshots(); err != nil {
		http.Error(w, "failed to load snapshots", http.StatusInternalServerError)
		s.logger.Error("balance stream initial load", zap.Error(err))
		return
	}

	// lets the client leave its loading state
	if lastIndex == 0 {
		fmt.Fprintf(w, "event: no_data\n")
		fmt.Fprintf(w, "data: {}\n\n")
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendSnapshots(); err != nil {
				s.logger.Warn("balance stream poll", zap.Error(err))
			}
		}
	}
}

// handleActionStream replays journaled outcomes after the client's last
// event id and the actions still pending, then forwards live transitions.
func (s *Server) handleActionStream(w http.ResponseWriter, r *http.Request) {
	if s.Outcomes == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "action stream not available")
		return
	}
	flusher, ok := startStream(w)
	if !ok {
		return
	}

	// subscribe before replaying so nothing falls in between
	live := s.Outcomes.Subscribe()
	defer s.Outcomes.Unsubscribe(live)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	if s.Store != nil {
		lastIndex := s.parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
		entries, err := s.Store.OutcomesAfter(lastIndex)
		if err != nil {
			s.logger.Warn("action stream replay", zap.Error(err))
		}
		for _, e := range entries {
			if err := writeEvent(w, e.Index, "action", e.Outcome); err != nil {
				s.logger.Warn("action stream replay", zap.Error(err))
				return
			}
		}
	}
	if s.Actions != nil {
		for _, o := range s.Actions.Pending() {
			_ = writeEvent(w, 0, "action", o)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case outcome, ok := <-live:
			if !ok {
				return
			}
			if err := writeEvent(w, 0, "action", outcome); err != nil {
				s.logger.Warn("action stream", zap.Error(err))
				continue
			}
			flusher.Flush()
		}
	}
}
