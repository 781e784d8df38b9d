package server

import (
	"context"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"streamchat/internal/domain"
	"streamchat/internal/resume"
	"streamchat/internal/stream"
)

type streamItem struct {
	ev  domain.Event
	err error
}

// serveEvents writes events as text/event-stream until the sequence ends or
// the client goes away. Idle periods are filled with keepalive comments.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, events iter.Seq2[domain.Event, error]) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	flush := func() bool {
		if err := rc.Flush(); err != nil {
			s.logger.Debug("flush failed", "path", r.URL.Path, "err", err)
			return false
		}
		return true
	}
	if !flush() {
		return
	}

	s.cfg.Metrics.StreamConnections.Inc()
	defer s.cfg.Metrics.StreamConnections.Dec()

	ctx := r.Context()
	items := pump(ctx, events)

	var tick <-chan time.Time
	if s.cfg.Heartbeat > 0 {
		ticker := time.NewTicker(s.cfg.Heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	enc := stream.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if enc.Comment("keepalive") != nil || !flush() {
				return
			}
		case it, ok := <-items:
			if !ok {
				return
			}
			if it.err != nil {
				s.logger.Warn("event stream interrupted", "path", r.URL.Path, "err", it.err)
				return
			}
			if err := enc.Encode(it.ev); err != nil {
				s.logger.Debug("write event failed", "path", r.URL.Path, "err", err)
				return
			}
			if !flush() {
				return
			}
		}
	}
}

// pump moves events onto a channel so writers can select on them alongside
// timers. The goroutine exits when the sequence ends or ctx is done.
func pump(ctx context.Context, events iter.Seq2[domain.Event, error]) <-chan streamItem {
	items := make(chan streamItem)
	go func() {
		defer close(items)
		for ev, err := range events {
			select {
			case items <- streamItem{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return items
}

// resumeRequest validates a resume request in the order clients rely on:
// chat id, then session, then starting position.
func (s *Server) resumeRequest(r *http.Request) (resume.Request, error) {
	id := r.PathValue("id")
	if uuid.Validate(id) != nil {
		return resume.Request{}, errStreamBadRequest.WithCause("id must be a uuid")
	}
	sess := s.session(r)
	if sess == nil {
		return resume.Request{}, errUnauthorized
	}
	from, err := startPosition(r)
	if err != nil {
		return resume.Request{}, err
	}
	return resume.Request{ChatID: id, Session: sess, From: from}, nil
}

// startPosition reads fromEventId (inclusive) or Last-Event-ID (exclusive).
func startPosition(r *http.Request) (int64, error) {
	if v := r.URL.Query().Get("fromEventId"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, errStreamBadRequest.WithCause("fromEventId must be a non-negative integer")
		}
		return n, nil
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, errStreamBadRequest.WithCause("Last-Event-ID must be a non-negative integer")
		}
		return n + 1, nil
	}
	return 0, nil
}

// handleResume reattaches the caller to the chat's latest generation.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Coordinator.Configured() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	req, err := s.resumeRequest(r)
	if err != nil {
		s.writeError(w, r, err, "stream")
		return
	}
	res, err := s.cfg.Coordinator.Resume(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, "stream")
		return
	}

	s.logger.Debug("resume", "chat", req.ChatID, "stream", res.StreamID, "mode", res.Mode, "from", res.From)
	h := w.Header()
	h.Set("X-Stream-Id", res.StreamID)
	h.Set("X-Start-From-Id", strconv.FormatInt(res.From, 10))
	h.Set("X-Resume-Mode", res.Mode.String())
	s.serveEvents(w, r, res.Events)
}
