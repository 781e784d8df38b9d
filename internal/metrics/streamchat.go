package metrics

import "streamchat/internal/bus"

// Default is the process-wide collector served on /metrics.
var Default = NewCollector()

// Set is the group of metrics streamchat records.
type Set struct {
	GenerationsTotal  *Counter
	GenerationsFailed *Counter
	ActiveGenerations *Gauge
	GenerationLatency *Histogram
	ResumesLive       *Counter
	ResumesFallback   *Counter
	QuotaRejections   *Counter
	ChatsCreated      *Counter
	ChatsDeleted      *Counter
	StreamConnections *Gauge
}

// NewSet registers the streamchat metrics on c.
func NewSet(c *Collector) *Set {
	return &Set{
		GenerationsTotal:  c.Counter("streamchat_generations_total", "Generations started", ""),
		GenerationsFailed: c.Counter("streamchat_generations_failed_total", "Generations that ended with an upstream error", ""),
		ActiveGenerations: c.Gauge("streamchat_active_generations", "Generations currently running", ""),
		GenerationLatency: c.Histogram("streamchat_generation_seconds", "Generation wall time in seconds", "",
			[]float64{0.5, 1, 2, 5, 10, 30, 60, 120}),
		ResumesLive:       c.Counter("streamchat_resumes_total", "Resume requests served", `mode="live"`),
		ResumesFallback:   c.Counter("streamchat_resumes_total", "Resume requests served", `mode="fallback"`),
		QuotaRejections:   c.Counter("streamchat_quota_rejections_total", "Requests rejected by the daily quota", ""),
		ChatsCreated:      c.Counter("streamchat_chats_created_total", "Chats created", ""),
		ChatsDeleted:      c.Counter("streamchat_chats_deleted_total", "Chats deleted", ""),
		StreamConnections: c.Gauge("streamchat_stream_connections", "Open event-stream connections", ""),
	}
}

// Observe updates s from lifecycle events on eb.
func (s *Set) Observe(eb *bus.EventBus) {
	eb.On(bus.EventGenerationStarted, func(bus.Event) {
		s.GenerationsTotal.Inc()
		s.ActiveGenerations.Inc()
	})
	done := func(ev bus.Event) {
		s.ActiveGenerations.Dec()
		if d := ev.Duration("elapsed"); d > 0 {
			s.GenerationLatency.Observe(d.Seconds())
		}
	}
	eb.On(bus.EventGenerationFinished, done)
	eb.On(bus.EventGenerationFailed, func(ev bus.Event) {
		s.GenerationsFailed.Inc()
		done(ev)
	})
	eb.On(bus.EventStreamResumed, func(bus.Event) { s.ResumesLive.Inc() })
	eb.On(bus.EventStreamFallback, func(bus.Event) { s.ResumesFallback.Inc() })
	eb.On(bus.EventQuotaExceeded, func(bus.Event) { s.QuotaRejections.Inc() })
	eb.On(bus.EventChatCreated, func(bus.Event) { s.ChatsCreated.Inc() })
	eb.On(bus.EventChatDeleted, func(bus.Event) { s.ChatsDeleted.Inc() })
}
