package relay

import "time"

// Status is a point-in-time view of a relay, served by the admin endpoint
type Status struct {
	StreamID         string     `json:"stream_id"`
	State            string     `json:"state"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	Checkpoint       string     `json:"checkpoint,omitempty"`
	CheckpointAt     *time.Time `json:"checkpoint_at,omitempty"`
	EventsProcessed  uint64     `json:"events_processed"`
	RecordsPublished uint64     `json:"records_published"`
	EventsSkipped    uint64     `json:"events_skipped"`
	Error            string     `json:"error,omitempty"`
}

// Status returns a snapshot of the relay. Safe for concurrent use.
func (r *Relay) Status() Status {
	s := Status{
		StreamID:         r.config.StreamID,
		State:            r.State().String(),
		EventsProcessed:  r.processed.Load(),
		RecordsPublished: r.published.Load(),
		EventsSkipped:    r.skipped.Load(),
	}
	if ns := r.startedAt.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.StartedAt = &t
	}
	if tok := r.token.Load(); tok != nil {
		s.Checkpoint = tok.String()
	}
	if at, ok := r.LastCheckpoint(); ok {
		t := at.UTC()
		s.CheckpointAt = &t
	}
	if err := r.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}
