// Package events publishes job lifecycle notifications for the
// presentation layer. Delivery is fire-and-forget.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/virtool/jobrunner/pkg/models"
)

// Type names a job event.
type Type string

const (
	JobCreated Type = "job.created"
	JobUpdated Type = "job.updated"
)

// Event carries the projected summary of the job it refers to.
type Event struct {
	Type Type              `json:"type"`
	Job  models.JobSummary `json:"job"`
}

// Publisher emits events. Publish never fails the caller; implementations
// log delivery problems instead.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Broadcaster is the transport a CachePublisher writes to.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// CachePublisher publishes JSON-encoded events on a pub/sub channel.
type CachePublisher struct {
	b       Broadcaster
	channel string
}

func NewCachePublisher(b Broadcaster, channel string) *CachePublisher {
	return &CachePublisher{b: b, channel: channel}
}

func (p *CachePublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("encode job event", "job_id", ev.Job.ID, "error", err)
		return
	}
	if err := p.b.Publish(context.WithoutCancel(ctx), p.channel, payload); err != nil {
		slog.Warn("publish job event failed", "job_id", ev.Job.ID, "type", ev.Type, "error", err)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
