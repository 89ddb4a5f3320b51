package events

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/smsgate/pkg/telemetry/correlation"
)

const (
	MessageSent            = "message.sent"
	MessageFailed          = "message.failed"
	CampaignCompleted      = "campaign.completed"
	BudgetThresholdReached = "budget.threshold_reached"
	BudgetExceeded         = "budget.exceeded"
	PeriodClosed           = "period.closed"
	PeriodAdjusted         = "period.adjusted"
)

// Known lists every event name a webhook subscription may select.
var Known = []string{
	MessageSent,
	MessageFailed,
	CampaignCompleted,
	BudgetThresholdReached,
	BudgetExceeded,
	PeriodClosed,
	PeriodAdjusted,
}

func IsKnown(name string) bool {
	for _, k := range Known {
		if k == name {
			return true
		}
	}
	return false
}

type Event struct {
	Name            string
	BillingEntityID snowflake.ID
	OccurredAt      time.Time
	Data            map[string]any
	Metadata        map[string]string
}

func New(ctx context.Context, name string, entityID snowflake.ID, at time.Time, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Name:            name,
		BillingEntityID: entityID,
		OccurredAt:      at.UTC(),
		Data:            data,
		Metadata:        correlation.InjectTraceIntoMetadata(ctx, nil),
	}
}

// Publisher hands events to downstream consumers. Implementations must not block on delivery.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.Name == name {
			out = append(out, evt)
		}
	}
	return out
}
