package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewStampsCorrelation(t *testing.T) {
	evt := New(context.Background(), MessageSent, 7, time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600)), nil)
	assert.Equal(t, time.UTC, evt.OccurredAt.Location())
	assert.NotEmpty(t, evt.Metadata["correlation_id"])
	assert.NotNil(t, evt.Data)
}

func TestRecorderFiltersByName(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(context.Background(), Event{Name: MessageSent})
	_ = r.Publish(context.Background(), Event{Name: BudgetExceeded})
	_ = r.Publish(context.Background(), Event{Name: MessageSent})

	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.Named(MessageSent), 2)
	assert.True(t, IsKnown(PeriodAdjusted))
	assert.False(t, IsKnown("invoice.paid"))
}
