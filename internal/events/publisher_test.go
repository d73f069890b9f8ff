package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloudEventRoundTrip(t *testing.T) {
	payload := SubscriptionEvent{
		UserID:     42,
		PlanID:     "1_month",
		PaymentID:  "tx-1",
		EndDate:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		OccurredAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	ce, err := NewCloudEvent("service-subscription", SubscriptionActivated, payload)
	require.NoError(t, err)
	assert.NotEmpty(t, ce.ID)
	assert.Equal(t, "1.0", ce.SpecVersion)
	assert.Equal(t, SubscriptionActivated, ce.Type)

	raw, err := json.Marshal(ce)
	require.NoError(t, err)

	parsed, err := ParseCloudEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, ce.ID, parsed.ID)

	var decoded SubscriptionEvent
	require.NoError(t, parsed.ParseData(&decoded))
	assert.Equal(t, payload, decoded)
}

func TestParseCloudEventRejectsGarbage(t *testing.T) {
	_, err := ParseCloudEvent([]byte("not json"))
	assert.Error(t, err)
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher

	// Must not panic and must not block.
	p.Publish(context.Background(), SubscriptionExpired, SubscriptionEvent{UserID: 42})
	assert.NoError(t, p.Close())
}
