package sample

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

func TestScenarioIsValid(t *testing.T) {
	evs := Scenario("acme-corp", time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	require.Len(t, evs, 2)
	for _, ev := range evs {
		require.NoError(t, event.Validate(ev))
		assert.Equal(t, "acme-corp/lead-1", ev.PartitionKey())
	}
	assert.Equal(t, int64(2), evs[1].EventVersion)
}

func TestGenerateStaysInMonthWithContiguousVersions(t *testing.T) {
	month := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	evs := Generate(rand.New(rand.NewSource(7)), []string{"acme-corp", "globex"}, 50, month)
	require.NotEmpty(t, evs)

	last := map[string]int64{}
	ids := map[string]bool{}
	for _, ev := range evs {
		require.NoError(t, event.Validate(ev))
		assert.Equal(t, "2024-02", readmodel.Monthly.PeriodOf(ev.OccurredAt), ev.EventID)
		assert.False(t, ids[ev.EventID])
		ids[ev.EventID] = true
		assert.Equal(t, last[ev.PartitionKey()]+1, ev.EventVersion)
		last[ev.PartitionKey()] = ev.EventVersion
	}
}

func TestGenerateCarriesCreationFacts(t *testing.T) {
	evs := Generate(rand.New(rand.NewSource(11)), []string{"acme-corp"}, 200, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	created := map[string]map[string]any{}
	checked := 0
	for _, ev := range evs {
		if ev.EventVersion == 1 {
			created[ev.PartitionKey()] = ev.Payload
			continue
		}
		field, ok := carried[ev.EventType]
		if !ok {
			continue
		}
		require.Contains(t, ev.Payload, field, ev.EventType)
		assert.Equal(t, created[ev.PartitionKey()][field], ev.Payload[field])
		checked++
	}
	assert.NotZero(t, checked)
}
