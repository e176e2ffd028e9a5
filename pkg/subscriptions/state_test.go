package subscriptions

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusTrialing, StatusActive, true},
		{StatusTrialing, StatusPastDue, true},
		{StatusTrialing, StatusCancelled, true},
		{StatusActive, StatusActive, true},
		{StatusActive, StatusPastDue, true},
		{StatusActive, StatusCancelled, true},
		{StatusPastDue, StatusActive, true},
		{StatusPastDue, StatusCancelled, true},
		{StatusActive, StatusTrialing, false},
		{StatusPastDue, StatusTrialing, false},
		{StatusCancelled, StatusActive, false},
		{StatusCancelled, StatusTrialing, false},
		{StatusCancelled, StatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransition(t *testing.T) {
	sub := &Subscription{Status: StatusActive}
	require.NoError(t, Transition(sub, StatusPastDue))
	assert.Equal(t, StatusPastDue, sub.Status)

	require.NoError(t, Transition(sub, StatusCancelled))
	err := Transition(sub, StatusActive)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusCancelled, sub.Status)
}

func TestStatusIsLive(t *testing.T) {
	for _, s := range LiveStatuses() {
		assert.True(t, s.IsLive(), s)
	}
	assert.False(t, StatusCancelled.IsLive())
}

func TestLedgerKeys(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "created:sub_1", CreatedKey("sub_1"))
	assert.Equal(t, "tier-change:abc:3", TierChangeKey("abc", 3))
	assert.Equal(t, "renewed:abc:1714521600", RenewedKey("abc", start))
	assert.Equal(t, "cancelled:abc", CancelledKey("abc"))
}

func TestSubscriptionClone(t *testing.T) {
	trialEnd := time.Now()
	sub := &Subscription{
		ID:       "s1",
		TrialEnd: &trialEnd,
		Metadata: map[string]any{"source": "web"},
		Usage: &UsageSnapshot{Counters: map[string]UsageCounter{
			"indicators": {Resource: "indicators", Count: 2},
		}},
	}

	cp := sub.Clone()
	cp.Metadata["source"] = "api"
	*cp.TrialEnd = trialEnd.Add(time.Hour)
	cp.Usage.Counters["indicators"] = UsageCounter{Count: 9}

	assert.Equal(t, "web", sub.Metadata["source"])
	assert.Equal(t, trialEnd, *sub.TrialEnd)
	assert.Equal(t, int64(2), sub.Usage.Count("indicators"))
	assert.Nil(t, (*Subscription)(nil).Clone())
}

func TestSubscription_MarkSynced(t *testing.T) {
	t0 := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	sub := &Subscription{}
	assert.False(t, sub.SyncedAfter(t0))

	sub.MarkSynced(t0.Add(time.Hour))
	assert.True(t, sub.SyncedAfter(t0))
	assert.False(t, sub.SyncedAfter(t0.Add(time.Hour)), "an event at the synced instant is not stale")

	sub.MarkSynced(t0)
	require.NotNil(t, sub.ProcessorSyncedAt)
	assert.Equal(t, t0.Add(time.Hour), *sub.ProcessorSyncedAt, "never moves backwards")

	cp := sub.Clone()
	cp.MarkSynced(t0.Add(2 * time.Hour))
	assert.Equal(t, t0.Add(time.Hour), *sub.ProcessorSyncedAt)
}
