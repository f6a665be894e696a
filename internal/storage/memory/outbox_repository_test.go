package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

func newOutboxAt(now time.Time) (*OutboxRepository, *time.Time) {
	repo := NewOutboxRepository()
	clock := now
	repo.now = func() time.Time { return clock }
	return repo, &clock
}

func claimedIDs(msgs []domain.OutboxMessage) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestOutboxRepository_EnqueueAssignsIDAndTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	repo, _ := newOutboxAt(now)

	saved, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "1",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"order_id":1}`),
		Attempts:      9,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, now, saved.CreatedAt)
	assert.Zero(t, saved.Attempts)
}

func TestOutboxRepository_EnqueueRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	_, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: "evt-1"})
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, domain.OutboxMessage{ID: "evt-1"})
	require.ErrorIs(t, err, domain.ErrOutboxMessageExists)

	_, err = repo.enqueueAll([]domain.OutboxMessage{{ID: "evt-2"}, {ID: "evt-1"}})
	require.ErrorIs(t, err, domain.ErrOutboxMessageExists)
	assert.Equal(t, []string{"evt-1"}, claimedIDs(repo.AllPending()))
}

func TestOutboxRepository_ClaimLeasesInInsertOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	repo, clock := newOutboxAt(now)

	for _, id := range []string{"c", "a", "b"} {
		_, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: id})
		require.NoError(t, err)
	}

	first, err := repo.Claim(ctx, 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, claimedIDs(first))
	assert.Equal(t, 1, first[0].Attempts)

	second, err := repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, claimedIDs(second), "leased messages are not handed out twice")

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStats{LeasedCount: 3}, stats)

	*clock = now.Add(time.Minute)
	again, err := repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, claimedIDs(again), "expired leases are reclaimed")
	assert.Equal(t, 2, again[0].Attempts)
}

func TestOutboxRepository_MarkSentAndFailed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	repo, _ := newOutboxAt(now)

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		_, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: id})
		require.NoError(t, err)
	}
	_, err := repo.Claim(ctx, 3, time.Minute)
	require.NoError(t, err)

	require.NoError(t, repo.MarkSent(ctx, "m1", "m2"))
	require.NoError(t, repo.MarkFailed(ctx, "m3", "broker unavailable"))
	require.ErrorIs(t, repo.MarkSent(ctx, "missing"), domain.ErrOutboxMessageNotFound)
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing", "x"), domain.ErrOutboxMessageNotFound)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, 1, stats.FailedCount)
	assert.Zero(t, stats.LeasedCount)
	assert.Equal(t, now, stats.OldestPendingAt)

	assert.Equal(t, []string{"m4"}, claimedIDs(repo.AllPending()))
	assert.Equal(t, "broker unavailable", repo.byID["m3"].lastError)
}
