package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyStatusValid(t *testing.T) {
	assert.True(t, IdempotencyStatusProcessing.Valid())
	assert.True(t, IdempotencyStatusDone.Valid())
	assert.True(t, IdempotencyStatusFailed.Valid())
	assert.False(t, IdempotencyStatus("broken").Valid())
}

func TestStatusForResponse(t *testing.T) {
	tests := map[int]IdempotencyStatus{
		200: IdempotencyStatusDone,
		201: IdempotencyStatusDone,
		302: IdempotencyStatusFailed,
		404: IdempotencyStatusFailed,
		500: IdempotencyStatusFailed,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusForResponse(code), "status %d", code)
	}
}

func TestIdempotencyRecord(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	record := IdempotencyRecord{
		Key:         "k",
		RequestHash: "h1",
		Status:      IdempotencyStatusProcessing,
		ExpiresAt:   now.Add(time.Minute),
	}

	assert.False(t, record.Expired(now))
	assert.True(t, record.Expired(now.Add(time.Minute)))
	assert.True(t, record.Matches("h1"))
	assert.False(t, record.Matches("h2"))
	assert.False(t, record.Replayable())

	record.Status = IdempotencyStatusFailed
	record.Response = StoredResponse{StatusCode: 404, Body: []byte(`{"error":"order_not_found"}`)}
	assert.True(t, record.Replayable())

	clone := record.Clone()
	clone.Response.Body[0] = 'X'
	assert.Equal(t, byte('{'), record.Response.Body[0])
}
