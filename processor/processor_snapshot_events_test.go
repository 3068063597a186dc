package processor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContractID = "CDLZFC3SYJYDZT7K67VZ75HPJVIEUVNIXF47ZG2FB2RMQQVU2HHGCYSC"

func validRawEvent() RawContractEvent {
	return RawContractEvent{
		ID:              "0004660039930875904-0000000001",
		Ledger:          1084905,
		LedgerClosedAt:  time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		ContractID:      testContractID,
		TransactionHash: "a1b2c3d4e5f6789012345678901234567890123456789012345678901234abcd",
		Topic:           []string{TopicSnapshotSubmission},
		Value:           json.RawMessage(`{"epoch": 5, "hash": "abc123", "submitter": "GDQNY3PBOJOKYZSRMK2S7LHHGWZIUISD4QORETLMXEWXBI7KFZZMKTL3", "timestamp": 1773048600}`),
	}
}

func TestParseSnapshotSubmission(t *testing.T) {
	parser := NewSnapshotEventParser()

	raw := validRawEvent()
	raw.ID = "0004660039930875904-0000000001"

	event, err := parser.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "0004660039930875904-0000000001", event.ID)
	assert.Equal(t, testContractID, event.ContractID)
	assert.Equal(t, EventTypeSnapshotSubmission, event.EventType)
	require.NotNil(t, event.Epoch)
	assert.Equal(t, uint64(5), *event.Epoch)
	assert.Equal(t, "abc123", event.Hash)
	assert.Equal(t, "GDQNY3PBOJOKYZSRMK2S7LHHGWZIUISD4QORETLMXEWXBI7KFZZMKTL3", event.Submitter)
	assert.Equal(t, uint32(1084905), event.Ledger)
	assert.Equal(t, StatusPending, event.VerificationStatus)
	require.NotNil(t, event.Timestamp)
	assert.Equal(t, time.Unix(1773048600, 0).UTC(), *event.Timestamp)

	stats := parser.Stats()
	assert.Equal(t, uint64(1), stats.Parsed)
	assert.Equal(t, uint64(0), stats.Malformed)
	assert.Equal(t, uint64(0), stats.Unrecognized)
}

func TestParseMissingEpochStaysPending(t *testing.T) {
	parser := NewSnapshotEventParser()

	raw := validRawEvent()
	raw.ID = "no-epoch"
	raw.Value = json.RawMessage(`{"hash": "abc123"}`)

	event, err := parser.Parse(raw)
	require.NoError(t, err)

	assert.Nil(t, event.Epoch)
	assert.Equal(t, "abc123", event.Hash)
	assert.False(t, event.Verifiable(), "event without an epoch must never become verifiable")
	// Falls back to the ledger close time when the payload has no timestamp.
	require.NotNil(t, event.Timestamp)
	assert.Equal(t, raw.LedgerClosedAt, *event.Timestamp)
}

func TestParseUnrecognizedTopic(t *testing.T) {
	parser := NewSnapshotEventParser()

	raw := validRawEvent()
	raw.ID = "other-topic"
	raw.Topic = []string{"transfer"}

	event, err := parser.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, EventTypeUnrecognized, event.EventType)
	assert.Equal(t, uint64(1), parser.Stats().Unrecognized)
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RawContractEvent)
	}{
		{
			name:   "missing ledger sequence",
			mutate: func(r *RawContractEvent) { r.Ledger = 0 },
		},
		{
			name:   "missing transaction hash",
			mutate: func(r *RawContractEvent) { r.TransactionHash = "" },
		},
		{
			name:   "invalid contract id",
			mutate: func(r *RawContractEvent) { r.ContractID = "not-a-contract" },
		},
		{
			name:   "account id instead of contract id",
			mutate: func(r *RawContractEvent) { r.ContractID = "GDQNY3PBOJOKYZSRMK2S7LHHGWZIUISD4QORETLMXEWXBI7KFZZMKTL3" },
		},
		{
			name:   "value payload is not JSON",
			mutate: func(r *RawContractEvent) { r.Value = json.RawMessage(`{"epoch": `) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := NewSnapshotEventParser()

			raw := validRawEvent()
			raw.ID = "malformed"
			tt.mutate(&raw)

			event, err := parser.Parse(raw)
			require.Error(t, err)
			assert.Nil(t, event)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, "malformed", parseErr.EventID)
			assert.Equal(t, uint64(1), parser.Stats().Malformed)
		})
	}
}

func TestParseBatchDropsSkipsAndPreservesOrder(t *testing.T) {
	parser := NewSnapshotEventParser()

	first := validRawEvent()
	first.ID = "first"

	malformed := validRawEvent()
	malformed.ID = "broken"
	malformed.Ledger = 0

	unrecognized := validRawEvent()
	unrecognized.ID = "other"
	unrecognized.Topic = []string{"mint"}

	second := validRawEvent()
	second.ID = "second"
	second.Ledger = first.Ledger + 1

	events := parser.ParseBatch([]RawContractEvent{first, malformed, unrecognized, second})

	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].ID)
	assert.Equal(t, "second", events[1].ID)

	stats := parser.Stats()
	assert.Equal(t, uint64(2), stats.Parsed)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(1), stats.Unrecognized)
}
