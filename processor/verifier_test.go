package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshotStore struct {
	records map[uint64]*SnapshotRecord
	err     error
}

func (f *fakeSnapshotStore) Lookup(_ context.Context, epoch uint64) (*SnapshotRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	record, ok := f.records[epoch]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return record, nil
}

func submissionEvent(id string, epoch uint64, hash string) *ContractEvent {
	e := epoch
	return &ContractEvent{
		ID:                 id,
		ContractID:         testContractID,
		EventType:          EventTypeSnapshotSubmission,
		Epoch:              &e,
		Hash:               hash,
		Ledger:             1000,
		TransactionHash:    "f00d",
		VerificationStatus: StatusPending,
		CreatedAt:          time.Now().UTC(),
	}
}

func TestVerify(t *testing.T) {
	store := &fakeSnapshotStore{
		records: map[uint64]*SnapshotRecord{
			5: {Epoch: 5, Hash: "abc123"},
			6: {Epoch: 6, Hash: "def456"},
		},
	}
	verifier := NewVerifier(store)
	ctx := context.Background()

	t.Run("matching hash is verified", func(t *testing.T) {
		outcome, err := verifier.Verify(ctx, submissionEvent("ev-5", 5, "abc123"))
		require.NoError(t, err)
		assert.Equal(t, StatusVerified, outcome.Status)
		assert.Nil(t, outcome.Alert)
	})

	t.Run("differing hash is failed with one critical alert", func(t *testing.T) {
		outcome, err := verifier.Verify(ctx, submissionEvent("ev-6", 6, "zzz999"))
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, outcome.Status)

		require.NotNil(t, outcome.Alert)
		assert.Equal(t, AlertHashMismatch, outcome.Alert.Kind)
		assert.Equal(t, SeverityCritical, outcome.Alert.Severity)
		assert.Equal(t, "hash_mismatch:ev-6", outcome.Alert.DedupeKey)
		assert.Equal(t, "def456", outcome.Alert.Context["expected_hash"])
		assert.Equal(t, "zzz999", outcome.Alert.Context["onchain_hash"])
	})

	t.Run("absent snapshot stays pending", func(t *testing.T) {
		outcome, err := verifier.Verify(ctx, submissionEvent("ev-7", 7, "whatever"))
		require.NoError(t, err)
		assert.Equal(t, StatusPending, outcome.Status)
		assert.Nil(t, outcome.Alert)
	})

	t.Run("event without epoch stays pending", func(t *testing.T) {
		event := submissionEvent("ev-no-epoch", 5, "abc123")
		event.Epoch = nil
		outcome, err := verifier.Verify(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, outcome.Status)
		assert.Nil(t, outcome.Alert)
	})

	t.Run("unrecognized event stays pending", func(t *testing.T) {
		event := submissionEvent("ev-other", 5, "abc123")
		event.EventType = EventTypeUnrecognized
		outcome, err := verifier.Verify(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, outcome.Status)
	})

	t.Run("lookup failure surfaces the error", func(t *testing.T) {
		broken := NewVerifier(&fakeSnapshotStore{err: errors.New("connection refused")})
		_, err := broken.Verify(ctx, submissionEvent("ev-err", 5, "abc123"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSnapshotNotFound)
	})
}

func TestAlertConstructors(t *testing.T) {
	event := submissionEvent("ev-1", 9, "abc")
	event.Submitter = "GBADSUBMITTER"

	stale := NewStaleVerificationAlert(event, 30*time.Minute)
	assert.Equal(t, AlertStaleVerification, stale.Kind)
	assert.Equal(t, SeverityWarning, stale.Severity)
	assert.Equal(t, "stale_verification:ev-1", stale.DedupeKey)

	failure := NewListenerFailureAlert(testContractID, 42, errors.New("boom"))
	assert.Equal(t, AlertListenerFailure, failure.Kind)
	assert.Equal(t, SeverityCritical, failure.Severity)
	assert.Contains(t, failure.DedupeKey, "42")

	unauthorized := NewUnauthorizedSubmissionAlert(event)
	assert.Equal(t, AlertUnauthorizedSubmission, unauthorized.Kind)
	assert.Equal(t, "unauthorized_submission:ev-1", unauthorized.DedupeKey)
	assert.Contains(t, unauthorized.Message, "GBADSUBMITTER")
}
