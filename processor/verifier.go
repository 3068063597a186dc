package processor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AlertSeverity ranks how urgently an alert should be handled.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertKind is the closed set of anomaly conditions the pipeline reports.
type AlertKind string

const (
	AlertHashMismatch           AlertKind = "hash_mismatch"
	AlertStaleVerification      AlertKind = "stale_verification"
	AlertListenerFailure        AlertKind = "listener_failure"
	AlertUnauthorizedSubmission AlertKind = "unauthorized_submission"
)

// Alert is a structured anomaly report handed to the delivery channel.
// DedupeKey identifies the underlying event or state transition; delivery
// happens at most once per key.
type Alert struct {
	Kind      AlertKind              `json:"kind"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	DedupeKey string                 `json:"dedupe_key"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// SnapshotRecord is the locally computed snapshot for one epoch, owned by
// an external collaborator. The verifier only reads it.
type SnapshotRecord struct {
	Epoch     uint64
	Hash      string
	CreatedAt time.Time
}

// ErrSnapshotNotFound signals that local computation has not produced a
// snapshot for the requested epoch yet.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore is the verifier's view of the snapshot collaborator.
type SnapshotStore interface {
	Lookup(ctx context.Context, epoch uint64) (*SnapshotRecord, error)
}

// VerificationOutcome is the result of checking one candidate against the
// local snapshot record. Alert is non-nil only for a hash mismatch.
type VerificationOutcome struct {
	Status VerificationStatus
	Alert  *Alert
}

// Verifier compares on-chain hash claims against locally stored snapshot
// hashes.
type Verifier struct {
	snapshots SnapshotStore
}

func NewVerifier(snapshots SnapshotStore) *Verifier {
	return &Verifier{snapshots: snapshots}
}

// Verify resolves the verification status for one snapshot submission.
// An exact hash match is verified; a differing hash is failed with a
// critical alert; an absent local snapshot or an event with no epoch stays
// pending with no alert.
func (v *Verifier) Verify(ctx context.Context, event *ContractEvent) (VerificationOutcome, error) {
	if !event.Verifiable() {
		return VerificationOutcome{Status: StatusPending}, nil
	}

	record, err := v.snapshots.Lookup(ctx, *event.Epoch)
	if errors.Is(err, ErrSnapshotNotFound) {
		return VerificationOutcome{Status: StatusPending}, nil
	}
	if err != nil {
		return VerificationOutcome{}, fmt.Errorf("snapshot lookup for epoch %d failed: %w", *event.Epoch, err)
	}

	if record.Hash == event.Hash {
		return VerificationOutcome{Status: StatusVerified}, nil
	}

	return VerificationOutcome{
		Status: StatusFailed,
		Alert: &Alert{
			Kind:      AlertHashMismatch,
			Severity:  SeverityCritical,
			DedupeKey: fmt.Sprintf("%s:%s", AlertHashMismatch, event.ID),
			Message: fmt.Sprintf("snapshot verification failed for epoch %d: expected %s, got %s on-chain",
				*event.Epoch, record.Hash, event.Hash),
			Context: map[string]interface{}{
				"event_id":         event.ID,
				"epoch":            *event.Epoch,
				"expected_hash":    record.Hash,
				"onchain_hash":     event.Hash,
				"ledger":           event.Ledger,
				"transaction_hash": event.TransactionHash,
			},
			Timestamp: time.Now().UTC(),
		},
	}, nil
}

// NewStaleVerificationAlert builds the warning raised once when a pending
// record outlives the configured retention window.
func NewStaleVerificationAlert(event *ContractEvent, window time.Duration) *Alert {
	return &Alert{
		Kind:      AlertStaleVerification,
		Severity:  SeverityWarning,
		DedupeKey: fmt.Sprintf("%s:%s", AlertStaleVerification, event.ID),
		Message: fmt.Sprintf("event %s has been pending for more than %s without a local snapshot",
			event.ID, window),
		Context: map[string]interface{}{
			"event_id":    event.ID,
			"contract_id": event.ContractID,
			"ledger":      event.Ledger,
			"created_at":  event.CreatedAt,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewListenerFailureAlert builds the critical alert raised when the poll
// retry budget is exhausted.
func NewListenerFailureAlert(contractID string, cycle uint64, cause error) *Alert {
	return &Alert{
		Kind:      AlertListenerFailure,
		Severity:  SeverityCritical,
		DedupeKey: fmt.Sprintf("%s:%s:%d", AlertListenerFailure, contractID, cycle),
		Message:   fmt.Sprintf("contract event listener for %s failed: %v", contractID, cause),
		Context: map[string]interface{}{
			"contract_id": contractID,
			"cycle":       cycle,
			"error":       cause.Error(),
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewUnauthorizedSubmissionAlert builds the critical alert raised once when
// a submission arrives from a signer outside the authorized set.
func NewUnauthorizedSubmissionAlert(event *ContractEvent) *Alert {
	return &Alert{
		Kind:      AlertUnauthorizedSubmission,
		Severity:  SeverityCritical,
		DedupeKey: fmt.Sprintf("%s:%s", AlertUnauthorizedSubmission, event.ID),
		Message:   fmt.Sprintf("unauthorized snapshot submission from %s on contract %s", event.Submitter, event.ContractID),
		Context: map[string]interface{}{
			"event_id":    event.ID,
			"contract_id": event.ContractID,
			"submitter":   event.Submitter,
			"ledger":      event.Ledger,
		},
		Timestamp: time.Now().UTC(),
	}
}
