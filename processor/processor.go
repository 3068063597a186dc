package processor

import (
	"time"
)

// VerificationStatus is the outcome of comparing an on-chain hash claim to
// the locally computed snapshot hash.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusVerified VerificationStatus = "verified"
	StatusFailed   VerificationStatus = "failed"
)

// EventType is the closed set of contract event kinds the pipeline
// recognizes. Anything else is carried as EventTypeUnrecognized so the
// recognized set stays defined in one place.
type EventType string

const (
	EventTypeSnapshotSubmission EventType = "snapshot_submission"
	EventTypeUnrecognized       EventType = "unrecognized"
)

// TopicSnapshotSubmission is the contract topic tag for snapshot
// submission events.
const TopicSnapshotSubmission = "SNAP_SUB"

// EventTypeFromTopic maps a contract event topic to the closed EventType set.
func EventTypeFromTopic(topic []string) EventType {
	for _, t := range topic {
		if t == TopicSnapshotSubmission {
			return EventTypeSnapshotSubmission
		}
	}
	return EventTypeUnrecognized
}

// ContractEvent is one observed contract event together with its
// verification state. The tuple (contract_id, ledger, transaction_hash,
// event_type) identifies a logical event; re-ingestion of the same tuple is
// a no-op in the store.
type ContractEvent struct {
	ID                 string             `json:"id"`
	ContractID         string             `json:"contract_id"`
	EventType          EventType          `json:"event_type"`
	Epoch              *uint64            `json:"epoch,omitempty"`
	Hash               string             `json:"hash,omitempty"`
	Timestamp          *time.Time         `json:"timestamp,omitempty"`
	Submitter          string             `json:"submitter,omitempty"`
	Ledger             uint32             `json:"ledger"`
	TransactionHash    string             `json:"transaction_hash"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	StaleAlerted       bool               `json:"stale_alerted,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Verifiable reports whether the event carries enough data to ever be
// verified. Events without an epoch stay pending permanently.
func (e *ContractEvent) Verifiable() bool {
	return e.EventType == EventTypeSnapshotSubmission && e.Epoch != nil
}
