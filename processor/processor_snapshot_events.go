package processor

import (
	"fmt"
	"sync"
	"time"

	"github.com/stellar/go/strkey"
	"github.com/tidwall/gjson"
)

// RawContractEvent is the slice of a getEvents RPC event the parser needs.
// It mirrors rpc.RawEvent without importing the transport package, keeping
// parsing pure and independently testable.
type RawContractEvent struct {
	ID              string
	Ledger          uint32
	LedgerClosedAt  time.Time
	ContractID      string
	TransactionHash string
	Topic           []string
	Value           []byte
}

// ParseError is scoped to a single event; a batch is never failed by one
// malformed payload.
type ParseError struct {
	EventID string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse event %s: %s", e.EventID, e.Reason)
}

// SnapshotEventParser decodes raw contract events into typed candidates and
// counts everything it skips so degradation stays observable.
type SnapshotEventParser struct {
	mu    sync.Mutex
	stats ParserStats
}

// ParserStats counts parser outcomes since startup.
type ParserStats struct {
	Parsed       uint64 `json:"parsed"`
	Unrecognized uint64 `json:"unrecognized"`
	Malformed    uint64 `json:"malformed"`
}

func NewSnapshotEventParser() *SnapshotEventParser {
	return &SnapshotEventParser{}
}

// Parse decodes one raw event into a ContractEvent candidate. Unrecognized
// topics yield a candidate tagged EventTypeUnrecognized rather than an
// error, so the caller decides whether to keep them. Malformed events
// return a *ParseError.
func (p *SnapshotEventParser) Parse(raw RawContractEvent) (*ContractEvent, error) {
	if raw.Ledger == 0 {
		return nil, p.malformed(raw.ID, "missing ledger sequence")
	}
	if raw.TransactionHash == "" {
		return nil, p.malformed(raw.ID, "missing transaction hash")
	}
	if _, err := strkey.Decode(strkey.VersionByteContract, raw.ContractID); err != nil {
		return nil, p.malformed(raw.ID, fmt.Sprintf("invalid contract id %q", raw.ContractID))
	}

	event := &ContractEvent{
		ID:                 raw.ID,
		ContractID:         raw.ContractID,
		EventType:          EventTypeFromTopic(raw.Topic),
		Ledger:             raw.Ledger,
		TransactionHash:    raw.TransactionHash,
		VerificationStatus: StatusPending,
	}

	if event.EventType == EventTypeUnrecognized {
		p.mu.Lock()
		p.stats.Unrecognized++
		p.mu.Unlock()
		return event, nil
	}

	// Snapshot submissions carry their claim in the value payload. All
	// fields are optional at this stage; the verifier decides what an
	// absent epoch means.
	value := string(raw.Value)
	if value != "" && !gjson.Valid(value) {
		return nil, p.malformed(raw.ID, "value payload is not valid JSON")
	}
	if epoch := gjson.Get(value, "epoch"); epoch.Exists() {
		e := epoch.Uint()
		event.Epoch = &e
	}
	event.Hash = gjson.Get(value, "hash").String()
	event.Submitter = gjson.Get(value, "submitter").String()
	if ts := gjson.Get(value, "timestamp"); ts.Exists() {
		t := time.Unix(ts.Int(), 0).UTC()
		event.Timestamp = &t
	} else if !raw.LedgerClosedAt.IsZero() {
		t := raw.LedgerClosedAt.UTC()
		event.Timestamp = &t
	}

	p.mu.Lock()
	p.stats.Parsed++
	p.mu.Unlock()
	return event, nil
}

// ParseBatch decodes a batch, dropping malformed and unrecognized events
// with a counted skip. The returned slice preserves input order.
func (p *SnapshotEventParser) ParseBatch(raws []RawContractEvent) []*ContractEvent {
	events := make([]*ContractEvent, 0, len(raws))
	for _, raw := range raws {
		event, err := p.Parse(raw)
		if err != nil {
			continue
		}
		if event.EventType == EventTypeUnrecognized {
			continue
		}
		events = append(events, event)
	}
	return events
}

// Stats returns a copy of the skip/parse counters.
func (p *SnapshotEventParser) Stats() ParserStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *SnapshotEventParser) malformed(eventID, reason string) error {
	p.mu.Lock()
	p.stats.Malformed++
	p.mu.Unlock()
	return &ParseError{EventID: eventID, Reason: reason}
}
