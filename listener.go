package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/withObsrvr/snapshot-audit-pipeline/consumer"
	"github.com/withObsrvr/snapshot-audit-pipeline/processor"
	"github.com/withObsrvr/snapshot-audit-pipeline/rpc"
)

// EventSource is the ledger RPC boundary the listener polls.
type EventSource interface {
	LatestLedger(ctx context.Context) (uint32, error)
	FetchEvents(ctx context.Context, contractID string, startLedger, endLedger uint32) ([]rpc.RawEvent, error)
}

// EventStore is the slice of the indexer the listener drives each cycle.
type EventStore interface {
	Checkpoint(ctx context.Context, contractID string) (uint32, error)
	IndexBatch(ctx context.Context, contractID string, events []*processor.ContractEvent, checkpoint uint32) (consumer.IndexResult, error)
	PendingEvents(ctx context.Context, contractID string, limit int) ([]*processor.ContractEvent, error)
	UpdateStatus(ctx context.Context, eventID string, status processor.VerificationStatus, verifiedAt time.Time) error
	MarkStaleAlerted(ctx context.Context, eventID string) (bool, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	GetVerificationSummary(ctx context.Context, contractID string, trailLimit int) (*consumer.VerificationSummary, error)
}

// AlertSink receives structured anomaly reports. Delivery failures are the
// sink's problem; the pipeline never escalates them.
type AlertSink interface {
	Deliver(ctx context.Context, alert *processor.Alert) error
}

// SummaryCache is the optional dashboard cache updated after each cycle.
type SummaryCache interface {
	StoreSummary(ctx context.Context, contractID string, summary *consumer.VerificationSummary) error
}

// ListenerStats are the in-memory counters exposed for observability,
// complementing the store's persistent stats.
type ListenerStats struct {
	Cycles            uint64                `json:"cycles"`
	CycleFailures     uint64                `json:"cycle_failures"`
	EventsIndexed     uint64                `json:"events_indexed"`
	EventsRedelivered uint64                `json:"events_redelivered"`
	EventsVerified    uint64                `json:"events_verified"`
	EventsFailed      uint64                `json:"events_failed"`
	LastCheckpoint    uint32                `json:"last_checkpoint"`
	Parser            processor.ParserStats `json:"parser"`
}

const (
	pendingSweepLimit = 500
	trailLimit        = 10
	cleanupInterval   = time.Hour
)

// ContractListener drives the poll → parse → index → verify pipeline for a
// single contract. Cycles never overlap: Run executes them sequentially on
// one goroutine, so the checkpoint has exactly one writer per contract.
type ContractListener struct {
	cfg      ListenerConfig
	source   EventSource
	store    EventStore
	parser   *processor.SnapshotEventParser
	verifier *processor.Verifier
	alerts   AlertSink
	cache    SummaryCache

	authorized map[string]bool

	mu          sync.Mutex
	stats       ListenerStats
	lastCleanup time.Time
}

// NewContractListener wires a listener from its collaborators. cache may be
// nil.
func NewContractListener(cfg ListenerConfig, source EventSource, store EventStore, snapshots processor.SnapshotStore, alerts AlertSink, cache SummaryCache) (*ContractListener, error) {
	if cfg.ContractID == "" {
		return nil, errors.New("contract_id must be specified")
	}
	if cfg.PendingWindow <= 0 {
		return nil, errors.New("pending_window must be specified")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 60
	}

	authorized := make(map[string]bool, len(cfg.AuthorizedSubmitters))
	for _, submitter := range cfg.AuthorizedSubmitters {
		authorized[submitter] = true
	}

	return &ContractListener{
		cfg:        cfg,
		source:     source,
		store:      store,
		parser:     processor.NewSnapshotEventParser(),
		verifier:   processor.NewVerifier(snapshots),
		alerts:     alerts,
		cache:      cache,
		authorized: authorized,
	}, nil
}

// Run polls on the configured interval until ctx is cancelled. An in-flight
// cycle either commits fully or fails with the checkpoint withheld, so
// shutdown can never push the checkpoint past unindexed events.
func (l *ContractListener) Run(ctx context.Context) error {
	interval := time.Duration(l.cfg.PollInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Starting contract listener for %s (interval %s)", l.cfg.ContractID, interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Contract listener for %s exiting: %v", l.cfg.ContractID, ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}

		if err := l.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Poll cycle for %s failed: %v", l.cfg.ContractID, err)
		}
	}
}

// RunCycle executes one poll cycle: read checkpoint, fetch the (checkpoint,
// latest] range, parse, commit the batch with the checkpoint advance, then
// re-evaluate pending records, sweep stale ones and run retention cleanup.
func (l *ContractListener) RunCycle(ctx context.Context) error {
	l.mu.Lock()
	l.stats.Cycles++
	cycle := l.stats.Cycles
	l.mu.Unlock()

	err := l.pollAndIndex(ctx, cycle)
	if err != nil {
		l.mu.Lock()
		l.stats.CycleFailures++
		l.mu.Unlock()
		return err
	}

	l.reverifyPending(ctx)
	l.runCleanup(ctx)
	l.refreshCache(ctx)
	return nil
}

func (l *ContractListener) pollAndIndex(ctx context.Context, cycle uint64) error {
	checkpoint, err := l.store.Checkpoint(ctx, l.cfg.ContractID)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if checkpoint == 0 && l.cfg.StartLedger > 1 {
		checkpoint = l.cfg.StartLedger - 1
	}

	var latest uint32
	err = l.withRetry(ctx, func() error {
		var err error
		latest, err = l.source.LatestLedger(ctx)
		return err
	})
	if err != nil {
		l.alertListenerFailure(ctx, cycle, err)
		return fmt.Errorf("failed to fetch latest ledger: %w", err)
	}

	if checkpoint == 0 {
		// Cold start with no override: begin at the current ledger and
		// persist that position on the first commit.
		checkpoint = latest
	}
	if latest < checkpoint {
		log.Printf("Latest ledger %d behind checkpoint %d for %s; skipping fetch", latest, checkpoint, l.cfg.ContractID)
		return nil
	}

	var raws []rpc.RawEvent
	if latest > checkpoint {
		err = l.withRetry(ctx, func() error {
			var err error
			raws, err = l.source.FetchEvents(ctx, l.cfg.ContractID, checkpoint+1, latest)
			return err
		})
		if err != nil {
			l.alertListenerFailure(ctx, cycle, err)
			return fmt.Errorf("failed to fetch events: %w", err)
		}
	}

	candidates := l.parser.ParseBatch(rawsToParserInput(raws))

	// One commit per cycle: events and checkpoint together, or neither.
	result, err := l.store.IndexBatch(ctx, l.cfg.ContractID, candidates, latest)
	if err != nil {
		return fmt.Errorf("failed to index batch: %w", err)
	}

	l.mu.Lock()
	l.stats.EventsIndexed += uint64(len(result.Inserted))
	l.stats.EventsRedelivered += uint64(result.AlreadyPresent)
	l.stats.LastCheckpoint = latest
	l.stats.Parser = l.parser.Stats()
	l.mu.Unlock()

	if len(result.Inserted) > 0 {
		log.Printf("Indexed %d new events for %s (checkpoint %d, %d redelivered)",
			len(result.Inserted), l.cfg.ContractID, latest, result.AlreadyPresent)
	}

	// Unauthorized submissions alert once, on first insert only.
	for _, event := range result.Inserted {
		if l.unauthorized(event) {
			l.deliver(ctx, processor.NewUnauthorizedSubmissionAlert(event))
		}
		if event.EventType == processor.EventTypeSnapshotSubmission && event.Epoch == nil {
			log.Printf("Event %s has no epoch and will stay pending", event.ID)
		}
	}

	return nil
}

// reverifyPending drains still-pending records: newly indexed events plus
// earlier ones whose local snapshot may have arrived late. Pending records
// older than the retention window raise a StaleVerification warning once.
func (l *ContractListener) reverifyPending(ctx context.Context) {
	pending, err := l.store.PendingEvents(ctx, l.cfg.ContractID, pendingSweepLimit)
	if err != nil {
		log.Printf("Failed to list pending events for %s: %v", l.cfg.ContractID, err)
		return
	}

	window := time.Duration(l.cfg.PendingWindow) * time.Second

	for _, event := range pending {
		outcome, err := l.verifier.Verify(ctx, event)
		if err != nil {
			log.Printf("Verification of event %s failed: %v", event.ID, err)
			continue
		}

		if outcome.Status != processor.StatusPending {
			err := l.store.UpdateStatus(ctx, event.ID, outcome.Status, time.Now().UTC())
			if errors.Is(err, consumer.ErrNotPending) {
				// Lost a harmless race with an earlier sweep.
				continue
			}
			if err != nil {
				log.Printf("Failed to update status of event %s: %v", event.ID, err)
				continue
			}
			l.mu.Lock()
			if outcome.Status == processor.StatusVerified {
				l.stats.EventsVerified++
			} else {
				l.stats.EventsFailed++
			}
			l.mu.Unlock()
			if outcome.Alert != nil {
				l.deliver(ctx, outcome.Alert)
			}
			continue
		}

		if !event.StaleAlerted && time.Since(event.CreatedAt) > window {
			marked, err := l.store.MarkStaleAlerted(ctx, event.ID)
			if err != nil {
				log.Printf("Failed to mark stale alert for event %s: %v", event.ID, err)
				continue
			}
			if marked {
				l.deliver(ctx, processor.NewStaleVerificationAlert(event, window))
			}
		}
	}
}

func (l *ContractListener) runCleanup(ctx context.Context) {
	if l.cfg.RetentionDays <= 0 {
		return
	}
	l.mu.Lock()
	due := time.Since(l.lastCleanup) >= cleanupInterval
	if due {
		l.lastCleanup = time.Now()
	}
	l.mu.Unlock()
	if !due {
		return
	}

	horizon := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	if _, err := l.store.Cleanup(ctx, horizon); err != nil {
		log.Printf("Retention cleanup for %s failed: %v", l.cfg.ContractID, err)
	}
}

func (l *ContractListener) refreshCache(ctx context.Context) {
	if l.cache == nil {
		return
	}
	summary, err := l.store.GetVerificationSummary(ctx, l.cfg.ContractID, trailLimit)
	if err != nil {
		log.Printf("Failed to build verification summary for %s: %v", l.cfg.ContractID, err)
		return
	}
	if err := l.cache.StoreSummary(ctx, l.cfg.ContractID, summary); err != nil {
		log.Printf("Failed to cache verification summary for %s: %v", l.cfg.ContractID, err)
	}
}

// withRetry retries fn on transient RPC failures with exponential backoff
// capped at the configured ceiling. Permanent failures return immediately.
func (l *ContractListener) withRetry(ctx context.Context, fn func() error) error {
	ceiling := time.Duration(l.cfg.BackoffCeiling) * time.Second
	delay := time.Second

	var lastErr error
	for attempt := 1; attempt <= l.cfg.RetryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !rpc.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == l.cfg.RetryAttempts {
			break
		}

		log.Printf("Transient RPC failure for %s (attempt %d/%d), retrying in %s: %v",
			l.cfg.ContractID, attempt, l.cfg.RetryAttempts, delay, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > ceiling {
			delay = ceiling
		}
	}
	return fmt.Errorf("retry budget exhausted after %d attempts: %w", l.cfg.RetryAttempts, lastErr)
}

func (l *ContractListener) unauthorized(event *processor.ContractEvent) bool {
	if event.ContractID != l.cfg.ContractID {
		return true
	}
	if len(l.authorized) == 0 || event.EventType != processor.EventTypeSnapshotSubmission {
		return false
	}
	return !l.authorized[event.Submitter]
}

func (l *ContractListener) alertListenerFailure(ctx context.Context, cycle uint64, cause error) {
	l.deliver(ctx, processor.NewListenerFailureAlert(l.cfg.ContractID, cycle, cause))
}

func (l *ContractListener) deliver(ctx context.Context, alert *processor.Alert) {
	if l.alerts == nil {
		return
	}
	if err := l.alerts.Deliver(ctx, alert); err != nil {
		log.Printf("Alert delivery failed (%s): %v", alert.Kind, err)
	}
}

// Stats returns a copy of the listener's counters.
func (l *ContractListener) Stats() ListenerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := l.stats
	stats.Parser = l.parser.Stats()
	return stats
}

func rawsToParserInput(raws []rpc.RawEvent) []processor.RawContractEvent {
	out := make([]processor.RawContractEvent, len(raws))
	for i, raw := range raws {
		out[i] = processor.RawContractEvent{
			ID:              raw.ID,
			Ledger:          raw.Ledger,
			LedgerClosedAt:  raw.LedgerClosedAt,
			ContractID:      raw.ContractID,
			TransactionHash: raw.TransactionHash,
			Topic:           raw.Topic,
			Value:           raw.Value,
		}
	}
	return out
}
