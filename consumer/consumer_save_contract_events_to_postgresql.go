package consumer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/withObsrvr/snapshot-audit-pipeline/processor"
)

// PostgresConfig holds connection settings for the event store.
type PostgresConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Database       string `yaml:"database"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	SSLMode        string `yaml:"ssl_mode"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	ConnectTimeout int    `yaml:"connect_timeout"`
}

func (c *PostgresConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10
	}
}

// ErrNotPending is returned when a status update targets a record whose
// verification status already left pending. Terminal states are one-way.
var ErrNotPending = errors.New("event is not pending")

// ErrEventNotFound is returned when a lookup by id matches no record.
var ErrEventNotFound = errors.New("event not found")

// SaveContractEventsToPostgreSQL durably indexes observed contract events
// and their verification state, and owns the per-contract checkpoint. All
// writes for one poll cycle commit in a single transaction so a crash
// mid-batch leaves the checkpoint behind the events, never ahead.
type SaveContractEventsToPostgreSQL struct {
	db *sql.DB
}

// NewSaveContractEventsToPostgreSQL connects to PostgreSQL and initializes
// the event and checkpoint tables.
func NewSaveContractEventsToPostgreSQL(cfg PostgresConfig) (*SaveContractEventsToPostgreSQL, error) {
	cfg.applyDefaults()

	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode, cfg.ConnectTimeout,
	)

	log.Printf("Connecting to PostgreSQL at %s:%d...", cfg.Host, cfg.Port)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeout)*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := initializeContractEventsSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL at %s:%d", cfg.Host, cfg.Port)

	return &SaveContractEventsToPostgreSQL{db: db}, nil
}

// NewContractEventStoreFromDB wraps an existing connection. Used by tests.
func NewContractEventStoreFromDB(db *sql.DB) *SaveContractEventsToPostgreSQL {
	return &SaveContractEventsToPostgreSQL{db: db}
}

// DB exposes the underlying connection so other consumers (snapshot lookups,
// exports) can share the pool.
func (s *SaveContractEventsToPostgreSQL) DB() *sql.DB {
	return s.db
}

func initializeContractEventsSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contract_events (
			id TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			epoch BIGINT,
			hash TEXT,
			event_timestamp TIMESTAMP WITH TIME ZONE,
			submitter TEXT,
			ledger BIGINT NOT NULL,
			transaction_hash TEXT NOT NULL,
			verification_status TEXT NOT NULL DEFAULT 'pending',
			verified_at TIMESTAMP WITH TIME ZONE,
			stale_alerted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE (contract_id, ledger, transaction_hash, event_type)
		);

		CREATE INDEX IF NOT EXISTS idx_contract_events_created_at ON contract_events(created_at);
		CREATE INDEX IF NOT EXISTS idx_contract_events_ledger ON contract_events(ledger);
		CREATE INDEX IF NOT EXISTS idx_contract_events_epoch ON contract_events(epoch);
		CREATE INDEX IF NOT EXISTS idx_contract_events_contract_id ON contract_events(contract_id);
		CREATE INDEX IF NOT EXISTS idx_contract_events_verification_status ON contract_events(verification_status);
		CREATE INDEX IF NOT EXISTS idx_contract_events_type ON contract_events(event_type);
		CREATE INDEX IF NOT EXISTS idx_contract_events_transaction_hash ON contract_events(transaction_hash);
	`)
	if err != nil {
		return fmt.Errorf("failed to create contract_events table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS contract_checkpoints (
			contract_id TEXT PRIMARY KEY,
			last_ledger BIGINT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create contract_checkpoints table: %w", err)
	}

	return nil
}

// IndexResult reports the outcome of indexing one batch. Already-present
// events are a success, not an error: redelivery across poll cycles is
// expected.
type IndexResult struct {
	Inserted       []*processor.ContractEvent
	AlreadyPresent int
}

const insertEventSQL = `INSERT INTO contract_events (
		id, contract_id, event_type, epoch, hash, event_timestamp, submitter,
		ledger, transaction_hash, verification_status, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	ON CONFLICT (contract_id, ledger, transaction_hash, event_type) DO NOTHING
	RETURNING created_at`

// IndexBatch persists a batch of events and advances the checkpoint for
// contractID to checkpoint, all in one transaction. The checkpoint upsert
// uses GREATEST so it never regresses even if an older batch is replayed.
func (s *SaveContractEventsToPostgreSQL) IndexBatch(ctx context.Context, contractID string, events []*processor.ContractEvent, checkpoint uint32) (IndexResult, error) {
	var result IndexResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, event := range events {
		var epoch interface{}
		if event.Epoch != nil {
			epoch = int64(*event.Epoch)
		}
		var createdAt time.Time
		err := tx.QueryRowContext(ctx, insertEventSQL,
			event.ID,
			event.ContractID,
			string(event.EventType),
			epoch,
			nullString(event.Hash),
			event.Timestamp,
			nullString(event.Submitter),
			int64(event.Ledger),
			event.TransactionHash,
			string(processor.StatusPending),
		).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			result.AlreadyPresent++
			continue
		}
		if err != nil {
			return IndexResult{}, fmt.Errorf("failed to insert contract event %s: %w", event.ID, err)
		}
		event.CreatedAt = createdAt
		event.VerificationStatus = processor.StatusPending
		result.Inserted = append(result.Inserted, event)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contract_checkpoints (contract_id, last_ledger, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (contract_id) DO UPDATE
		SET last_ledger = GREATEST(contract_checkpoints.last_ledger, EXCLUDED.last_ledger),
		    updated_at = NOW()`,
		contractID, int64(checkpoint),
	)
	if err != nil {
		return IndexResult{}, fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return IndexResult{}, fmt.Errorf("failed to commit batch: %w", err)
	}

	return result, nil
}

// Checkpoint returns the highest fully processed ledger for contractID, or
// zero when the contract has never committed a batch.
func (s *SaveContractEventsToPostgreSQL) Checkpoint(ctx context.Context, contractID string) (uint32, error) {
	var ledger int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_ledger FROM contract_checkpoints WHERE contract_id = $1`,
		contractID,
	).Scan(&ledger)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return uint32(ledger), nil
}

// UpdateStatus transitions an event out of pending. Both verified and
// failed are terminal; updating a non-pending record returns ErrNotPending.
func (s *SaveContractEventsToPostgreSQL) UpdateStatus(ctx context.Context, eventID string, status processor.VerificationStatus, verifiedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contract_events
		SET verification_status = $1, verified_at = $2
		WHERE id = $3 AND verification_status = $4`,
		string(status), verifiedAt, eventID, string(processor.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to update verification status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkStaleAlerted durably flags a pending event as having raised its
// StaleVerification warning. Returns true only for the caller that flipped
// the flag, so the alert fires once across restarts.
func (s *SaveContractEventsToPostgreSQL) MarkStaleAlerted(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contract_events
		SET stale_alerted = TRUE
		WHERE id = $1 AND NOT stale_alerted`,
		eventID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark stale alert: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	return affected > 0, nil
}

// PendingEvents returns up to limit pending events for contractID, oldest
// first, so re-verification drains in arrival order.
func (s *SaveContractEventsToPostgreSQL) PendingEvents(ctx context.Context, contractID string, limit int) ([]*processor.ContractEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEventColumns+` FROM contract_events
		WHERE contract_id = $1 AND verification_status = $2
		ORDER BY created_at ASC
		LIMIT $3`,
		contractID, string(processor.StatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventFilter narrows a QueryEvents call. Zero values mean "no filter".
type EventFilter struct {
	ContractID string
	EventType  processor.EventType
	Status     processor.VerificationStatus
	Epoch      *uint64
	StartTime  *time.Time
	EndTime    *time.Time
}

// QueryEvents returns events matching filter, ordered by created_at
// descending, paginated by limit and offset.
func (s *SaveContractEventsToPostgreSQL) QueryEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*processor.ContractEvent, error) {
	var (
		conditions []string
		args       []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.ContractID != "" {
		add("contract_id = $%d", filter.ContractID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", string(filter.EventType))
	}
	if filter.Status != "" {
		add("verification_status = $%d", string(filter.Status))
	}
	if filter.Epoch != nil {
		add("epoch = $%d", int64(*filter.Epoch))
	}
	if filter.StartTime != nil {
		add("created_at >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("created_at <= $%d", *filter.EndTime)
	}

	query := selectEventColumns + " FROM contract_events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEvent returns a single event by id.
func (s *SaveContractEventsToPostgreSQL) GetEvent(ctx context.Context, eventID string) (*processor.ContractEvent, error) {
	row := s.db.QueryRowContext(ctx,
		selectEventColumns+` FROM contract_events WHERE id = $1`, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", eventID, err)
	}
	return event, nil
}

// GetEventsForEpoch returns all events referencing the given epoch, newest
// first.
func (s *SaveContractEventsToPostgreSQL) GetEventsForEpoch(ctx context.Context, epoch uint64) ([]*processor.ContractEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEventColumns+` FROM contract_events
		WHERE epoch = $1
		ORDER BY created_at DESC`,
		int64(epoch),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for epoch %d: %w", epoch, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SearchByHashPrefix returns events whose hash claim starts with prefix.
func (s *SaveContractEventsToPostgreSQL) SearchByHashPrefix(ctx context.Context, prefix string, limit int) ([]*processor.ContractEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEventColumns+` FROM contract_events
		WHERE hash LIKE $1
		ORDER BY created_at DESC
		LIMIT $2`,
		prefix+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search by hash prefix: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// VerificationSummary is the dashboard view of a contract: the most recent
// snapshot submission and a descending audit trail of recent events.
type VerificationSummary struct {
	LatestEpoch       *uint64                    `json:"latest_epoch,omitempty"`
	LatestStatus      string                     `json:"latest_status,omitempty"`
	LatestHash        string                     `json:"latest_hash,omitempty"`
	LatestLedger      uint32                     `json:"latest_ledger,omitempty"`
	LatestSubmittedAt *time.Time                 `json:"latest_submitted_at,omitempty"`
	AuditTrail        []*processor.ContractEvent `json:"audit_trail"`
}

// GetVerificationSummary builds the summary for contractID with up to
// trailLimit audit entries.
func (s *SaveContractEventsToPostgreSQL) GetVerificationSummary(ctx context.Context, contractID string, trailLimit int) (*VerificationSummary, error) {
	trail, err := s.QueryEvents(ctx, EventFilter{ContractID: contractID}, trailLimit, 0)
	if err != nil {
		return nil, err
	}

	summary := &VerificationSummary{AuditTrail: trail}
	for _, event := range trail {
		if event.EventType != processor.EventTypeSnapshotSubmission {
			continue
		}
		summary.LatestEpoch = event.Epoch
		summary.LatestStatus = string(event.VerificationStatus)
		summary.LatestHash = event.Hash
		summary.LatestLedger = event.Ledger
		created := event.CreatedAt
		summary.LatestSubmittedAt = &created
		break
	}
	return summary, nil
}

// EventStats aggregates counts per verification status and per event type
// for one contract.
type EventStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByType   map[string]int64 `json:"by_type"`
}

// GetEventStats returns aggregate counters for contractID.
func (s *SaveContractEventsToPostgreSQL) GetEventStats(ctx context.Context, contractID string) (*EventStats, error) {
	stats := &EventStats{
		ByStatus: make(map[string]int64),
		ByType:   make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT verification_status, COUNT(*)
		FROM contract_events
		WHERE contract_id = $1
		GROUP BY verification_status`,
		contractID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status counts: %w", err)
	}

	typeRows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*)
		FROM contract_events
		WHERE contract_id = $1
		GROUP BY event_type`,
		contractID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query type counts: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var eventType string
		var count int64
		if err := typeRows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		stats.ByType[eventType] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read type counts: %w", err)
	}

	return stats, nil
}

// Cleanup deletes events created before olderThan, keeping the most recent
// event per contract so the summary query always has an answer.
func (s *SaveContractEventsToPostgreSQL) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM contract_events
		WHERE created_at < $1
		AND id NOT IN (
			SELECT DISTINCT ON (contract_id) id
			FROM contract_events
			ORDER BY contract_id, created_at DESC
		)`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cleanup result: %w", err)
	}
	if deleted > 0 {
		log.Printf("Cleaned up %d contract events older than %s", deleted, olderThan.Format(time.RFC3339))
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SaveContractEventsToPostgreSQL) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const selectEventColumns = `SELECT id, contract_id, event_type, epoch, hash,
	event_timestamp, submitter, ledger, transaction_hash,
	verification_status, verified_at, stale_alerted, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*processor.ContractEvent, error) {
	var (
		event      processor.ContractEvent
		epoch      sql.NullInt64
		hash       sql.NullString
		ts         sql.NullTime
		submitter  sql.NullString
		ledger     int64
		status     string
		eventType  string
		verifiedAt sql.NullTime
	)
	err := row.Scan(
		&event.ID, &event.ContractID, &eventType, &epoch, &hash, &ts,
		&submitter, &ledger, &event.TransactionHash, &status, &verifiedAt,
		&event.StaleAlerted, &event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	event.EventType = processor.EventType(eventType)
	event.VerificationStatus = processor.VerificationStatus(status)
	event.Ledger = uint32(ledger)
	if epoch.Valid {
		e := uint64(epoch.Int64)
		event.Epoch = &e
	}
	if hash.Valid {
		event.Hash = hash.String
	}
	if ts.Valid {
		t := ts.Time
		event.Timestamp = &t
	}
	if submitter.Valid {
		event.Submitter = submitter.String
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		event.VerifiedAt = &t
	}
	return &event, nil
}

func scanEvents(rows *sql.Rows) ([]*processor.ContractEvent, error) {
	var events []*processor.ContractEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event rows: %w", err)
	}
	return events, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
