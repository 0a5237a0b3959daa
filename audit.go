package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/glebarez/sqlite"
)

// auditTimeFormat is RFC3339 with fixed-width fractional seconds, so the
// stored text sorts chronologically.
const auditTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// AuditRecord is one persisted per-item outcome. Timestamps are stored as
// RFC3339 text so the rows stay portable across sqlite tooling.
type AuditRecord struct {
	BatchID     string
	Kind        string
	DisplayName string
	Name        string
	State       string
	Error       string
	CreatedAt   string
}

// AuditLog persists migration outcomes to a local SQLite file so past
// batches can be reviewed after the fact with the report mode.
type AuditLog struct {
	db  *sql.DB
	log zerolog.Logger
}

func OpenAuditLog(ctx context.Context, dbName string, log zerolog.Logger) (*AuditLog, error) {
	// Pragma trades crash durability for write speed; the audit trail is
	// advisory, not the system of record.
	dsn := fmt.Sprintf("file:%s?_pragma=synchronous(OFF)", dbName)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	createTableSQL := `CREATE TABLE IF NOT EXISTS migrationOutcomes (
		batchId TEXT,
		kind TEXT,
		displayName TEXT,
		name TEXT,
		state TEXT,
		error TEXT,
		createdAt TEXT
	);`
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	createBatchIndexSQL := `CREATE INDEX IF NOT EXISTS idx_batchId ON migrationOutcomes (batchId);`
	if _, err := db.ExecContext(ctx, createBatchIndexSQL); err != nil {
		return nil, fmt.Errorf("failed to create batchId index: %w", err)
	}
	createNameIndexSQL := `CREATE INDEX IF NOT EXISTS idx_name ON migrationOutcomes (name);`
	if _, err := db.ExecContext(ctx, createNameIndexSQL); err != nil {
		return nil, fmt.Errorf("failed to create name index: %w", err)
	}
	log.Info().Str("db", dbName).Msg("audit database ready")
	return &AuditLog{db: db, log: log.With().Str("component", "audit").Logger()}, nil
}

func (a *AuditLog) Close() error { return a.db.Close() }

// Record writes one outcome row. Errors are stored as text; a nil Err is an
// empty string.
func (a *AuditLog) Record(batchID string, out Outcome) error {
	errText := ""
	if out.Err != nil {
		errText = out.Err.Error()
	}
	_, err := a.db.Exec(
		`INSERT INTO migrationOutcomes (batchId, kind, displayName, name, state, error, createdAt) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		batchID, out.Kind, out.DisplayName, out.Name, string(out.State), errText, time.Now().UTC().Format(auditTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit row: %w", err)
	}
	return nil
}

// Outcomes replays the recorded rows for one batch, or every batch when
// batchID is empty, in insertion order.
func (a *AuditLog) Outcomes(ctx context.Context, batchID string) ([]AuditRecord, error) {
	query := `SELECT batchId, kind, displayName, name, state, error, createdAt FROM migrationOutcomes`
	var args []interface{}
	if batchID != "" {
		query += ` WHERE batchId = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY rowid;`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit rows: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var errText sql.NullString
		if err := rows.Scan(&r.BatchID, &r.Kind, &r.DisplayName, &r.Name, &r.State, &errText, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		r.Error = errText.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// BatchSummary aggregates one batch for the report listing.
type BatchSummary struct {
	BatchID  string
	Items    int
	Verified int
	Failed   int
	Started  string
}

// Batches lists recorded batches, newest first.
func (a *AuditLog) Batches(ctx context.Context) ([]BatchSummary, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT batchId,
		       COUNT(*),
		       SUM(CASE WHEN state IN ('VERIFIED', 'REMOVED_FROM_SOURCE') THEN 1 ELSE 0 END),
		       SUM(CASE WHEN error != '' THEN 1 ELSE 0 END),
		       MIN(createdAt)
		FROM migrationOutcomes
		GROUP BY batchId
		ORDER BY MIN(rowid) DESC;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var summaries []BatchSummary
	for rows.Next() {
		var s BatchSummary
		if err := rows.Scan(&s.BatchID, &s.Items, &s.Verified, &s.Failed, &s.Started); err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return summaries, nil
}
