// internal/audit/postgres.go
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/FairForge/drcore/internal/database"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	insertDecisionQuery = `INSERT INTO failover_decisions (
			id, from_region, to_region, decided_at, trigger_reason,
			trigger_epoch, forced, replication_snapshot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	completeDecisionQuery = `UPDATE failover_decisions
		SET outcome = $2, outcome_reason = $3, resolved_at = $4
		WHERE id = $1 AND outcome IS NULL`

	decisionExistsQuery = `SELECT outcome IS NOT NULL FROM failover_decisions WHERE id = $1`

	selectDecisionColumns = `SELECT id, from_region, to_region, decided_at, trigger_reason,
			trigger_epoch, forced, replication_snapshot, outcome, outcome_reason, resolved_at
		FROM failover_decisions`

	pendingDecisionsQuery = selectDecisionColumns + ` WHERE outcome IS NULL ORDER BY decided_at ASC`
	listDecisionsQuery    = selectDecisionColumns + ` ORDER BY decided_at DESC LIMIT $1`
)

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys
const uniqueViolation = pq.ErrorCode("23505")

// PostgresJournal stores decisions in the failover_decisions table
type PostgresJournal struct {
	db     *database.Postgres
	codec  snapshotCodec
	logger *zap.Logger
}

// NewPostgresJournal creates a journal over an open database
func NewPostgresJournal(db *database.Postgres, logger *zap.Logger) *PostgresJournal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresJournal{db: db, logger: logger}
}

// Append inserts a decision
func (j *PostgresJournal) Append(ctx context.Context, decision Decision) error {
	prepareDecision(&decision)

	snapshot, err := j.codec.Encode(decision.ReplicationSnapshot)
	if err != nil {
		return err
	}

	_, err = j.db.DB().ExecContext(ctx, insertDecisionQuery,
		decision.ID,
		string(decision.From),
		string(decision.To),
		decision.Timestamp,
		decision.TriggerReason,
		int64(decision.TriggerEpoch),
		decision.Forced,
		snapshot,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateDecision, decision.ID)
	}
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}

	j.logger.Debug("decision journaled",
		zap.String("decision_id", decision.ID.String()),
		zap.Int("snapshot_bytes", len(snapshot)))
	return nil
}

// Complete writes the outcome if the decision is still pending
func (j *PostgresJournal) Complete(ctx context.Context, id uuid.UUID, resolution Resolution) error {
	if err := prepareResolution(&resolution); err != nil {
		return err
	}

	result, err := j.db.DB().ExecContext(ctx, completeDecisionQuery,
		id, string(resolution.Outcome), nullString(resolution.Reason), resolution.At)
	if err != nil {
		return fmt.Errorf("complete decision: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete decision: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var resolved bool
	err = j.db.DB().QueryRowContext(ctx, decisionExistsQuery, id).Scan(&resolved)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	case err != nil:
		return fmt.Errorf("check decision: %w", err)
	default:
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
}

// Pending returns unresolved decisions, oldest first
func (j *PostgresJournal) Pending(ctx context.Context) ([]Record, error) {
	rows, err := j.db.DB().QueryContext(ctx, pendingDecisionsQuery)
	if err != nil {
		return nil, fmt.Errorf("query pending decisions: %w", err)
	}
	return j.scanRecords(rows)
}

// List returns the newest decisions first
func (j *PostgresJournal) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := j.db.DB().QueryContext(ctx, listDecisionsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	return j.scanRecords(rows)
}

func (j *PostgresJournal) scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			from, to   string
			epoch      int64
			snapshot   []byte
			outcome    sql.NullString
			reason     sql.NullString
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &from, &to, &r.Timestamp, &r.TriggerReason,
			&epoch, &r.Forced, &snapshot, &outcome, &reason, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		r.From = topology.RegionID(from)
		r.To = topology.RegionID(to)
		r.TriggerEpoch = uint64(epoch)

		decoded, err := j.codec.Decode(snapshot)
		if err != nil {
			return nil, fmt.Errorf("decision %s: %w", r.ID, err)
		}
		r.ReplicationSnapshot = decoded

		if outcome.Valid {
			r.Resolution = &Resolution{
				Outcome: Outcome(outcome.String),
				Reason:  reason.String,
				At:      resolvedAt.Time,
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
