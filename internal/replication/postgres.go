package replication

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/drcore/internal/topology"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// replayLagQuery reports zero when the replica has replayed everything it
// received, otherwise the age of the last replayed transaction
const replayLagQuery = `SELECT CASE
	WHEN pg_last_wal_receive_lsn() = pg_last_wal_replay_lsn() THEN 0
	ELSE EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp())
END`

// PostgresLagSource measures streaming-replication lag on the destination
// replica of a relational channel
type PostgresLagSource struct {
	dsns   map[topology.RegionID]string
	logger *zap.Logger

	mu  sync.Mutex
	dbs map[topology.RegionID]*sql.DB
}

// NewPostgresLagSource creates a source from per-region DSNs
func NewPostgresLagSource(dsns map[topology.RegionID]string, logger *zap.Logger) (*PostgresLagSource, error) {
	if len(dsns) == 0 {
		return nil, fmt.Errorf("replication: postgres adapter needs dsn.<region> options")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLagSource{
		dsns:   dsns,
		logger: logger,
		dbs:    make(map[topology.RegionID]*sql.DB),
	}, nil
}

// NewPostgresLagSourceWithDB creates a source over already-open handles
func NewPostgresLagSourceWithDB(dbs map[topology.RegionID]*sql.DB, logger *zap.Logger) *PostgresLagSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLagSource{
		dsns:   map[topology.RegionID]string{},
		logger: logger,
		dbs:    dbs,
	}
}

// Kind returns StoreRelational
func (p *PostgresLagSource) Kind() StoreKind { return StoreRelational }

func (p *PostgresLagSource) db(region topology.RegionID) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[region]; ok {
		return db, nil
	}
	dsn, ok := p.dsns[region]
	if !ok {
		return nil, fmt.Errorf("replication: no dsn for region %s", region)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	p.dbs[region] = db
	return db, nil
}

// Lag queries the destination replica
func (p *PostgresLagSource) Lag(ctx context.Context, ch Channel) (Sample, error) {
	db, err := p.db(ch.Dest)
	if err != nil {
		return Sample{}, err
	}

	var seconds sql.NullFloat64
	if err := db.QueryRowContext(ctx, replayLagQuery).Scan(&seconds); err != nil {
		return Sample{}, fmt.Errorf("query replay lag on %s: %w", ch.Dest, err)
	}
	if !seconds.Valid {
		return Sample{}, fmt.Errorf("replication: %s has not replayed any transaction", ch.Dest)
	}
	if seconds.Float64 < 0 {
		seconds.Float64 = 0
	}

	return Sample{
		Lag:        time.Duration(seconds.Float64 * float64(time.Second)),
		ObservedAt: time.Now(),
	}, nil
}

// Close closes every opened handle
func (p *PostgresLagSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for region, db := range p.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.dbs, region)
	}
	return firstErr
}
