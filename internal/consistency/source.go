package consistency

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/FairForge/drcore/internal/topology"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Checksum summarizes one dataset of a store as of a watermark
type Checksum struct {
	Store       string `json:"store"`
	Name        string `json:"name"`
	RecordCount int64  `json:"record_count"`
	Digest      string `json:"digest"`
}

func (c Checksum) key() string {
	return c.Store + "/" + c.Name
}

// Source computes checksums of a region's data as of a point in time
type Source interface {
	Checksums(ctx context.Context, region topology.RegionID, asOf time.Time, limit int) ([]Checksum, error)
}

// FuncSource adapts a function to Source
type FuncSource func(ctx context.Context, region topology.RegionID, asOf time.Time, limit int) ([]Checksum, error)

// Checksums calls f
func (f FuncSource) Checksums(ctx context.Context, region topology.RegionID, asOf time.Time, limit int) ([]Checksum, error) {
	return f(ctx, region, asOf, limit)
}

// Table names a relational table to checksum. Rows are ordered by
// KeyColumn; UpdatedColumn bounds them by the watermark.
type Table struct {
	Name          string `yaml:"name" validate:"required"`
	KeyColumn     string `yaml:"key_column" validate:"required"`
	UpdatedColumn string `yaml:"updated_column" validate:"required"`
}

func (t Table) query() string {
	key := pq.QuoteIdentifier(t.KeyColumn)
	return fmt.Sprintf(`SELECT t.%s::text, md5(t::text) FROM %s t WHERE t.%s <= $1 ORDER BY t.%s`,
		key, pq.QuoteIdentifier(t.Name), pq.QuoteIdentifier(t.UpdatedColumn), key)
}

// SQLSource digests PostgreSQL tables row by row with BLAKE2b
type SQLSource struct {
	dbs    map[topology.RegionID]*sql.DB
	tables []Table
	logger *zap.Logger
}

// NewSQLSource opens a lazy connection pool per region DSN
func NewSQLSource(dsns map[topology.RegionID]string, tables []Table, logger *zap.Logger) (*SQLSource, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("consistency: no tables configured")
	}
	dbs := make(map[topology.RegionID]*sql.DB, len(dsns))
	for region, dsn := range dsns {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", region, err)
		}
		db.SetMaxOpenConns(2)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(5 * time.Minute)
		dbs[region] = db
	}
	return NewSQLSourceWithDB(dbs, tables, logger), nil
}

// NewSQLSourceWithDB uses existing handles
func NewSQLSourceWithDB(dbs map[topology.RegionID]*sql.DB, tables []Table, logger *zap.Logger) *SQLSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLSource{dbs: dbs, tables: tables, logger: logger}
}

// Checksums digests up to limit tables in configuration order
func (s *SQLSource) Checksums(ctx context.Context, region topology.RegionID, asOf time.Time, limit int) ([]Checksum, error) {
	db, ok := s.dbs[region]
	if !ok {
		return nil, fmt.Errorf("consistency: no database for region %s", region)
	}

	tables := s.tables
	if limit > 0 && limit < len(tables) {
		tables = tables[:limit]
	}

	out := make([]Checksum, 0, len(tables))
	for _, table := range tables {
		sum, err := s.digest(ctx, db, table, asOf)
		if err != nil {
			return nil, fmt.Errorf("checksum %s in %s: %w", table.Name, region, err)
		}
		out = append(out, sum)
	}

	s.logger.Debug("checksums computed",
		zap.String("region", string(region)),
		zap.Time("as_of", asOf),
		zap.Int("tables", len(out)))
	return out, nil
}

func (s *SQLSource) digest(ctx context.Context, db *sql.DB, table Table, asOf time.Time) (Checksum, error) {
	rows, err := db.QueryContext(ctx, table.query(), asOf)
	if err != nil {
		return Checksum{}, err
	}
	defer func() { _ = rows.Close() }()

	h, err := blake2b.New256(nil)
	if err != nil {
		return Checksum{}, err
	}

	var count int64
	for rows.Next() {
		var key, rowHash string
		if err := rows.Scan(&key, &rowHash); err != nil {
			return Checksum{}, err
		}
		_, _ = h.Write([]byte(key))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(rowHash))
		_, _ = h.Write([]byte{'\n'})
		count++
	}
	if err := rows.Err(); err != nil {
		return Checksum{}, err
	}

	return Checksum{
		Store:       "relational",
		Name:        table.Name,
		RecordCount: count,
		Digest:      hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Close closes every handle
func (s *SQLSource) Close() error {
	var firstErr error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
