package trend

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
)

const snapshotTable = "ash_snapshots"

var schemas = map[string]string{
	config.BackendPostgres: `CREATE TABLE IF NOT EXISTS ash_snapshots (
	ts_nanos   BIGINT PRIMARY KEY,
	id         VARCHAR(36) NOT NULL,
	findings   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	config.BackendMySQL: `CREATE TABLE IF NOT EXISTS ash_snapshots (
	ts_nanos   BIGINT PRIMARY KEY,
	id         VARCHAR(36) NOT NULL,
	findings   LONGTEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
}

type snapshotRow struct {
	TSNanos  int64  `db:"ts_nanos"`
	ID       string `db:"id"`
	Findings string `db:"findings"`
}

// SQLStore keeps snapshots in a PostgreSQL or MySQL table
type SQLStore struct {
	db      *sqlx.DB
	backend string
}

// OpenSQLStore connects to a database. For MySQL the DSN may carry a
// mysql:// scheme, which is stripped before parsing.
func OpenSQLStore(ctx context.Context, backend, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.NewConfigError(fmt.Sprintf("database URL is required for the %s backend", backend))
	}

	driver := ""
	switch backend {
	case config.BackendPostgres:
		driver = "postgres"
	case config.BackendMySQL:
		driver = "mysql"
		parsed, err := mysql.ParseDSN(strings.TrimPrefix(dsn, "mysql://"))
		if err != nil {
			return nil, errors.NewConfigError("invalid MySQL DSN").WithCause(err)
		}
		dsn = parsed.FormatDSN()
	default:
		return nil, errors.NewConfigError(fmt.Sprintf("unsupported SQL backend: %s", backend))
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(connectCtx, driver, dsn)
	if err != nil {
		return nil, errors.NewInternalError("failed to connect to database").WithCause(err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(10 * time.Minute)

	return NewSQLStore(db, backend), nil
}

// NewSQLStore wraps an open connection
func NewSQLStore(db *sqlx.DB, backend string) *SQLStore {
	return &SQLStore{db: db, backend: backend}
}

// EnsureSchema creates the snapshot table when it does not exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	ddl, ok := schemas[s.backend]
	if !ok {
		return errors.NewConfigError(fmt.Sprintf("unsupported SQL backend: %s", s.backend))
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.NewInternalError("failed to create snapshot table").WithCause(err)
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, snap Snapshot) error {
	findings := snap.Findings
	if findings == nil {
		findings = []finding.Finding{}
	}
	data, err := json.Marshal(findings)
	if err != nil {
		return errors.NewInternalError("failed to serialize snapshot").WithCause(err)
	}

	row := snapshotRow{
		TSNanos:  snap.Timestamp.UnixNano(),
		ID:       uuid.New().String(),
		Findings: string(data),
	}

	return s.withTransaction(ctx, func(tx *sqlx.Tx) error {
		del := tx.Rebind(fmt.Sprintf("DELETE FROM %s WHERE ts_nanos = ?", snapshotTable))
		if _, err := tx.ExecContext(ctx, del, row.TSNanos); err != nil {
			return errors.NewInternalError("failed to replace snapshot").WithCause(err)
		}
		ins := fmt.Sprintf("INSERT INTO %s (ts_nanos, id, findings) VALUES (:ts_nanos, :id, :findings)", snapshotTable)
		if _, err := tx.NamedExecContext(ctx, ins, row); err != nil {
			return errors.NewInternalError("failed to store snapshot").WithCause(err)
		}
		return nil
	})
}

func (s *SQLStore) Get(ctx context.Context, ts time.Time) (*Snapshot, error) {
	var row snapshotRow
	query := s.db.Rebind(fmt.Sprintf("SELECT ts_nanos, id, findings FROM %s WHERE ts_nanos = ?", snapshotTable))
	if err := s.db.GetContext(ctx, &row, query, ts.UnixNano()); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, snapshotNotFound(ts)
		}
		return nil, errors.NewInternalError("failed to load snapshot").WithCause(err)
	}

	var findings []finding.Finding
	if err := json.Unmarshal([]byte(row.Findings), &findings); err != nil {
		return nil, errors.NewInternalError("failed to deserialize snapshot").WithCause(err)
	}
	if findings == nil {
		findings = []finding.Finding{}
	}
	return &Snapshot{Timestamp: normalizeTime(ts), Findings: findings}, nil
}

func (s *SQLStore) List(ctx context.Context) ([]time.Time, error) {
	var nanos []int64
	query := fmt.Sprintf("SELECT ts_nanos FROM %s ORDER BY ts_nanos", snapshotTable)
	if err := s.db.SelectContext(ctx, &nanos, query); err != nil {
		return nil, errors.NewInternalError("failed to list snapshots").WithCause(err)
	}
	return sortedTimes(nanos), nil
}

// withTransaction runs fn inside a transaction, rolling back on error or panic
func (s *SQLStore) withTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.NewInternalError("failed to begin transaction").WithCause(err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.NewInternalError("failed to rollback transaction").
				WithCause(fmt.Errorf("original error: %v, rollback error: %v", err, rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternalError("failed to commit transaction").WithCause(err)
	}
	return nil
}

// Health pings the database
func (s *SQLStore) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewInternalError("database health check failed").WithCause(err)
	}
	return nil
}

func (s *SQLStore) Backend() string { return s.backend }

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
