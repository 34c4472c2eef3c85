package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sagas (
	saga_id                 TEXT PRIMARY KEY,
	current_step            TEXT NOT NULL,
	status                  TEXT NOT NULL,
	context                 JSONB NOT NULL,
	history                 JSONB NOT NULL,
	version                 BIGINT NOT NULL,
	awaiting                JSONB NOT NULL,
	compensation_plan       JSONB NOT NULL,
	unresolved_compensation BOOLEAN NOT NULL DEFAULT FALSE,
	failure_reason          TEXT NOT NULL DEFAULT '',
	created_at              TIMESTAMPTZ NOT NULL,
	updated_at              TIMESTAMPTZ NOT NULL,
	published_at            TIMESTAMPTZ,
	republish_count         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS sagas_status_updated_idx ON sagas (status, updated_at);
`

const sagaColumns = `saga_id, current_step, status, context, history, version, awaiting, compensation_plan,
	unresolved_compensation, failure_reason, created_at, updated_at, published_at, republish_count`

const (
	pgSelectSaga = `SELECT ` + sagaColumns + ` FROM sagas WHERE saga_id = $1`
	pgInsertSaga = `INSERT INTO sagas (` + sagaColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	pgUpdateSaga = `UPDATE sagas SET current_step = $2, status = $3, context = $4, history = $5, version = $6,
	awaiting = $7, compensation_plan = $8, unresolved_compensation = $9, failure_reason = $10,
	updated_at = $11, published_at = $12, republish_count = $13
	WHERE saga_id = $1 AND version = $14`
)

// PostgresStore stores sagas in a relational table. CompareAndSwap is a
// single conditional UPDATE on (saga_id, version).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed saga store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sql db cannot be nil")
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the sagas table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create saga schema: %w", err)
	}
	return nil
}

// Load loads one saga by id.
func (s *PostgresStore) Load(ctx context.Context, sagaID string) (*Saga, error) {
	saga, err := scanSaga(s.db.QueryRowContext(ctx, pgSelectSaga, sagaID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("load saga %s: %w", sagaID, err)
	}
	return saga, nil
}

// Create inserts a new saga row.
func (s *PostgresStore) Create(ctx context.Context, saga *Saga) error {
	if saga == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	cols, err := encodeSagaColumns(saga)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, pgInsertSaga,
		saga.ID, string(saga.CurrentStep), string(saga.Status), cols.context, cols.history, saga.Version,
		cols.awaiting, cols.plan, saga.UnresolvedCompensation, saga.FailureReason,
		saga.CreatedAt, saga.UpdatedAt, nullTime(saga.PublishedAt), saga.RepublishCount,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrSagaExists
		}
		return fmt.Errorf("insert saga %s: %w", saga.ID, err)
	}
	return nil
}

// CompareAndSwap updates a saga row only if its version matches.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, saga *Saga, expectedVersion int64) error {
	if saga == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	cols, err := encodeSagaColumns(saga)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, pgUpdateSaga,
		saga.ID, string(saga.CurrentStep), string(saga.Status), cols.context, cols.history, saga.Version,
		cols.awaiting, cols.plan, saga.UnresolvedCompensation, saga.FailureReason,
		saga.UpdatedAt, nullTime(saga.PublishedAt), saga.RepublishCount, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update saga %s: %w", saga.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga %s: %w", saga.ID, err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// List lists sagas matching filter, oldest first.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Saga, int, error) {
	where, args := postgresWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sagas"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sagas: %w", err)
	}

	query := "SELECT " + sagaColumns + " FROM sagas" + where + " ORDER BY created_at, saga_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	sagas := make([]*Saga, 0)
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan saga: %w", err)
		}
		sagas = append(sagas, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list sagas: %w", err)
	}
	return sagas, total, nil
}

func postgresWhere(filter ListFilter) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Unresolved {
		clauses = append(clauses, "unresolved_compensation")
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		clauses = append(clauses, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	if filter.Unpublished {
		clauses = append(clauses, "published_at IS NULL")
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type sagaJSONColumns struct {
	context  []byte
	history  []byte
	awaiting []byte
	plan     []byte
}

func encodeSagaColumns(saga *Saga) (sagaJSONColumns, error) {
	var cols sagaJSONColumns
	var err error
	if cols.context, err = marshalColumn(saga.Context, "{}"); err != nil {
		return cols, err
	}
	if cols.history, err = marshalColumn(saga.History, "[]"); err != nil {
		return cols, err
	}
	if cols.awaiting, err = marshalColumn(saga.Awaiting, "[]"); err != nil {
		return cols, err
	}
	if cols.plan, err = marshalColumn(saga.CompensationPlan, "[]"); err != nil {
		return cols, err
	}
	return cols, nil
}

func marshalColumn(value any, empty string) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode saga column: %w", err)
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*Saga, error) {
	var (
		saga                                  Saga
		step, status                          string
		ctxRaw, historyRaw, awaitRaw, planRaw []byte
		publishedAt                           sql.NullTime
	)
	if err := row.Scan(
		&saga.ID, &step, &status, &ctxRaw, &historyRaw, &saga.Version, &awaitRaw, &planRaw,
		&saga.UnresolvedCompensation, &saga.FailureReason, &saga.CreatedAt, &saga.UpdatedAt,
		&publishedAt, &saga.RepublishCount,
	); err != nil {
		return nil, err
	}
	saga.CurrentStep = Step(step)
	saga.Status = Status(status)
	if err := json.Unmarshal(ctxRaw, &saga.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if err := json.Unmarshal(historyRaw, &saga.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if err := json.Unmarshal(awaitRaw, &saga.Awaiting); err != nil {
		return nil, fmt.Errorf("decode awaiting: %w", err)
	}
	if err := json.Unmarshal(planRaw, &saga.CompensationPlan); err != nil {
		return nil, fmt.Errorf("decode compensation plan: %w", err)
	}
	if publishedAt.Valid {
		published := publishedAt.Time
		saga.PublishedAt = &published
	}
	return &saga, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
