// Package cache persists entity snapshots and committed operations in the
// local SQLite database, so groups can warm up before the server answers
// and operations can be inspected after the fact.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/crmsync/db"
	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/store"
)

// Query constants
const (
	SnapshotUpsertQuery = `
		INSERT INTO entity_snapshots (entity_type, entity_id, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at`

	SnapshotDeleteQuery = `
		DELETE FROM entity_snapshots WHERE entity_type = ? AND entity_id = ?`

	SnapshotSelectQuery = `
		SELECT data FROM entity_snapshots WHERE entity_type = ? ORDER BY entity_id`

	OperationInsertQuery = `
		INSERT INTO entity_operations (entity_type, entity_id, op_id, kind, ref, diff, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	OperationSelectQuery = `
		SELECT op_id, kind, ref, diff, committed_at FROM entity_operations
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq`

	OperationPruneQuery = `
		DELETE FROM entity_operations WHERE committed_at < ?`
)

// SQLStore implements store.Journal on SQLite.
type SQLStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

var _ store.Journal = (*SQLStore)(nil)

// NewSQLStore returns a journal on an already migrated database.
func NewSQLStore(conn *sql.DB, log *zap.SugaredLogger) *SQLStore {
	return &SQLStore{
		db:     conn,
		logger: logger.OrNop(log).Named("journal"),
		now:    time.Now,
	}
}

func wrap(err error, format string, args ...any) error {
	if db.IsDatabaseClosed(err) {
		err = errors.Mark(err, db.ErrDatabaseClosed)
	}
	return errors.Wrapf(err, format, args...)
}

// SaveSnapshot stores the latest authoritative value of an entity.
func (s *SQLStore) SaveSnapshot(ctx context.Context, entityType, id string, version uint64, data json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, SnapshotUpsertQuery, entityType, id, version, string(data), s.now().UTC())
	if err != nil {
		return wrap(err, "save snapshot %s/%s", entityType, id)
	}
	return nil
}

// DeleteSnapshot forgets an entity. Missing rows are not an error.
func (s *SQLStore) DeleteSnapshot(ctx context.Context, entityType, id string) error {
	if _, err := s.db.ExecContext(ctx, SnapshotDeleteQuery, entityType, id); err != nil {
		return wrap(err, "delete snapshot %s/%s", entityType, id)
	}
	return nil
}

// Snapshots returns every stored snapshot of entityType, ordered by id.
func (s *SQLStore) Snapshots(ctx context.Context, entityType string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, SnapshotSelectQuery, entityType)
	if err != nil {
		return nil, wrap(err, "query snapshots %s", entityType)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrap(err, "scan snapshot %s", entityType)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate snapshots %s", entityType)
	}
	return out, nil
}

// AppendOperation records a committed operation.
func (s *SQLStore) AppendOperation(ctx context.Context, entityType, id string, op store.Operation) error {
	changes, err := json.Marshal(op.Diff)
	if err != nil {
		return errors.Wrap(err, "marshal diff")
	}
	var ref sql.NullString
	if op.Ref != "" {
		ref = sql.NullString{String: op.Ref, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, OperationInsertQuery,
		entityType, id, op.ID, string(op.Kind), ref, string(changes), op.CommittedAt.UTC())
	if err != nil {
		return wrap(err, "append operation %s/%s v%d", entityType, id, op.ID)
	}
	return nil
}

// Operations returns the journaled operations of one entity, oldest first.
func (s *SQLStore) Operations(ctx context.Context, entityType, id string) ([]store.Operation, error) {
	rows, err := s.db.QueryContext(ctx, OperationSelectQuery, entityType, id)
	if err != nil {
		return nil, wrap(err, "query operations %s/%s", entityType, id)
	}
	defer rows.Close()

	var out []store.Operation
	for rows.Next() {
		var (
			op      store.Operation
			kind    string
			ref     sql.NullString
			changes string
		)
		if err := rows.Scan(&op.ID, &kind, &ref, &changes, &op.CommittedAt); err != nil {
			return nil, wrap(err, "scan operation %s/%s", entityType, id)
		}
		op.Kind = store.OperationKind(kind)
		op.Ref = ref.String
		if err := json.Unmarshal([]byte(changes), &op.Diff); err != nil {
			return nil, errors.Wrapf(err, "decode diff of %s/%s v%d", entityType, id, op.ID)
		}
		if op.Diff == nil {
			op.Diff = []diff.Change{}
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate operations %s/%s", entityType, id)
	}
	return out, nil
}

// Prune deletes operations committed before cutoff and returns how many
// were removed.
func (s *SQLStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, OperationPruneQuery, cutoff.UTC())
	if err != nil {
		return 0, wrap(err, "prune operations")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	if n > 0 {
		s.logger.Infow("Pruned journal", logger.FieldCount, n, "cutoff", cutoff)
	}
	return n, nil
}
