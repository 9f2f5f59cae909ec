package envstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/specenv/pkg/status"
	"github.com/3leaps/specenv/pkg/stepspec"
)

// Index is a canonical, deduplicated resource keyed by signature.
type Index struct {
	ID         string             `json:"id"`
	Signature  string             `json:"signature"`
	IndexType  string             `json:"index_type"`
	DataSource string             `json:"data_source"`
	Regions    []string           `json:"regions"`
	Filepath   *string            `json:"filepath,omitempty"`
	Status     status.IndexStatus `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Spec returns the resource spec the index was created from.
func (i *Index) Spec() stepspec.ResourceSpec {
	return stepspec.ResourceSpec{IndexType: i.IndexType, DataSource: i.DataSource, Regions: append([]string(nil), i.Regions...)}
}

const indexColumns = `id, signature, index_type, data_source, regions, filepath, status, created_at, updated_at`

func scanIndex(row rowScanner) (*Index, error) {
	var idx Index
	var regions, st string
	var fp sql.NullString
	var created, updated dbTime
	if err := row.Scan(&idx.ID, &idx.Signature, &idx.IndexType, &idx.DataSource, &regions, &fp, &st, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(regions), &idx.Regions); err != nil {
		return nil, fmt.Errorf("decode regions: %w", err)
	}
	parsed, err := status.ParseIndexStatus(st)
	if err != nil {
		return nil, err
	}
	idx.Status = parsed
	if fp.Valid {
		v := fp.String
		idx.Filepath = &v
	}
	idx.CreatedAt, idx.UpdatedAt = created.Time, updated.Time
	return &idx, nil
}

// GetIndex returns an index by id.
func (s *Store) GetIndex(ctx context.Context, id string) (*Index, error) {
	return s.getIndex(ctx, s.db, `SELECT `+indexColumns+` FROM indexes WHERE id = ?`, id)
}

// GetIndexBySignature returns the index with the given signature.
func (s *Store) GetIndexBySignature(ctx context.Context, signature string) (*Index, error) {
	return s.getIndex(ctx, s.db, `SELECT `+indexColumns+` FROM indexes WHERE signature = ?`, signature)
}

func (s *Store) getIndex(ctx context.Context, q querier, query, key string) (*Index, error) {
	idx, err := scanIndex(q.QueryRowContext(ctx, s.dialect.rebind(query), key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("index", key)
	}
	if err != nil {
		return nil, storageErr("get index", err)
	}
	return idx, nil
}

// CreateIndex inserts a new index at NotAvailable together with its derived
// items. It returns ErrConflict when another writer already holds the
// signature.
func (s *Store) CreateIndex(ctx context.Context, spec stepspec.ResourceSpec, items []NewItem) (*Index, error) {
	regions, err := json.Marshal(nonNil(spec.Regions))
	if err != nil {
		return nil, fmt.Errorf("marshal regions: %w", err)
	}

	id := uuid.NewString()
	err = s.withTx(ctx, "create index", func(tx *sql.Tx) error {
		now := formatDBTime(time.Now())
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO indexes (`+indexColumns+`) VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)`),
			id, spec.Signature(), spec.IndexType, spec.DataSource, string(regions),
			status.NotAvailable.String(), now, now); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("index %s: %w", spec.Signature(), ErrConflict)
			}
			return storageErr("insert index", err)
		}
		for _, it := range items {
			if err := s.attachItem(ctx, tx, id, it, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetIndex(ctx, id)
}

// ListIndexes lists all indexes ordered by creation.
func (s *Store) ListIndexes(ctx context.Context) ([]Index, error) {
	return s.listIndexes(ctx, s.db, `SELECT `+indexColumns+` FROM indexes ORDER BY created_at, id`)
}

func (s *Store) listIndexes(ctx context.Context, q querier, query string, args ...any) ([]Index, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, storageErr("list indexes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Index
	for rows.Next() {
		idx, err := scanIndex(rows)
		if err != nil {
			return nil, storageErr("scan index", err)
		}
		out = append(out, *idx)
	}
	return out, storageErr("list indexes", rows.Err())
}

// TransitionIndex moves an index from one status to another and recomputes
// every environment containing it, in one transaction. ErrStatusMismatch is
// returned when the index is no longer in from.
func (s *Store) TransitionIndex(ctx context.Context, id string, from, to status.IndexStatus) (*Index, []string, error) {
	var envIDs []string
	err := s.withTx(ctx, "transition index", func(tx *sql.Tx) error {
		now := formatDBTime(time.Now())
		res, err := tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE indexes SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
			to.String(), now, id, from.String())
		if err != nil {
			return storageErr("update index status", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return storageErr("update index status", err)
		} else if n == 0 {
			ok, err := s.exists(ctx, tx, "get index", `SELECT 1 FROM indexes WHERE id = ?`, id)
			if err != nil {
				return err
			}
			if !ok {
				return notFound("index", id)
			}
			return fmt.Errorf("index %s not in %s: %w", id, from, ErrStatusMismatch)
		}

		envIDs, err = s.environmentsForIndex(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, envID := range envIDs {
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(
				`SELECT id FROM environments WHERE id = ?`+s.dialect.forUpdate()), envID); err != nil {
				return storageErr("lock environment", err)
			}
			if err := s.recomputeEnvironment(ctx, tx, envID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	idx, err := s.GetIndex(ctx, id)
	return idx, envIDs, err
}

func (s *Store) environmentsForIndex(ctx context.Context, q querier, indexID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(
		`SELECT environment_id FROM environment_indexes WHERE index_id = ? ORDER BY environment_id`), indexID)
	if err != nil {
		return nil, storageErr("list index environments", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan environment id", err)
		}
		out = append(out, id)
	}
	return out, storageErr("list index environments", rows.Err())
}
