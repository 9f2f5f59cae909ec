package envstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/specenv/pkg/status"
	"github.com/3leaps/specenv/pkg/stepspec"
)

// Environment is the aggregate set of indexes required by a background.
type Environment struct {
	ID           string             `json:"id"`
	BackgroundID string             `json:"background_id"`
	Signature    string             `json:"signature"`
	Status       status.IndexStatus `json:"status"`
	Indexes      []Index            `json:"indexes"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// IndexIDs returns the ids of the member indexes.
func (e *Environment) IndexIDs() []string {
	ids := make([]string, 0, len(e.Indexes))
	for _, idx := range e.Indexes {
		ids = append(ids, idx.ID)
	}
	return ids
}

const environmentColumns = `id, background_id, signature, status, created_at, updated_at`

func (s *Store) loadEnvironment(ctx context.Context, query, key string) (*Environment, error) {
	var env Environment
	var st string
	var created, updated dbTime
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), key).
		Scan(&env.ID, &env.BackgroundID, &env.Signature, &st, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("environment", key)
	}
	if err != nil {
		return nil, storageErr("get environment", err)
	}
	if env.Status, err = status.ParseIndexStatus(st); err != nil {
		return nil, storageErr("get environment", err)
	}
	env.CreatedAt, env.UpdatedAt = created.Time, updated.Time

	env.Indexes, err = s.listIndexes(ctx, s.db,
		`SELECT i.id, i.signature, i.index_type, i.data_source, i.regions, i.filepath, i.status, i.created_at, i.updated_at
		 FROM indexes i JOIN environment_indexes ei ON ei.index_id = i.id
		 WHERE ei.environment_id = ? ORDER BY i.signature`, env.ID)
	if err != nil {
		return nil, err
	}
	if env.Indexes == nil {
		env.Indexes = []Index{}
	}
	return &env, nil
}

// GetEnvironment returns an environment with its member indexes.
func (s *Store) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	return s.loadEnvironment(ctx, `SELECT `+environmentColumns+` FROM environments WHERE id = ?`, id)
}

// GetEnvironmentForBackground returns the environment owned by a background.
func (s *Store) GetEnvironmentForBackground(ctx context.Context, backgroundID string) (*Environment, error) {
	return s.loadEnvironment(ctx, `SELECT `+environmentColumns+` FROM environments WHERE background_id = ?`, backgroundID)
}

// CreateEnvironment creates the empty environment of a background. If one
// already exists it is returned unchanged.
func (s *Store) CreateEnvironment(ctx context.Context, backgroundID string) (*Environment, error) {
	if _, err := s.GetBackground(ctx, backgroundID); err != nil {
		return nil, err
	}

	now := formatDBTime(time.Now())
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO environments (`+environmentColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(background_id) DO NOTHING`),
		uuid.NewString(), backgroundID, stepspec.EnvironmentSignature(nil), status.NotAvailable.String(), now, now)
	if err != nil {
		return nil, storageErr("create environment", err)
	}
	return s.GetEnvironmentForBackground(ctx, backgroundID)
}

// LinkIndex adds an index to an environment if absent, then recomputes the
// environment's aggregate status and signature. The environment row is
// locked for the duration of the read-modify-write.
func (s *Store) LinkIndex(ctx context.Context, environmentID, indexID string) (*Environment, error) {
	err := s.withTx(ctx, "link index", func(tx *sql.Tx) error {
		ok, err := s.exists(ctx, tx, "lock environment",
			`SELECT 1 FROM environments WHERE id = ?`+s.dialect.forUpdate(), environmentID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("environment", environmentID)
		}
		ok, err = s.exists(ctx, tx, "get index", `SELECT 1 FROM indexes WHERE id = ?`, indexID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("index", indexID)
		}

		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO environment_indexes (environment_id, index_id) VALUES (?, ?)
			 ON CONFLICT(environment_id, index_id) DO NOTHING`),
			environmentID, indexID); err != nil {
			return storageErr("link index", err)
		}
		return s.recomputeEnvironment(ctx, tx, environmentID, formatDBTime(time.Now()))
	})
	if err != nil {
		return nil, err
	}
	return s.GetEnvironment(ctx, environmentID)
}

// RecomputeEnvironment refreshes the aggregate status and signature.
func (s *Store) RecomputeEnvironment(ctx context.Context, environmentID string) (*Environment, error) {
	err := s.withTx(ctx, "recompute environment", func(tx *sql.Tx) error {
		ok, err := s.exists(ctx, tx, "lock environment",
			`SELECT 1 FROM environments WHERE id = ?`+s.dialect.forUpdate(), environmentID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("environment", environmentID)
		}
		return s.recomputeEnvironment(ctx, tx, environmentID, formatDBTime(time.Now()))
	})
	if err != nil {
		return nil, err
	}
	return s.GetEnvironment(ctx, environmentID)
}

func (s *Store) recomputeEnvironment(ctx context.Context, tx *sql.Tx, environmentID, now string) error {
	rows, err := tx.QueryContext(ctx, s.dialect.rebind(
		`SELECT i.signature, i.status FROM indexes i
		 JOIN environment_indexes ei ON ei.index_id = i.id
		 WHERE ei.environment_id = ?`), environmentID)
	if err != nil {
		return storageErr("read environment members", err)
	}

	var sigs []string
	var statuses []status.IndexStatus
	for rows.Next() {
		var sig, st string
		if err := rows.Scan(&sig, &st); err != nil {
			_ = rows.Close()
			return storageErr("scan environment member", err)
		}
		parsed, err := status.ParseIndexStatus(st)
		if err != nil {
			_ = rows.Close()
			return storageErr("scan environment member", err)
		}
		sigs = append(sigs, sig)
		statuses = append(statuses, parsed)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return storageErr("read environment members", err)
	}
	_ = rows.Close()

	_, err = tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE environments SET signature = ?, status = ?, updated_at = ? WHERE id = ?`),
		stepspec.EnvironmentSignature(sigs), status.Aggregate(statuses).String(), now, environmentID)
	return storageErr("update environment", err)
}

// ListEnvironments lists environments (without members) ordered by creation.
func (s *Store) ListEnvironments(ctx context.Context) ([]Environment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+environmentColumns+` FROM environments ORDER BY created_at, id`)
	if err != nil {
		return nil, storageErr("list environments", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Environment
	for rows.Next() {
		var env Environment
		var st string
		var created, updated dbTime
		if err := rows.Scan(&env.ID, &env.BackgroundID, &env.Signature, &st, &created, &updated); err != nil {
			return nil, storageErr("scan environment", err)
		}
		if env.Status, err = status.ParseIndexStatus(st); err != nil {
			return nil, storageErr("scan environment", err)
		}
		env.CreatedAt, env.UpdatedAt = created.Time, updated.Time
		out = append(out, env)
	}
	return out, storageErr("list environments", rows.Err())
}
