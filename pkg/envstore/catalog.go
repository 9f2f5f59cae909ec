package envstore

import (
	"context"
	"database/sql"
	"errors"
)

// IndexType is a known kind of index.
type IndexType struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// DataSource is a known source of data. URLTemplate may reference {region}.
type DataSource struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	URLTemplate string `json:"url_template,omitempty" yaml:"url_template,omitempty"`
}

// Compatibility states that a data source may feed an index type.
type Compatibility struct {
	IndexType  string `json:"index_type" yaml:"index_type"`
	DataSource string `json:"data_source" yaml:"data_source"`
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exists(ctx context.Context, q querier, op, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.dialect.rebind(query), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr(op, err)
	}
	return true, nil
}

// HasIndexType reports whether the index type is in the catalog.
func (s *Store) HasIndexType(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, s.db, "get index type", `SELECT 1 FROM index_types WHERE id = ?`, id)
}

// HasDataSource reports whether the data source is in the catalog.
func (s *Store) HasDataSource(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, s.db, "get data source", `SELECT 1 FROM data_sources WHERE id = ?`, id)
}

// HasCompatibility reports whether dataSource may feed indexType.
func (s *Store) HasCompatibility(ctx context.Context, dataSource, indexType string) (bool, error) {
	return s.exists(ctx, s.db, "get compatibility",
		`SELECT 1 FROM index_type_data_sources WHERE data_source = ? AND index_type = ?`,
		dataSource, indexType)
}

// GetDataSource returns a data source entry.
func (s *Store) GetDataSource(ctx context.Context, id string) (*DataSource, error) {
	return s.getDataSource(ctx, s.db, id)
}

func (s *Store) getDataSource(ctx context.Context, q querier, id string) (*DataSource, error) {
	var ds DataSource
	err := q.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, description, url_template FROM data_sources WHERE id = ?`), id).
		Scan(&ds.ID, &ds.Description, &ds.URLTemplate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("data source", id)
	}
	if err != nil {
		return nil, storageErr("get data source", err)
	}
	return &ds, nil
}

// UpsertIndexType inserts or updates an index type.
func (s *Store) UpsertIndexType(ctx context.Context, t IndexType) error {
	return s.upsertIndexType(ctx, s.db, t)
}

// UpsertDataSource inserts or updates a data source.
func (s *Store) UpsertDataSource(ctx context.Context, ds DataSource) error {
	return s.upsertDataSource(ctx, s.db, ds)
}

// AddCompatibility records a compatible pair. Existing pairs are left as is.
func (s *Store) AddCompatibility(ctx context.Context, c Compatibility) error {
	return s.addCompatibility(ctx, s.db, c)
}

// CatalogTx writes catalog entries inside one transaction. It is only valid
// for the duration of the UpdateCatalog callback.
type CatalogTx struct {
	s  *Store
	tx *sql.Tx
}

func (c CatalogTx) UpsertIndexType(ctx context.Context, t IndexType) error {
	return c.s.upsertIndexType(ctx, c.tx, t)
}

func (c CatalogTx) UpsertDataSource(ctx context.Context, ds DataSource) error {
	return c.s.upsertDataSource(ctx, c.tx, ds)
}

func (c CatalogTx) AddCompatibility(ctx context.Context, cp Compatibility) error {
	return c.s.addCompatibility(ctx, c.tx, cp)
}

// UpdateCatalog runs fn in a transaction. Nothing fn wrote is kept when it
// returns an error.
func (s *Store) UpdateCatalog(ctx context.Context, fn func(tx CatalogTx) error) error {
	return s.withTx(ctx, "update catalog", func(tx *sql.Tx) error {
		return fn(CatalogTx{s: s, tx: tx})
	})
}

func (s *Store) upsertIndexType(ctx context.Context, q querier, t IndexType) error {
	_, err := q.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO index_types (id, description) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET description = excluded.description`),
		t.ID, t.Description)
	return storageErr("upsert index type", err)
}

func (s *Store) upsertDataSource(ctx context.Context, q querier, ds DataSource) error {
	_, err := q.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO data_sources (id, description, url_template) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET description = excluded.description,
		   url_template = excluded.url_template`),
		ds.ID, ds.Description, ds.URLTemplate)
	return storageErr("upsert data source", err)
}

func (s *Store) addCompatibility(ctx context.Context, q querier, c Compatibility) error {
	_, err := q.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO index_type_data_sources (index_type, data_source) VALUES (?, ?)
		 ON CONFLICT(index_type, data_source) DO NOTHING`),
		c.IndexType, c.DataSource)
	return storageErr("add compatibility", err)
}

// ListIndexTypes lists the index type catalog ordered by id.
func (s *Store) ListIndexTypes(ctx context.Context) ([]IndexType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, description FROM index_types ORDER BY id`)
	if err != nil {
		return nil, storageErr("list index types", err)
	}
	defer func() { _ = rows.Close() }()

	var out []IndexType
	for rows.Next() {
		var t IndexType
		if err := rows.Scan(&t.ID, &t.Description); err != nil {
			return nil, storageErr("scan index type", err)
		}
		out = append(out, t)
	}
	return out, storageErr("list index types", rows.Err())
}

// ListDataSources lists the data source catalog ordered by id.
func (s *Store) ListDataSources(ctx context.Context) ([]DataSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, description, url_template FROM data_sources ORDER BY id`)
	if err != nil {
		return nil, storageErr("list data sources", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DataSource
	for rows.Next() {
		var ds DataSource
		if err := rows.Scan(&ds.ID, &ds.Description, &ds.URLTemplate); err != nil {
			return nil, storageErr("scan data source", err)
		}
		out = append(out, ds)
	}
	return out, storageErr("list data sources", rows.Err())
}

// ListCompatibilities lists all compatible pairs.
func (s *Store) ListCompatibilities(ctx context.Context) ([]Compatibility, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT index_type, data_source FROM index_type_data_sources ORDER BY index_type, data_source`)
	if err != nil {
		return nil, storageErr("list compatibilities", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Compatibility
	for rows.Next() {
		var c Compatibility
		if err := rows.Scan(&c.IndexType, &c.DataSource); err != nil {
			return nil, storageErr("scan compatibility", err)
		}
		out = append(out, c)
	}
	return out, storageErr("list compatibilities", rows.Err())
}
