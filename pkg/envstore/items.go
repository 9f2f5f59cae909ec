package envstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/specenv/pkg/status"
)

// Item is a downloadable data artifact backing one or more indexes.
type Item struct {
	ID          string            `json:"id"`
	SourceURL   string            `json:"source_url"`
	Filename    string            `json:"filename,omitempty"`
	ContentHash string            `json:"content_hash,omitempty"`
	SizeKB      float64           `json:"size_kb"`
	Status      status.FileStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewItem describes an item to attach to an index.
type NewItem struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url"`
}

// Artifact carries the verified result of a completed download.
type Artifact struct {
	Filename    string
	ContentHash string
	SizeKB      float64
}

const itemColumns = `id, source_url, filename, content_hash, size_kb, status, created_at, updated_at`

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var st string
	var created, updated dbTime
	if err := row.Scan(&it.ID, &it.SourceURL, &it.Filename, &it.ContentHash, &it.SizeKB, &st, &created, &updated); err != nil {
		return nil, err
	}
	parsed, err := status.ParseFileStatus(st)
	if err != nil {
		return nil, err
	}
	it.Status = parsed
	it.CreatedAt, it.UpdatedAt = created.Time, updated.Time
	return &it, nil
}

// GetItem returns an item by id.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("item", id)
	}
	if err != nil {
		return nil, storageErr("get item", err)
	}
	return it, nil
}

// ListItemsForIndex lists the items linked to an index ordered by id.
func (s *Store) ListItemsForIndex(ctx context.Context, indexID string) ([]Item, error) {
	return s.listItems(ctx,
		`SELECT it.id, it.source_url, it.filename, it.content_hash, it.size_kb, it.status, it.created_at, it.updated_at
		 FROM items it JOIN index_items ii ON ii.item_id = it.id
		 WHERE ii.index_id = ? ORDER BY it.id`, indexID)
}

// ListItemsByStatus lists items currently in st ordered by id.
func (s *Store) ListItemsByStatus(ctx context.Context, st status.FileStatus) ([]Item, error) {
	return s.listItems(ctx, `SELECT `+itemColumns+` FROM items WHERE status = ? ORDER BY id`, st.String())
}

func (s *Store) listItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, storageErr("list items", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, storageErr("scan item", err)
		}
		out = append(out, *it)
	}
	return out, storageErr("list items", rows.Err())
}

// AttachItem links an item to an index, creating it at NotAvailable when it
// does not exist yet.
func (s *Store) AttachItem(ctx context.Context, indexID string, it NewItem) (*Item, error) {
	err := s.withTx(ctx, "attach item", func(tx *sql.Tx) error {
		ok, err := s.exists(ctx, tx, "get index", `SELECT 1 FROM indexes WHERE id = ?`, indexID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("index", indexID)
		}
		return s.attachItem(ctx, tx, indexID, it, formatDBTime(time.Now()))
	})
	if err != nil {
		return nil, err
	}
	return s.GetItem(ctx, it.ID)
}

func (s *Store) attachItem(ctx context.Context, tx *sql.Tx, indexID string, it NewItem, now string) error {
	if it.ID == "" || it.SourceURL == "" {
		return fmt.Errorf("item id and source url are required")
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO items (id, source_url, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`),
		it.ID, it.SourceURL, status.FileNotAvailable.String(), now, now); err != nil {
		return storageErr("insert item", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO index_items (index_id, item_id) VALUES (?, ?)
		 ON CONFLICT(index_id, item_id) DO NOTHING`),
		indexID, it.ID); err != nil {
		return storageErr("link item", err)
	}
	return nil
}

// DetachItem removes the link between an index and an item. When no link
// remains the item itself is deleted; removed reports whether that happened.
func (s *Store) DetachItem(ctx context.Context, indexID, itemID string) (removed bool, err error) {
	err = s.withTx(ctx, "detach item", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.dialect.rebind(
			`DELETE FROM index_items WHERE index_id = ? AND item_id = ?`), indexID, itemID)
		if err != nil {
			return storageErr("unlink item", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return storageErr("unlink item", err)
		} else if n == 0 {
			return notFound("item link", indexID+"/"+itemID)
		}

		referenced, err := s.exists(ctx, tx, "get item links", `SELECT 1 FROM index_items WHERE item_id = ?`, itemID)
		if err != nil {
			return err
		}
		if referenced {
			return nil
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM items WHERE id = ?`), itemID); err != nil {
			return storageErr("delete item", err)
		}
		removed = true
		return nil
	})
	return removed, err
}

// SetItemStatus moves an item from one status to another. An artifact is
// required to reach FileAvailable and is written in the same statement as
// the status. ErrStatusMismatch is returned when the item is no longer in
// from.
func (s *Store) SetItemStatus(ctx context.Context, id string, from, to status.FileStatus, artifact *Artifact) (*Item, error) {
	if to == status.FileAvailable && (artifact == nil || artifact.ContentHash == "" || artifact.Filename == "") {
		return nil, fmt.Errorf("item %s: available status requires filename and content hash", id)
	}

	now := formatDBTime(time.Now())
	var (
		res sql.Result
		err error
	)
	if artifact != nil {
		res, err = s.db.ExecContext(ctx, s.dialect.rebind(
			`UPDATE items SET status = ?, filename = ?, content_hash = ?, size_kb = ?, updated_at = ?
			 WHERE id = ? AND status = ?`),
			to.String(), artifact.Filename, artifact.ContentHash, artifact.SizeKB, now, id, from.String())
	} else {
		res, err = s.db.ExecContext(ctx, s.dialect.rebind(
			`UPDATE items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
			to.String(), now, id, from.String())
	}
	if err != nil {
		return nil, storageErr("set item status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storageErr("set item status", err)
	}

	it, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return it, fmt.Errorf("item %s is %s, not %s: %w", id, it.Status, from, ErrStatusMismatch)
	}
	return it, nil
}

// ResetStaleItems moves every item left in DownloadInProgress to
// DownloadError. It is meant to run before any fetch starts.
func (s *Store) ResetStaleItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE items SET status = ?, updated_at = ? WHERE status = ?`),
		status.FileDownloadError.String(), formatDBTime(time.Now()), status.FileDownloadInProgress.String())
	if err != nil {
		return 0, storageErr("reset stale items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("reset stale items", err)
	}
	return n, nil
}
