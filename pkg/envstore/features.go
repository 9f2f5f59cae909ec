package envstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/specenv/pkg/feature"
	"github.com/3leaps/specenv/pkg/status"
	"github.com/3leaps/specenv/pkg/stepspec"
)

const (
	ownerBackground = "background"
	ownerScenario   = "scenario"
)

// FeatureRecord is a persisted feature header.
type FeatureRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	BackgroundID string    `json:"background_id,omitempty"`
	Scenarios    int       `json:"scenarios"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Background is the persisted Given-context of a feature.
type Background struct {
	ID        string    `json:"id"`
	FeatureID string    `json:"feature_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one persisted specification line.
type Step struct {
	ID        string           `json:"id"`
	Position  int              `json:"position"`
	Type      feature.StepType `json:"step_type"`
	Value     string           `json:"value"`
	Docstring string           `json:"docstring,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ImportFeature persists a parsed feature. A feature with the same name is
// replaced in place: its scenarios and steps are rewritten, and its
// background keeps its id but loses its environment links so the next
// materialization reflects the new steps.
func (s *Store) ImportFeature(ctx context.Context, f *feature.Feature) (*FeatureRecord, error) {
	if f == nil {
		return nil, fmt.Errorf("feature is nil")
	}

	var featureID string
	err := s.withTx(ctx, "import feature", func(tx *sql.Tx) error {
		now := formatDBTime(time.Now())
		tags, err := json.Marshal(nonNil(f.Tags))
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}

		var backgroundID string
		err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT id FROM features WHERE name = ?`), f.Name).Scan(&featureID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			featureID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(
				`INSERT INTO features (id, name, description, tags, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?)`),
				featureID, f.Name, f.Description, string(tags), now, now); err != nil {
				return storageErr("insert feature", err)
			}
		case err != nil:
			return storageErr("find feature", err)
		default:
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(
				`UPDATE features SET description = ?, tags = ?, updated_at = ? WHERE id = ?`),
				f.Description, string(tags), now, featureID); err != nil {
				return storageErr("update feature", err)
			}
			if backgroundID, err = s.clearFeature(ctx, tx, featureID, f.Background != nil, now); err != nil {
				return err
			}
		}

		if f.Background != nil {
			if backgroundID == "" {
				backgroundID = uuid.NewString()
				if _, err := tx.ExecContext(ctx, s.dialect.rebind(
					`INSERT INTO backgrounds (id, feature_id, created_at, updated_at) VALUES (?, ?, ?, ?)`),
					backgroundID, featureID, now, now); err != nil {
					return storageErr("insert background", err)
				}
			}
			if err := s.insertSteps(ctx, tx, backgroundID, ownerBackground, f.Background.Steps, now); err != nil {
				return err
			}
		}

		for i, sc := range f.Scenarios {
			scTags, err := json.Marshal(nonNil(sc.Tags))
			if err != nil {
				return fmt.Errorf("marshal scenario tags: %w", err)
			}
			scenarioID := uuid.NewString()
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(
				`INSERT INTO scenarios (id, feature_id, name, position, tags, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`),
				scenarioID, featureID, sc.Name, i, string(scTags), now, now); err != nil {
				return storageErr("insert scenario", err)
			}
			if err := s.insertSteps(ctx, tx, scenarioID, ownerScenario, sc.Steps, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetFeature(ctx, featureID)
}

// clearFeature removes the scenarios and steps of an existing feature. When
// keepBackground is set the background row survives (returning its id) with
// its environment emptied; otherwise background and environment are removed.
func (s *Store) clearFeature(ctx context.Context, tx *sql.Tx, featureID string, keepBackground bool, now string) (string, error) {
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM steps WHERE owner_kind = ? AND owner_id IN (SELECT id FROM scenarios WHERE feature_id = ?)`),
		ownerScenario, featureID); err != nil {
		return "", storageErr("delete scenario steps", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM scenarios WHERE feature_id = ?`), featureID); err != nil {
		return "", storageErr("delete scenarios", err)
	}

	var backgroundID string
	err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT id FROM backgrounds WHERE feature_id = ?`), featureID).Scan(&backgroundID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("find background", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM steps WHERE owner_kind = ? AND owner_id = ?`), ownerBackground, backgroundID); err != nil {
		return "", storageErr("delete background steps", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM environment_indexes WHERE environment_id IN (SELECT id FROM environments WHERE background_id = ?)`),
		backgroundID); err != nil {
		return "", storageErr("reset environment links", err)
	}

	if keepBackground {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE environments SET signature = ?, status = ?, updated_at = ? WHERE background_id = ?`),
			stepspec.EnvironmentSignature(nil), status.NotAvailable.String(), now, backgroundID); err != nil {
			return "", storageErr("reset environment", err)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE backgrounds SET updated_at = ? WHERE id = ?`), now, backgroundID); err != nil {
			return "", storageErr("touch background", err)
		}
		return backgroundID, nil
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM environments WHERE background_id = ?`), backgroundID); err != nil {
		return "", storageErr("delete environment", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM backgrounds WHERE id = ?`), backgroundID); err != nil {
		return "", storageErr("delete background", err)
	}
	return "", nil
}

func (s *Store) insertSteps(ctx context.Context, tx *sql.Tx, ownerID, ownerKind string, steps []feature.Step, now string) error {
	for i, st := range steps {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO steps (id, owner_id, owner_kind, position, step_type, value, docstring, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			uuid.NewString(), ownerID, ownerKind, i, string(st.Type), st.Text, st.Docstring, now, now); err != nil {
			return storageErr("insert step", err)
		}
	}
	return nil
}

// GetFeature returns a feature header by id.
func (s *Store) GetFeature(ctx context.Context, id string) (*FeatureRecord, error) {
	rec, err := s.scanFeature(s.db.QueryRowContext(ctx, s.dialect.rebind(featureSelect+` WHERE f.id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("feature", id)
	}
	if err != nil {
		return nil, storageErr("get feature", err)
	}
	return rec, nil
}

// ListFeatures lists feature headers ordered by name.
func (s *Store) ListFeatures(ctx context.Context) ([]FeatureRecord, error) {
	rows, err := s.db.QueryContext(ctx, featureSelect+` ORDER BY f.name`)
	if err != nil {
		return nil, storageErr("list features", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FeatureRecord
	for rows.Next() {
		rec, err := s.scanFeature(rows)
		if err != nil {
			return nil, storageErr("scan feature", err)
		}
		out = append(out, *rec)
	}
	return out, storageErr("list features", rows.Err())
}

const featureSelect = `SELECT f.id, f.name, f.description, f.tags,
	COALESCE(b.id, ''),
	(SELECT COUNT(*) FROM scenarios sc WHERE sc.feature_id = f.id),
	f.created_at, f.updated_at
	FROM features f LEFT JOIN backgrounds b ON b.feature_id = f.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanFeature(row rowScanner) (*FeatureRecord, error) {
	var rec FeatureRecord
	var tags string
	var created, updated dbTime
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Description, &tags, &rec.BackgroundID, &rec.Scenarios, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	rec.CreatedAt, rec.UpdatedAt = created.Time, updated.Time
	return &rec, nil
}

// GetBackground returns a background by id.
func (s *Store) GetBackground(ctx context.Context, id string) (*Background, error) {
	var bg Background
	var created, updated dbTime
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, feature_id, created_at, updated_at FROM backgrounds WHERE id = ?`), id).
		Scan(&bg.ID, &bg.FeatureID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("background", id)
	}
	if err != nil {
		return nil, storageErr("get background", err)
	}
	bg.CreatedAt, bg.UpdatedAt = created.Time, updated.Time
	return &bg, nil
}

// GetBackgroundSteps returns the steps of a background in stored order.
func (s *Store) GetBackgroundSteps(ctx context.Context, backgroundID string) ([]Step, error) {
	if _, err := s.GetBackground(ctx, backgroundID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, position, step_type, value, docstring, created_at, updated_at
		 FROM steps WHERE owner_kind = ? AND owner_id = ? ORDER BY position`),
		ownerBackground, backgroundID)
	if err != nil {
		return nil, storageErr("get background steps", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Step
	for rows.Next() {
		var st Step
		var stepType string
		var created, updated dbTime
		if err := rows.Scan(&st.ID, &st.Position, &stepType, &st.Value, &st.Docstring, &created, &updated); err != nil {
			return nil, storageErr("scan step", err)
		}
		st.Type = feature.StepType(stepType)
		st.CreatedAt, st.UpdatedAt = created.Time, updated.Time
		out = append(out, st)
	}
	return out, storageErr("get background steps", rows.Err())
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
