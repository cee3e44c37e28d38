package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"gocohort/domain/core"
	"gocohort/domain/inference"
	"gocohort/domain/weighting"
	"gocohort/internal/errors"
	"gocohort/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS weight_sets (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	key         TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	UNIQUE(run_id, key)
);
CREATE TABLE IF NOT EXISTS balance_tables (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	rule       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS model_fits (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS contrasts (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS sensitivity (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Store persists run artifacts in an embedded sqlite database. Artifacts are
// append-only: a weight set for an already-stored (run, estimand, rule,
// truncation) key is rejected, never overwritten, so every candidate
// weighting from a run stays inspectable.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (and if necessary initializes) the artifact database
func NewStore(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open artifact database")
	}
	// modernc sqlite is single-writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize artifact schema")
	}
	return &Store{db: db}, nil
}

var _ ports.ArtifactStore = (*Store)(nil)

// SaveWeightSet stores one immutable weight set artifact
func (s *Store) SaveWeightSet(ctx context.Context, ws *weighting.WeightSet) error {
	payload, err := json.Marshal(ws)
	if err != nil {
		return errors.Wrap(err, "failed to marshal weight set")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO weight_sets (id, run_id, key, fingerprint, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ws.ID, ws.RunID, ws.Key(), ws.Fingerprint(), payload, time.Now().UTC())
	if err != nil {
		return errors.WithCode(errors.CodeStoreError,
			errors.Wrapf(err, "failed to store weight set %s for run %s", ws.Key(), ws.RunID))
	}
	return nil
}

// GetWeightSet fetches one weight set by run and variant key
func (s *Store) GetWeightSet(ctx context.Context, runID core.RunID, key string) (*weighting.WeightSet, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM weight_sets WHERE run_id = $1 AND key = $2`,
		runID, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: weight set %s in run %s", core.ErrArtifactNotFound, key, runID)
	}
	if err != nil {
		return nil, errors.WithCode(errors.CodeStoreError, err)
	}
	var ws weighting.WeightSet
	if err := json.Unmarshal(payload, &ws); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal weight set")
	}
	return &ws, nil
}

// ListWeightSets returns every weight set stored for a run
func (s *Store) ListWeightSets(ctx context.Context, runID core.RunID) ([]weighting.WeightSet, error) {
	var out []weighting.WeightSet
	err := s.listPayloads(ctx, `SELECT payload FROM weight_sets WHERE run_id = $1 ORDER BY key`, runID,
		func(payload []byte) error {
			var ws weighting.WeightSet
			if err := json.Unmarshal(payload, &ws); err != nil {
				return err
			}
			out = append(out, ws)
			return nil
		})
	return out, err
}

// SaveBalanceTable stores one stopping rule's balance diagnostics
func (s *Store) SaveBalanceTable(ctx context.Context, runID core.RunID, table *weighting.BalanceTable) error {
	payload, err := json.Marshal(table)
	if err != nil {
		return errors.Wrap(err, "failed to marshal balance table")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO balance_tables (id, run_id, rule, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		core.NewID(), runID, table.Rule, payload, time.Now().UTC())
	if err != nil {
		return errors.WithCode(errors.CodeStoreError, err)
	}
	return nil
}

// ListBalanceTables returns every balance table stored for a run
func (s *Store) ListBalanceTables(ctx context.Context, runID core.RunID) ([]weighting.BalanceTable, error) {
	var out []weighting.BalanceTable
	err := s.listPayloads(ctx, `SELECT payload FROM balance_tables WHERE run_id = $1 ORDER BY rule`, runID,
		func(payload []byte) error {
			var t weighting.BalanceTable
			if err := json.Unmarshal(payload, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	return out, err
}

// SaveModelFit stores one fitted model
func (s *Store) SaveModelFit(ctx context.Context, fit *inference.ModelFit) error {
	payload, err := json.Marshal(fit)
	if err != nil {
		return errors.Wrap(err, "failed to marshal model fit")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_fits (id, run_id, payload, created_at) VALUES ($1, $2, $3, $4)`,
		fit.ID, fit.RunID, payload, time.Now().UTC())
	if err != nil {
		return errors.WithCode(errors.CodeStoreError, err)
	}
	return nil
}

// ListModelFits returns every model fit stored for a run
func (s *Store) ListModelFits(ctx context.Context, runID core.RunID) ([]inference.ModelFit, error) {
	var out []inference.ModelFit
	err := s.listPayloads(ctx, `SELECT payload FROM model_fits WHERE run_id = $1 ORDER BY created_at, id`, runID,
		func(payload []byte) error {
			var f inference.ModelFit
			if err := json.Unmarshal(payload, &f); err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	return out, err
}

// SaveContrast stores one pairwise contrast
func (s *Store) SaveContrast(ctx context.Context, runID core.RunID, c *inference.Contrast) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal contrast")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contrasts (id, run_id, payload, created_at) VALUES ($1, $2, $3, $4)`,
		core.NewID(), runID, payload, time.Now().UTC())
	if err != nil {
		return errors.WithCode(errors.CodeStoreError, err)
	}
	return nil
}

// ListContrasts returns every contrast stored for a run
func (s *Store) ListContrasts(ctx context.Context, runID core.RunID) ([]inference.Contrast, error) {
	var out []inference.Contrast
	err := s.listPayloads(ctx, `SELECT payload FROM contrasts WHERE run_id = $1 ORDER BY created_at, id`, runID,
		func(payload []byte) error {
			var c inference.Contrast
			if err := json.Unmarshal(payload, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	return out, err
}

// SaveSensitivity stores one contrast's sensitivity statistics
func (s *Store) SaveSensitivity(ctx context.Context, runID core.RunID, r *inference.SensitivityResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "failed to marshal sensitivity result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sensitivity (id, run_id, payload, created_at) VALUES ($1, $2, $3, $4)`,
		core.NewID(), runID, payload, time.Now().UTC())
	if err != nil {
		return errors.WithCode(errors.CodeStoreError, err)
	}
	return nil
}

// ListSensitivity returns every sensitivity result stored for a run
func (s *Store) ListSensitivity(ctx context.Context, runID core.RunID) ([]inference.SensitivityResult, error) {
	var out []inference.SensitivityResult
	err := s.listPayloads(ctx, `SELECT payload FROM sensitivity WHERE run_id = $1 ORDER BY created_at, id`, runID,
		func(payload []byte) error {
			var r inference.SensitivityResult
			if err := json.Unmarshal(payload, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	return out, err
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) listPayloads(ctx context.Context, query string, runID core.RunID, each func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return errors.WithCode(errors.CodeStoreError, err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return errors.WithCode(errors.CodeStoreError, err)
		}
		if err := each(payload); err != nil {
			return errors.Wrap(err, "failed to unmarshal artifact payload")
		}
	}
	return rows.Err()
}
