package personas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spy-chat-core/server/internal/agent/model"
	errx "github.com/spy-chat-core/server/internal/core/error"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// SQLiteStore is the read path for spy profiles. Seeding is the only writer.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS spies (
		id        TEXT PRIMARY KEY,
		name      TEXT NOT NULL,
		codename  TEXT NOT NULL UNIQUE,
		biography TEXT NOT NULL DEFAULT '',
		specialty TEXT NOT NULL DEFAULT ''
	);
	`)
	return err
}

// GetPersona looks a spy up by id, falling back to a case-insensitive codename match.
func (s *SQLiteStore) GetPersona(ctx context.Context, id string) (*model.Persona, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errx.Invalid("persona id is required")
	}

	var p model.Persona
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, codename, biography, specialty FROM spies
		 WHERE id = ? OR codename = ? COLLATE NOCASE
		 ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END
		 LIMIT 1`,
		id, id, id,
	).Scan(&p.ID, &p.Name, &p.Codename, &p.Biography, &p.Specialty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errx.New(fmt.Errorf("%w: %s", errx.ErrPersonaNotFound, id), http.StatusNotFound, errx.ErrPersonaNotFound.Error())
		}
		logx.Error().Err(err).Str("persona_id", id).Msg("failed to load persona")
		return nil, errx.WrapStore(err)
	}
	return &p, nil
}

func (s *SQLiteStore) ListPersonas(ctx context.Context) ([]model.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, codename, biography, specialty FROM spies ORDER BY name`)
	if err != nil {
		logx.Error().Err(err).Msg("failed to list personas")
		return nil, errx.WrapStore(err)
	}
	defer rows.Close()

	out := []model.Persona{}
	for rows.Next() {
		var p model.Persona
		if err := rows.Scan(&p.ID, &p.Name, &p.Codename, &p.Biography, &p.Specialty); err != nil {
			return nil, errx.WrapStore(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapStore(err)
	}
	return out, nil
}

// Upsert writes profiles in one transaction. Used by seeding only.
func (s *SQLiteStore) Upsert(ctx context.Context, personas []model.Persona) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errx.WrapStore(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spies (id, name, codename, biography, specialty)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			codename = excluded.codename,
			biography = excluded.biography,
			specialty = excluded.specialty`)
	if err != nil {
		return errx.WrapStore(fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	for _, p := range personas {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Name, p.Codename, p.Biography, p.Specialty); err != nil {
			return errx.WrapStore(fmt.Errorf("upsert %s: %w", p.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return errx.WrapStore(fmt.Errorf("commit: %w", err))
	}
	return nil
}

var _ model.PersonaStore = (*SQLiteStore)(nil)
