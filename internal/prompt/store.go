package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads the prompt catalog from PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a prompt store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const promptColumns = `id, key, name, COALESCE(description, ''), model, prompt`

// ByKey looks up a prompt by its capability key.
func (s *Store) ByKey(ctx context.Context, key string) (*Template, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM ai_prompts WHERE key = $1`, key)

	tmpl, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("querying prompt %s: %w", key, err)
	}
	return tmpl, nil
}

// List returns the full prompt catalog.
func (s *Store) List(ctx context.Context) ([]*Template, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+promptColumns+` FROM ai_prompts ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("querying prompts: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning prompt: %w", err)
		}
		templates = append(templates, tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading prompts: %w", err)
	}
	return templates, nil
}

func scanTemplate(row pgx.Row) (*Template, error) {
	var (
		t       Template
		id      pgtype.UUID
		rawJSON []byte
	)
	if err := row.Scan(&id, &t.Key, &t.Name, &t.Description, &t.Model, &rawJSON); err != nil {
		return nil, err
	}
	if id.Valid {
		t.ID = id.Bytes
	}
	if err := json.Unmarshal(rawJSON, &t.Prompt); err != nil {
		return nil, fmt.Errorf("unmarshaling prompt fragments: %w", err)
	}
	return &t, nil
}
