package workbasket

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ent0n29/taskrouter/internal/session"
)

type Handles interface {
	DB(ctx context.Context) session.DBTX
}

type PostgresStore struct {
	handles Handles
}

func NewPostgresStore(ctx context.Context, handles Handles) (*PostgresStore, error) {
	db := handles.DB(ctx)
	if db == nil {
		return nil, errors.New("postgres workbasket store needs a database handle")
	}
	_, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS workbaskets (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		access JSONB NOT NULL DEFAULT '[]'::jsonb,
		distribution_targets TEXT[] NOT NULL DEFAULT '{}'
	);`)
	if err != nil {
		return nil, fmt.Errorf("init workbasket schema: %w", err)
	}
	return &PostgresStore{handles: handles}, nil
}

func (s *PostgresStore) GetWorkbasket(ctx context.Context, id string) (Workbasket, error) {
	var wb Workbasket
	err := s.handles.DB(ctx).QueryRow(ctx,
		`SELECT id, key, name, domain, access, distribution_targets FROM workbaskets WHERE id=$1`,
		id,
	).Scan(&wb.ID, &wb.Key, &wb.Name, &wb.Domain, &wb.Access, &wb.DistributionTargets)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workbasket{}, ErrStoreNotFound
		}
		return Workbasket{}, fmt.Errorf("get workbasket: %w", err)
	}
	return wb, nil
}

func (s *PostgresStore) ListDistributionTargets(ctx context.Context, id string) ([]string, error) {
	var targets []string
	err := s.handles.DB(ctx).QueryRow(ctx,
		`SELECT distribution_targets FROM workbaskets WHERE id=$1`,
		id,
	).Scan(&targets)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("list distribution targets: %w", err)
	}
	return targets, nil
}

func (s *PostgresStore) SaveWorkbasket(ctx context.Context, wb Workbasket) error {
	access := wb.Access
	if access == nil {
		access = []AccessItem{}
	}
	targets := wb.DistributionTargets
	if targets == nil {
		targets = []string{}
	}
	_, err := s.handles.DB(ctx).Exec(ctx,
		`INSERT INTO workbaskets (id, key, name, domain, access, distribution_targets)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET
			key=EXCLUDED.key,
			name=EXCLUDED.name,
			domain=EXCLUDED.domain,
			access=EXCLUDED.access,
			distribution_targets=EXCLUDED.distribution_targets`,
		wb.ID, wb.Key, wb.Name, wb.Domain, access, targets,
	)
	if err != nil {
		return fmt.Errorf("save workbasket: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return nil }

// NewStore mirrors tasks.NewStore.
func NewStore(ctx context.Context, handles Handles) (Store, error) {
	if handles == nil || handles.DB(ctx) == nil {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, handles)
}
