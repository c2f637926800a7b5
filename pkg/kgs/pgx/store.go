package pgx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/korelab/kora/pkg/kgs"
)

// Store is the Postgres+pgvector kgs.Store. It serves vector similarity
// through pgvector and leaves ranking to the in-process approximation.
// All statements go through the tenant-binding statement builder.
type Store struct {
	pool *pgxpool.Pool
}

// NewGraphStore wraps an existing connection pool. The pool must have
// pgvector types registered.
func NewGraphStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Capabilities() kgs.Capabilities {
	return kgs.Capabilities{
		VectorIndex: true,
		NativeRank:  false,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", kgs.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// query binds text and params to the tenant and runs the statement.
func (s *Store) query(ctx context.Context, text string, tenant string, params map[string]any) (pgx.Rows, error) {
	stmt, err := kgs.NewStatement(text, tenant, params)
	if err != nil {
		return nil, err
	}
	return s.pool.Query(ctx, stmt.Text(), pgx.NamedArgs(stmt.Params()))
}

// queryRow binds text and params to the tenant and runs a single-row
// statement.
func (s *Store) queryRow(ctx context.Context, text string, tenant string, params map[string]any) (pgx.Row, error) {
	stmt, err := kgs.NewStatement(text, tenant, params)
	if err != nil {
		return nil, err
	}
	return s.pool.QueryRow(ctx, stmt.Text(), pgx.NamedArgs(stmt.Params())), nil
}
