package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/logger"
)

// Params configures the Neo4j store. VectorIndex requires the entity
// and chunk vector indexes (see entityIndexName, chunkIndexName);
// NativeRank requires the GDS plugin and a projected graph named
// GDSGraph.
type Params struct {
	URI      string
	Username string
	Password string
	Database string

	VectorIndex bool
	NativeRank  bool
	GDSGraph    string
}

// Store is the Neo4j kgs.Store. Nodes carry a tenant_id property and
// every Cypher statement binds $tenant_id through the statement
// builder. One session is opened per query.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	gdsGraph string
	caps     kgs.Capabilities
}

// NewGraphStore connects to Neo4j and verifies connectivity, retrying
// transient failures before giving up.
func NewGraphStore(ctx context.Context, params Params) (*Store, error) {
	if params.URI == "" {
		params.URI = "bolt://localhost:7687"
	}
	if params.Database == "" {
		params.Database = "neo4j"
	}
	if params.GDSGraph == "" {
		params.GDSGraph = "entities"
	}

	driver, err := neo4j.NewDriverWithContext(
		params.URI,
		neo4j.BasicAuth(params.Username, params.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kgs.ErrUnavailable, err)
	}

	err = util.RetryErrWithContext(ctx, 5, func(ctx context.Context) error {
		return driver.VerifyConnectivity(ctx)
	})
	if err != nil {
		logger.Error("Failed to connect to neo4j", "uri", params.URI, "err", err)
		return nil, fmt.Errorf("%w: %w", kgs.ErrUnavailable, err)
	}

	return &Store{
		driver:   driver,
		database: params.Database,
		gdsGraph: params.GDSGraph,
		caps: kgs.Capabilities{
			VectorIndex: params.VectorIndex,
			NativeRank:  params.NativeRank,
		},
	}, nil
}

func (s *Store) Capabilities() kgs.Capabilities {
	return s.caps
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %w", kgs.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() {
	if err := s.driver.Close(context.Background()); err != nil {
		logger.Error("Failed to close neo4j driver", "err", err)
	}
}

// read binds text and params to the tenant and runs the statement in a
// read transaction on a fresh session.
func (s *Store) read(ctx context.Context, text string, tenant string, params map[string]any) ([]*neo4j.Record, error) {
	stmt, err := kgs.NewStatement(text, tenant, params)
	if err != nil {
		return nil, err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, stmt.Text(), stmt.Params())
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*neo4j.Record), nil
}
