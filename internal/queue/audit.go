package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rabbitmq/amqp091-go"

	"github.com/korelab/kora/pkg/query"
)

// AuditQueue carries one QueryCompleted event per finished query.
const AuditQueue = "audit_queue"

// QueryCompleted is the audit record of one answered query. It carries
// the query's hash rather than its text, so the audit trail never
// stores raw questions.
type QueryCompleted struct {
	EventID            string    `json:"event_id"`
	Tenant             string    `json:"tenant"`
	QueryID            string    `json:"query_id"`
	QueryHash          string    `json:"query_hash"`
	Profile            string    `json:"profile"`
	RouteUsed          string    `json:"route_used"`
	ClassifiedRoute    string    `json:"classified_route"`
	Confidence         float64   `json:"confidence"`
	Provisional        bool      `json:"provisional"`
	Degraded           bool      `json:"degraded"`
	Cached             bool      `json:"cached"`
	EvidenceConsidered int       `json:"evidence_considered"`
	EvidenceUsed       int       `json:"evidence_used"`
	DurationMs         int64     `json:"duration_ms"`
	CompletedAt        time.Time `json:"completed_at"`
}

func NewQueryCompleted(tenant, queryText string, resp *query.QueryResponse) (QueryCompleted, error) {
	eventID, err := gonanoid.New()
	if err != nil {
		return QueryCompleted{}, err
	}
	hash := sha256.Sum256([]byte(queryText))

	return QueryCompleted{
		EventID:            eventID,
		Tenant:             tenant,
		QueryID:            resp.QueryID,
		QueryHash:          hex.EncodeToString(hash[:]),
		Profile:            resp.Profile,
		RouteUsed:          string(resp.RouteUsed),
		ClassifiedRoute:    string(resp.ClassifiedRoute),
		Confidence:         resp.Confidence,
		Provisional:        resp.Provisional,
		Degraded:           resp.Degraded,
		Cached:             resp.Cached,
		EvidenceConsidered: len(resp.Trace.ConsideredCitationIDs),
		EvidenceUsed:       len(resp.Trace.UsedCitationIDs),
		DurationMs:         resp.DurationMs,
		CompletedAt:        time.Now().UTC(),
	}, nil
}

func PublishQueryCompleted(ch *amqp091.Channel, event QueryCompleted) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return Publish(ch, AuditQueue, body)
}

const insertAuditSQL = `
INSERT INTO query_audit (
    event_id, tenant_id, query_id, query_hash, profile,
    route_used, classified_route, confidence, provisional, degraded,
    cached, evidence_considered, evidence_used, duration_ms, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (event_id) DO NOTHING`

// ProcessAuditMessage persists one QueryCompleted event. Redeliveries
// are absorbed by the event id conflict clause.
func ProcessAuditMessage(ctx context.Context, conn *pgxpool.Pool, body string) error {
	var event QueryCompleted
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return fmt.Errorf("unmarshal audit event: %w", err)
	}
	if event.EventID == "" || event.Tenant == "" {
		return errors.New("audit event missing event_id or tenant")
	}

	_, err := conn.Exec(ctx, insertAuditSQL,
		event.EventID, event.Tenant, event.QueryID, event.QueryHash, event.Profile,
		event.RouteUsed, event.ClassifiedRoute, event.Confidence, event.Provisional, event.Degraded,
		event.Cached, event.EvidenceConsidered, event.EvidenceUsed, event.DurationMs, event.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
