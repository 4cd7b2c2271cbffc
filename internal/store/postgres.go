package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/atomhq/atom-core/internal/eventstore"
	"github.com/atomhq/atom-core/internal/governance"
	"github.com/atomhq/atom-core/internal/hitl"
	"github.com/atomhq/atom-core/internal/planning"
	"github.com/atomhq/atom-core/internal/supervision"
)

// Event payloads are on the hot append path; jsoniter keeps encoding cheap
// while staying wire-compatible with encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DB is the subset of pgxpool.Pool the store needs. Declared here so tests
// can substitute a mock pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Postgres is the durable store.
type Postgres struct {
	logger *zap.Logger
	db     DB
	pool   *pgxpool.Pool
}

// NewPostgres connects a pool and verifies the connection.
func NewPostgres(ctx context.Context, logger *zap.Logger, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{logger: logger.Named("store"), db: pool, pool: pool}, nil
}

// NewPostgresWithDB wraps an existing connection, used by tests.
func NewPostgresWithDB(logger *zap.Logger, db DB) *Postgres {
	return &Postgres{logger: logger.Named("store"), db: db}
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		maturity    TEXT NOT NULL,
		confidence  DOUBLE PRECISION NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS plans (
		id           TEXT PRIMARY KEY,
		agent_id     TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		intent       TEXT NOT NULL,
		status       TEXT NOT NULL,
		confidence   DOUBLE PRECISION NOT NULL,
		reasoning    TEXT NOT NULL DEFAULT '',
		steps        JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		id           TEXT PRIMARY KEY,
		agent_id     TEXT NOT NULL,
		action_type  TEXT NOT NULL,
		params       JSONB,
		reason       TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		requested_at TIMESTAMPTZ NOT NULL,
		decided_at   TIMESTAMPTZ,
		decided_by   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		agent_id      TEXT NOT NULL,
		workspace_id  TEXT NOT NULL DEFAULT '',
		supervisor_id TEXT NOT NULL DEFAULT '',
		trigger       TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		interventions JSONB NOT NULL,
		rating        INT NOT NULL DEFAULT 0,
		feedback      TEXT NOT NULL DEFAULT '',
		boost         DOUBLE PRECISION NOT NULL DEFAULT 0,
		started_at    TIMESTAMPTZ NOT NULL,
		ended_at      TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS executed_steps (
		key         TEXT PRIMARY KEY,
		output      JSONB,
		executed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		ts           TIMESTAMPTZ NOT NULL,
		data         JSONB,
		confidence   DOUBLE PRECISION,
		reasoning    TEXT NOT NULL DEFAULT '',
		actor        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_aggregate_idx ON events (aggregate_id, ts)`,
}

// EnsureSchema creates the tables when they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// -- governance.Repository --

func (p *Postgres) GetAgent(ctx context.Context, id string) (governance.Agent, error) {
	var a governance.Agent
	var maturity string
	err := p.db.QueryRow(ctx,
		`SELECT id, name, maturity, confidence, updated_at FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &maturity, &a.Confidence, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return governance.Agent{}, governance.ErrAgentNotFound
	}
	if err != nil {
		return governance.Agent{}, fmt.Errorf("get agent %s: %w", id, err)
	}
	a.Maturity = governance.Maturity(maturity)
	return a, nil
}

func (p *Postgres) SaveAgent(ctx context.Context, a governance.Agent) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO agents (id, name, maturity, confidence, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   maturity = EXCLUDED.maturity,
		   confidence = EXCLUDED.confidence,
		   updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, string(a.Maturity), a.Confidence, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// -- planning.Repository --

func (p *Postgres) SavePlan(ctx context.Context, plan *planning.Plan) error {
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("encode plan steps: %w", err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO plans (id, agent_id, aggregate_id, intent, status, confidence, reasoning, steps, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   steps = EXCLUDED.steps,
		   updated_at = EXCLUDED.updated_at`,
		plan.ID, plan.AgentID, plan.AggregateID, plan.Intent, string(plan.Status),
		plan.Confidence, plan.Reasoning, steps, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save plan %s: %w", plan.ID, err)
	}
	return nil
}

func (p *Postgres) GetPlan(ctx context.Context, id string) (*planning.Plan, error) {
	var plan planning.Plan
	var status string
	var steps []byte
	err := p.db.QueryRow(ctx,
		`SELECT id, agent_id, aggregate_id, intent, status, confidence, reasoning, steps, created_at, updated_at
		 FROM plans WHERE id = $1`, id,
	).Scan(&plan.ID, &plan.AgentID, &plan.AggregateID, &plan.Intent, &status,
		&plan.Confidence, &plan.Reasoning, &steps, &plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, planning.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	plan.Status = planning.Status(status)
	if err := json.Unmarshal(steps, &plan.Steps); err != nil {
		return nil, fmt.Errorf("decode plan steps: %w", err)
	}
	return &plan, nil
}

// -- hitl.Repository --

func (p *Postgres) CreateApproval(ctx context.Context, a hitl.Approval) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("encode approval params: %w", err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO approvals (id, agent_id, action_type, params, reason, workspace_id, status, requested_at, decided_at, decided_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.AgentID, a.ActionType, params, a.Reason, a.WorkspaceID,
		string(a.Status), a.RequestedAt, a.DecidedAt, a.DecidedBy)
	if err != nil {
		return fmt.Errorf("create approval %s: %w", a.ID, err)
	}
	return nil
}

func (p *Postgres) GetApproval(ctx context.Context, id string) (hitl.Approval, error) {
	var a hitl.Approval
	var status string
	var params []byte
	err := p.db.QueryRow(ctx,
		`SELECT id, agent_id, action_type, params, reason, workspace_id, status, requested_at, decided_at, decided_by
		 FROM approvals WHERE id = $1`, id,
	).Scan(&a.ID, &a.AgentID, &a.ActionType, &params, &a.Reason, &a.WorkspaceID,
		&status, &a.RequestedAt, &a.DecidedAt, &a.DecidedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return hitl.Approval{}, hitl.ErrApprovalNotFound
	}
	if err != nil {
		return hitl.Approval{}, fmt.Errorf("get approval %s: %w", id, err)
	}
	a.Status = hitl.Status(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &a.Params); err != nil {
			return hitl.Approval{}, fmt.Errorf("decode approval params: %w", err)
		}
	}
	return a, nil
}

func (p *Postgres) SaveApproval(ctx context.Context, a hitl.Approval) error {
	_, err := p.db.Exec(ctx,
		`UPDATE approvals SET status = $2, decided_at = $3, decided_by = $4 WHERE id = $1`,
		a.ID, string(a.Status), a.DecidedAt, a.DecidedBy)
	if err != nil {
		return fmt.Errorf("save approval %s: %w", a.ID, err)
	}
	return nil
}

// -- supervision.Repository --

func (p *Postgres) CreateSession(ctx context.Context, s *supervision.Session) error {
	return p.upsertSession(ctx, s, true)
}

func (p *Postgres) SaveSession(ctx context.Context, s *supervision.Session) error {
	return p.upsertSession(ctx, s, false)
}

func (p *Postgres) upsertSession(ctx context.Context, s *supervision.Session, create bool) error {
	interventions, err := json.Marshal(s.Interventions)
	if err != nil {
		return fmt.Errorf("encode interventions: %w", err)
	}
	if create {
		_, err = p.db.Exec(ctx,
			`INSERT INTO sessions (id, agent_id, workspace_id, supervisor_id, trigger, status, interventions, rating, feedback, boost, started_at, ended_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.ID, s.AgentID, s.WorkspaceID, s.SupervisorID, s.Trigger, string(s.Status),
			interventions, s.Rating, s.Feedback, s.Boost, s.StartedAt, s.EndedAt)
	} else {
		_, err = p.db.Exec(ctx,
			`UPDATE sessions SET status = $2, interventions = $3, rating = $4, feedback = $5, boost = $6, ended_at = $7
			 WHERE id = $1`,
			s.ID, string(s.Status), interventions, s.Rating, s.Feedback, s.Boost, s.EndedAt)
	}
	if err != nil {
		return fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*supervision.Session, error) {
	var s supervision.Session
	var status string
	var interventions []byte
	err := p.db.QueryRow(ctx,
		`SELECT id, agent_id, workspace_id, supervisor_id, trigger, status, interventions, rating, feedback, boost, started_at, ended_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.AgentID, &s.WorkspaceID, &s.SupervisorID, &s.Trigger, &status,
		&interventions, &s.Rating, &s.Feedback, &s.Boost, &s.StartedAt, &s.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, supervision.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	s.Status = supervision.SessionStatus(status)
	if err := json.Unmarshal(interventions, &s.Interventions); err != nil {
		return nil, fmt.Errorf("decode interventions: %w", err)
	}
	return &s, nil
}

// -- execution.IdempotencyStore --

func (p *Postgres) IsExecuted(ctx context.Context, key string) (bool, map[string]interface{}, error) {
	var raw []byte
	err := p.db.QueryRow(ctx,
		`SELECT output FROM executed_steps WHERE key = $1`, key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("check executed key: %w", err)
	}
	var output map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &output); err != nil {
			return false, nil, fmt.Errorf("decode step output: %w", err)
		}
	}
	return true, output, nil
}

func (p *Postgres) MarkExecuted(ctx context.Context, key string, output map[string]interface{}) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode step output: %w", err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO executed_steps (key, output, executed_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`,
		key, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark executed key: %w", err)
	}
	return nil
}

// -- durable event sink --

// AppendEvents writes a batch of events with CopyFrom. The event log is
// append-only; there is no update or delete path.
func (p *Postgres) AppendEvents(ctx context.Context, events []eventstore.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode event %s payload: %w", e.ID, err)
		}
		rows = append(rows, []any{
			e.ID, string(e.Type), e.AggregateID, e.Timestamp, data, e.Confidence, e.Reasoning, e.Actor,
		})
	}

	n, err := p.db.CopyFrom(ctx,
		pgx.Identifier{"events"},
		[]string{"id", "type", "aggregate_id", "ts", "data", "confidence", "reasoning", "actor"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}
	if n != int64(len(events)) {
		return fmt.Errorf("copy events: wrote %d of %d rows", n, len(events))
	}
	return nil
}

// EventsFor loads the durable log for one aggregate in timestamp order.
func (p *Postgres) EventsFor(ctx context.Context, aggregateID string) ([]eventstore.Event, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, type, aggregate_id, ts, data, confidence, reasoning, actor
		 FROM events WHERE aggregate_id = $1 ORDER BY ts`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var out []eventstore.Event
	for rows.Next() {
		var e eventstore.Event
		var typ string
		var data []byte
		if err := rows.Scan(&e.ID, &typ, &e.AggregateID, &e.Timestamp, &data, &e.Confidence, &e.Reasoning, &e.Actor); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = eventstore.EventType(typ)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode event %s payload: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
