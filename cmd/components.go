package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atomhq/atom-core/internal/config"
	"github.com/atomhq/atom-core/internal/eventstore"
	"github.com/atomhq/atom-core/internal/execution"
	"github.com/atomhq/atom-core/internal/governance"
	"github.com/atomhq/atom-core/internal/hitl"
	"github.com/atomhq/atom-core/internal/notify"
	"github.com/atomhq/atom-core/internal/orchestrator"
	"github.com/atomhq/atom-core/internal/perception"
	"github.com/atomhq/atom-core/internal/planning"
	"github.com/atomhq/atom-core/internal/store"
	"github.com/atomhq/atom-core/internal/supervision"
	"github.com/atomhq/atom-core/pkg/llmclient"
)

// repositories is everything the domain services need from persistence.
// Both store.Postgres and store.Memory satisfy it.
type repositories interface {
	governance.Repository
	planning.Repository
	hitl.Repository
	supervision.Repository
	execution.IdempotencyStore
	store.EventWriter
}

// components holds the fully wired application graph.
type components struct {
	cfg         *config.Config
	logger      *zap.Logger
	events      *eventstore.Store
	gov         *governance.Service
	gate        *hitl.Gate
	planner     *planning.Planner
	engine      *execution.Engine
	orch        *orchestrator.Orchestrator
	supervision *supervision.Service

	pg         *store.Postgres
	sinkCancel context.CancelFunc
	group      *errgroup.Group
}

// buildComponents constructs and connects every service. An empty database
// URL selects the in-memory store; otherwise postgres backs everything and
// the event log is teed into it durably.
func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, useLLM bool) (*components, error) {
	c := &components{cfg: cfg, logger: logger}
	c.events = eventstore.New(logger)

	var repos repositories
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(ctx, logger, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		c.pg = pg
		repos = pg

		sink := store.NewSink(logger, pg, 64, time.Second)
		c.events.Subscribe(sink.Enqueue)

		sinkCtx, cancel := context.WithCancel(context.Background())
		c.sinkCancel = cancel
		c.group, sinkCtx = errgroup.WithContext(sinkCtx)
		c.group.Go(func() error { return sink.Run(sinkCtx) })
	} else {
		logger.Info("No database configured, using the in-memory store")
		repos = store.NewMemory()
	}

	notifier := buildNotifier(cfg, logger)
	c.gov = governance.NewService(logger, repos, c.events, cfg.Governance)
	c.gate = hitl.NewGate(logger, repos, notifier, c.events, cfg.HITL)
	c.planner = planning.NewPlanner(logger, cfg.Planning, repos, c.events)

	registry := execution.NewRegistry()
	registerBuiltinActions(logger, registry)
	c.engine = execution.NewEngine(logger, registry, repos, repos, c.events)

	perceiver, err := buildPerceiver(ctx, cfg, logger, c.events, useLLM)
	if err != nil {
		c.close()
		return nil, err
	}

	c.orch = orchestrator.New(logger, cfg.Runner, perceiver, c.planner, c.engine, c.gov, c.gate, c.events)
	c.supervision = supervision.NewService(logger, cfg.Supervision, repos, c.gov, c.events, notifier)
	return c, nil
}

func buildNotifier(cfg *config.Config, logger *zap.Logger) *notify.Service {
	registry := notify.NewRegistry()
	platform := cfg.Notify.Platform
	if cfg.Notify.WebhookURL != "" {
		registry.Register("webhook", notify.NewWebhookAdapter(cfg.Notify.WebhookURL, 10*time.Second))
	} else {
		// Without a webhook the channel adapter keeps notifications
		// observable in-process instead of silently lost.
		registry.Register("channel", notify.NewChanAdapter(64))
		platform = "channel"
	}
	return notify.NewService(logger, registry, platform, cfg.Notify.RatePerSec, cfg.Notify.Burst)
}

func buildPerceiver(ctx context.Context, cfg *config.Config, logger *zap.Logger, events *eventstore.Store, useLLM bool) (perception.Perceiver, error) {
	if !useLLM {
		return perception.NewStaticPerceiver(events), nil
	}
	if len(cfg.LLM.Models) == 0 {
		logger.Warn("No LLM models configured, falling back to static perception")
		return perception.NewStaticPerceiver(events), nil
	}
	client, err := llmclient.NewClient(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("build LLM client: %w", err)
	}
	return perception.NewLLMPerceiver(logger, client, events), nil
}

// registerBuiltinActions installs the stock action handlers. Deployments
// embed this module and register their own; the built-ins make the CLI
// usable end to end.
func registerBuiltinActions(logger *zap.Logger, registry *execution.Registry) {
	log := logger.Named("actions")
	echo := func(name string) execution.Handler {
		return func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
			log.Info("Action executed", zap.String("action", name), zap.Any("params", params))
			return map[string]interface{}{"action": name, "ok": true}, nil
		}
	}
	for _, name := range []string{
		"generate_report",
		"schedule_task",
		"send_email",
		"summarize_content",
		"delete_resource",
	} {
		_ = registry.Register(name, execution.Action{Run: echo(name)})
	}
}

// close shuts down the background sink and the database pool.
func (c *components) close() {
	if c.sinkCancel != nil {
		c.sinkCancel()
	}
	if c.group != nil {
		if err := c.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("Event sink shut down with error", zap.Error(err))
		}
	}
	if c.pg != nil {
		c.pg.Close()
	}
}
