package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atomhq/atom-core/internal/config"
	"github.com/atomhq/atom-core/internal/governance"
	"github.com/atomhq/atom-core/internal/orchestrator"
)

func TestBuildComponentsWiresMemoryStack(t *testing.T) {
	cfg := config.NewDefaultConfig()
	c, err := buildComponents(context.Background(), cfg, zaptest.NewLogger(t), false)
	require.NoError(t, err)
	defer c.close()

	require.NotNil(t, c.orch)
	require.NotNil(t, c.gov)
	require.NotNil(t, c.gate)
	require.NotNil(t, c.supervision)
	assert.Nil(t, c.pg, "no database URL must select the in-memory store")
}

func TestEndToEndRunWithStaticPerception(t *testing.T) {
	cfg := config.NewDefaultConfig()
	c, err := buildComponents(context.Background(), cfg, zaptest.NewLogger(t), false)
	require.NoError(t, err)
	defer c.close()

	// A trusted agent asking for a report: the static perceiver maps it with
	// confidence 0.9, the plan auto-approves, and the built-in action runs.
	require.NoError(t, c.gov.Register(context.Background(), governance.Agent{
		ID:         "agent-1",
		Maturity:   governance.Autonomous,
		Confidence: 0.92,
	}))

	outcome, err := c.orch.Process(context.Background(), orchestrator.Request{
		AgentID: "agent-1",
		Input:   map[string]interface{}{"text": "generate the weekly report"},
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeCompleted, outcome.Status)
	assert.NotEmpty(t, c.orch.EventLog(outcome.AggregateID))
}

func TestEndToEndRunParksUntrustedAgent(t *testing.T) {
	cfg := config.NewDefaultConfig()
	c, err := buildComponents(context.Background(), cfg, zaptest.NewLogger(t), false)
	require.NoError(t, err)
	defer c.close()

	require.NoError(t, c.gov.Register(context.Background(), governance.Agent{
		ID:         "rookie",
		Maturity:   governance.Student,
		Confidence: 0.3,
	}))

	// delete_resource maps at 0.6 confidence and 0.3 complexity: the plan
	// needs approval and a STUDENT may not run it unsupervised either way.
	outcome, err := c.orch.Process(context.Background(), orchestrator.Request{
		AgentID: "rookie",
		Input:   map[string]interface{}{"text": "delete the old staging resources"},
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomePendingApproval, outcome.Status)
	assert.NotEmpty(t, outcome.ApprovalID)
}

func TestRegisterRejectsUnearnedTier(t *testing.T) {
	cfg := config.NewDefaultConfig()
	c, err := buildComponents(context.Background(), cfg, zaptest.NewLogger(t), false)
	require.NoError(t, err)
	defer c.close()

	err = c.gov.Register(context.Background(), governance.Agent{
		ID:         "impostor",
		Maturity:   governance.Autonomous,
		Confidence: 0.4,
	})
	assert.Error(t, err)
}
