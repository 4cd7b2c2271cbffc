package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atomhq/atom-core/internal/governance"
	"github.com/atomhq/atom-core/pkg/observability"
)

// newAgentCmd groups the agent lifecycle commands.
func newAgentCmd() *cobra.Command {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent trust state",
	}
	agentCmd.AddCommand(newAgentCreateCmd())
	agentCmd.AddCommand(newAgentShowCmd())
	agentCmd.AddCommand(newAgentPromoteCmd())
	return agentCmd
}

func newAgentCreateCmd() *cobra.Command {
	var name string

	createCmd := &cobra.Command{
		Use:   "create <agent-id>",
		Short: "Register a new agent at the STUDENT tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			c, err := buildComponents(ctx, appConfig, logger, false)
			if err != nil {
				return err
			}
			defer c.close()

			agentID := args[0]
			if _, err := c.gov.Agent(ctx, agentID); err == nil {
				return fmt.Errorf("agent %s already exists", agentID)
			}

			agent := governance.Agent{
				ID:         agentID,
				Name:       name,
				Maturity:   governance.Student,
				Confidence: 0.3,
				UpdatedAt:  time.Now().UTC(),
			}
			if err := c.gov.Register(ctx, agent); err != nil {
				return err
			}
			logger.Info("Agent registered",
				zap.String("agent_id", agentID),
				zap.String("maturity", string(agent.Maturity)),
			)
			return nil
		},
	}

	createCmd.Flags().StringVar(&name, "name", "", "human-readable agent name")
	return createCmd
}

func newAgentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent's maturity and confidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := buildComponents(ctx, appConfig, observability.GetLogger(), false)
			if err != nil {
				return err
			}
			defer c.close()

			agent, err := c.gov.Agent(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(agent)
		},
	}
}

func newAgentPromoteCmd() *cobra.Command {
	var reason string

	promoteCmd := &cobra.Command{
		Use:   "promote <agent-id> <tier>",
		Short: "Promote an agent to a higher maturity tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := buildComponents(ctx, appConfig, observability.GetLogger(), false)
			if err != nil {
				return err
			}
			defer c.close()

			tier := governance.Maturity(strings.ToUpper(args[1]))
			return c.gov.Promote(ctx, args[0], tier, reason)
		},
	}

	promoteCmd.Flags().StringVar(&reason, "reason", "manual promotion", "reason recorded in the audit log")
	return promoteCmd
}
