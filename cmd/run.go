package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atomhq/atom-core/internal/orchestrator"
	"github.com/atomhq/atom-core/pkg/observability"
)

// newRunCmd creates the `run` command: one full perceive-plan-execute cycle.
func newRunCmd() *cobra.Command {
	var (
		agentID     string
		workspaceID string
		wait        bool
		noLLM       bool
	)

	runCmd := &cobra.Command{
		Use:   "run [input...]",
		Short: "Run one perceive-plan-execute cycle for an agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			c, err := buildComponents(ctx, appConfig, logger, !noLLM)
			if err != nil {
				return err
			}
			defer c.close()

			outcome, err := c.orch.Process(ctx, orchestrator.Request{
				AgentID:     agentID,
				WorkspaceID: workspaceID,
				Input:       map[string]interface{}{"text": strings.Join(args, " ")},
			})
			if err != nil {
				logger.Error("Run failed", zap.Error(err))
				if outcome != nil {
					printOutcome(outcome)
				}
				return err
			}

			if outcome.Status == orchestrator.OutcomePendingApproval && wait {
				logger.Info("Waiting for human approval",
					zap.String("approval_id", outcome.ApprovalID),
					zap.Duration("max_wait", appConfig.HITL.MaxWait),
				)
				outcome, err = c.orch.AwaitAndExecute(ctx, outcome.ApprovalID, outcome.PlanID)
				if err != nil {
					return err
				}
			}

			printOutcome(outcome)
			return nil
		},
	}

	runCmd.Flags().StringVar(&agentID, "agent", "", "agent id to run as (required)")
	runCmd.Flags().StringVar(&workspaceID, "workspace", "", "workspace id for notifications")
	runCmd.Flags().BoolVar(&wait, "wait", false, "block on the approval gate instead of returning a pending outcome")
	runCmd.Flags().BoolVar(&noLLM, "no-llm", false, "use deterministic keyword perception instead of the LLM")
	_ = runCmd.MarkFlagRequired("agent")
	return runCmd
}

func printOutcome(outcome *orchestrator.Outcome) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
