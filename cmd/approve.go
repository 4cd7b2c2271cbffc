package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atomhq/atom-core/pkg/observability"
)

// newApproveCmd creates the `approve` command: the human side of the gate.
func newApproveCmd() *cobra.Command {
	var (
		planID    string
		decidedBy string
		execute   bool
	)

	approveCmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Approve a pending request and optionally execute its plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			c, err := buildComponents(ctx, appConfig, logger, false)
			if err != nil {
				return err
			}
			defer c.close()

			approvalID := args[0]
			if err := c.gate.Resolve(ctx, approvalID, true, decidedBy); err != nil {
				return err
			}
			logger.Info("Approval granted",
				zap.String("approval_id", approvalID),
				zap.String("decided_by", decidedBy),
			)

			if planID == "" || !execute {
				return nil
			}
			if _, err := c.planner.ApprovePlan(ctx, planID, decidedBy); err != nil {
				return err
			}
			outcome, err := c.orch.ExecuteApproved(ctx, planID)
			if err != nil {
				return err
			}
			printOutcome(outcome)
			return nil
		},
	}

	approveCmd.Flags().StringVar(&planID, "plan", "", "plan id tied to the approval")
	approveCmd.Flags().StringVar(&decidedBy, "by", "cli", "who is making the decision")
	approveCmd.Flags().BoolVar(&execute, "execute", false, "execute the plan after approving")
	return approveCmd
}

// newRejectCmd creates the `reject` command.
func newRejectCmd() *cobra.Command {
	var (
		planID    string
		decidedBy string
	)

	rejectCmd := &cobra.Command{
		Use:   "reject <approval-id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			c, err := buildComponents(ctx, appConfig, logger, false)
			if err != nil {
				return err
			}
			defer c.close()

			approvalID := args[0]
			if err := c.gate.Resolve(ctx, approvalID, false, decidedBy); err != nil {
				return err
			}
			if planID != "" {
				if _, err := c.planner.RejectPlan(ctx, planID, decidedBy); err != nil {
					return err
				}
			}
			logger.Info("Approval rejected",
				zap.String("approval_id", approvalID),
				zap.String("decided_by", decidedBy),
			)
			return nil
		},
	}

	rejectCmd.Flags().StringVar(&planID, "plan", "", "plan id tied to the approval")
	rejectCmd.Flags().StringVar(&decidedBy, "by", "cli", "who is making the decision")
	return rejectCmd
}
