package cmd

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atomhq/atom-core/internal/supervision"
	"github.com/atomhq/atom-core/pkg/observability"
)

// newSuperviseCmd groups the supervision session commands.
func newSuperviseCmd() *cobra.Command {
	superviseCmd := &cobra.Command{
		Use:   "supervise",
		Short: "Manage supervision sessions for SUPERVISED agents",
	}
	superviseCmd.AddCommand(newSuperviseStartCmd())
	superviseCmd.AddCommand(newSuperviseInterveneCmd())
	superviseCmd.AddCommand(newSuperviseCompleteCmd())
	superviseCmd.AddCommand(newSuperviseWatchCmd())
	return superviseCmd
}

func newSuperviseStartCmd() *cobra.Command {
	var (
		trigger      string
		workspaceID  string
		supervisorID string
	)

	startCmd := &cobra.Command{
		Use:   "start <agent-id>",
		Short: "Open a supervision session for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := buildComponents(ctx, appConfig, observability.GetLogger(), false)
			if err != nil {
				return err
			}
			defer c.close()

			session, err := c.supervision.StartSession(ctx, args[0], trigger, workspaceID, supervisorID)
			if err != nil {
				return err
			}
			return printJSON(session)
		},
	}

	startCmd.Flags().StringVar(&trigger, "trigger", "manual", "what triggered the session")
	startCmd.Flags().StringVar(&workspaceID, "workspace", "", "workspace id")
	startCmd.Flags().StringVar(&supervisorID, "supervisor", "cli", "supervisor id")
	return startCmd
}

func newSuperviseInterveneCmd() *cobra.Command {
	var guidance string

	interveneCmd := &cobra.Command{
		Use:   "intervene <session-id> <pause|correct|terminate>",
		Short: "Intervene in a running session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := buildComponents(ctx, appConfig, observability.GetLogger(), false)
			if err != nil {
				return err
			}
			defer c.close()

			session, err := c.supervision.Intervene(ctx, args[0], supervision.InterventionKind(args[1]), guidance)
			if err != nil {
				return err
			}
			return printJSON(session)
		},
	}

	interveneCmd.Flags().StringVar(&guidance, "guidance", "", "guidance for the agent")
	return interveneCmd
}

func newSuperviseCompleteCmd() *cobra.Command {
	var feedback string

	completeCmd := &cobra.Command{
		Use:   "complete <session-id> <rating 1-5>",
		Short: "Complete a session with a rating",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rating, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}

			c, err := buildComponents(ctx, appConfig, observability.GetLogger(), false)
			if err != nil {
				return err
			}
			defer c.close()

			session, err := c.supervision.Complete(ctx, args[0], rating, feedback)
			if err != nil {
				return err
			}
			return printJSON(session)
		},
	}

	completeCmd.Flags().StringVar(&feedback, "feedback", "", "supervisor feedback")
	return completeCmd
}

func newSuperviseWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Stream session events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			c, err := buildComponents(ctx, appConfig, logger, false)
			if err != nil {
				return err
			}
			defer c.close()

			stream, stop, err := c.supervision.Monitor(ctx, args[0])
			if err != nil {
				return err
			}
			defer stop()

			for e := range stream {
				logger.Info("Session event",
					zap.String("session_id", e.SessionID),
					zap.String("kind", e.Kind),
					zap.Any("data", e.Data),
				)
			}
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
