package main

import (
	"fmt"
	"os"

	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/ui"

	"github.com/spf13/cobra"
)

var deploymentCmd = &cobra.Command{
	Use:     "deployment",
	Aliases: []string{"deploy"},
	Short:   "Track deployments and roll back failures",
}

var deploymentTrackCmd = &cobra.Command{
	Use:   "track ID",
	Short: "Start tracking a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _ := cmd.Flags().GetString("env")
		version, _ := cmd.Flags().GetString("version")
		checkpoint, _ := cmd.Flags().GetString("checkpoint")

		a, err := newApp(cmd, "deployment.track")
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.TrackDeployment(cmd.Context(), args[0], ckpt.DeploymentMeta{
			Environment:  env,
			Version:      version,
			CheckpointID: checkpoint,
		})
		if err != nil {
			return fmt.Errorf("tracking deployment: %w", err)
		}
		fmt.Println(ui.SuccessMsg("Tracking deployment %s", ui.Bold(rec.ID)))
		return nil
	},
}

var deploymentMarkSuccessCmd = &cobra.Command{
	Use:   "mark-success ID",
	Short: "Mark a deployment completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "deployment.mark-success")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.MarkSuccess(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println(ui.SuccessMsg("Deployment %s completed", ui.Bold(args[0])))
		return nil
	},
}

var deploymentMarkFailureCmd = &cobra.Command{
	Use:   "mark-failure ID REASON",
	Short: "Mark a deployment failed and roll back",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		noRollback, _ := cmd.Flags().GetBool("no-rollback")

		a, err := newApp(cmd, "deployment.mark-failure")
		if err != nil {
			return err
		}
		defer a.Close()

		rb, err := a.MarkFailure(cmd.Context(), args[0], args[1], noRollback)
		if err != nil {
			return err
		}
		fmt.Println(ui.WarnMsg("Deployment %s marked failed", ui.Bold(args[0])))
		if rb == nil {
			fmt.Println(ui.Muted("no rollback performed"))
			return nil
		}
		fmt.Println(ui.InfoMsg("Rolled back to %s", ui.Bold(rb.CheckpointID)))
		if rb.Restore != nil {
			printRestore(rb.Restore)
		}
		return nil
	},
}

var deploymentStatusCmd = &cobra.Command{
	Use:     "status [ID]",
	Aliases: []string{"get-status"},
	Short:   "Show a deployment, or the current one",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, "deployment.status")
		if err != nil {
			return err
		}
		defer a.Close()

		var rec *ckpt.DeploymentRecord
		if len(args) == 1 {
			rec, err = a.DeploymentStatus(cmd.Context(), args[0])
		} else {
			rec, err = a.CurrentDeployment(cmd.Context())
			if err == nil && rec == nil {
				fmt.Println("No deployment in progress.")
				return nil
			}
		}
		if err != nil {
			return err
		}
		if format != ui.FormatTable {
			return ui.Encode(os.Stdout, format, rec)
		}
		printDeployment(rec)
		return nil
	},
}

var deploymentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List deployment history, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		format, err := outputFormat()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, "deployment.list")
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.ListDeployments(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if format != ui.FormatTable {
			return ui.Encode(os.Stdout, format, list)
		}
		if len(list) == 0 {
			fmt.Println("No deployments recorded.")
			return nil
		}
		rows := make([][]string, 0, len(list))
		for _, r := range list {
			finished := ""
			if r.FinishedAt != nil {
				finished = r.FinishedAt.Local().Format("2006-01-02 15:04:05")
			}
			rows = append(rows, []string{
				r.ID,
				ui.Status(string(r.Status)),
				r.Environment,
				r.Version,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				finished,
				r.RollbackCheckpointID,
			})
		}
		fmt.Println(ui.Table([]string{"ID", "STATUS", "ENV", "VERSION", "STARTED", "FINISHED", "ROLLBACK"}, rows))
		return nil
	},
}

var deploymentCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove finished deployments past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("retention-days")

		a, err := newApp(cmd, "deployment.cleanup")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.CleanupDeployments(cmd.Context(), days)
		if err != nil {
			return err
		}
		fmt.Println(ui.SuccessMsg("Removed %d deployment record(s)", n))
		return nil
	},
}

func printDeployment(r *ckpt.DeploymentRecord) {
	pairs := []ui.Pair{
		ui.KV("id", r.ID),
		ui.KV("status", ui.Status(string(r.Status))),
		ui.KV("success", r.SuccessLabel()),
		ui.KV("started", r.StartedAt.Local().Format("2006-01-02 15:04:05")),
	}
	if r.FinishedAt != nil {
		pairs = append(pairs, ui.KV("finished", r.FinishedAt.Local().Format("2006-01-02 15:04:05")))
	}
	if r.Environment != "" {
		pairs = append(pairs, ui.KV("environment", r.Environment))
	}
	if r.Version != "" {
		pairs = append(pairs, ui.KV("version", r.Version))
	}
	if r.CheckpointID != "" {
		pairs = append(pairs, ui.KV("checkpoint", r.CheckpointID))
	}
	if r.FailureReason != "" {
		pairs = append(pairs, ui.KV("failure", r.FailureReason))
	}
	if r.RollbackCheckpointID != "" || r.RollbackOutcome != "" {
		pairs = append(pairs, ui.KV("rollback", fmt.Sprintf("%s %s", r.RollbackCheckpointID, r.RollbackOutcome)))
	}
	fmt.Print(ui.KeyValues("", pairs...))
}

func init() {
	deploymentTrackCmd.Flags().String("env", "", "Deployment environment")
	deploymentTrackCmd.Flags().String("version", "", "Version being deployed")
	deploymentTrackCmd.Flags().String("checkpoint", "", "Checkpoint to roll back to on failure")
	deploymentMarkFailureCmd.Flags().Bool("no-rollback", false, "Record the failure without rolling back")
	deploymentListCmd.Flags().IntP("limit", "n", 0, "Maximum number of deployments to show (0 for all)")
	deploymentCleanupCmd.Flags().Int("retention-days", -1, "Remove records finished more than this many days ago (default from config)")

	deploymentCmd.AddCommand(deploymentTrackCmd)
	deploymentCmd.AddCommand(deploymentMarkSuccessCmd)
	deploymentCmd.AddCommand(deploymentMarkFailureCmd)
	deploymentCmd.AddCommand(deploymentStatusCmd)
	deploymentCmd.AddCommand(deploymentListCmd)
	deploymentCmd.AddCommand(deploymentCleanupCmd)
}
