package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/ui"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   "Create, restore and manage checkpoints",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Capture the current system state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := newApp(cmd, "checkpoint.create")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.CreateCheckpoint(cmd.Context(), args[0], dryRun)
		if err != nil {
			return fmt.Errorf("creating checkpoint: %w", err)
		}

		if res.DryRun {
			fmt.Println(ui.InfoMsg("Dry run: would create %s", ui.Bold(res.ID)))
			printItems(res.Preview)
			return nil
		}
		fmt.Println(ui.SuccessMsg("Created checkpoint %s", ui.Bold(res.ID)))
		pairs := []ui.Pair{ui.KV("path", res.Path), ui.KV("form", string(res.Form))}
		if len(res.Mirrored) > 0 {
			pairs = append(pairs, ui.KV("mirrored", fmt.Sprint(res.Mirrored)))
		}
		fmt.Print(ui.KeyValues("  ", pairs...))
		if res.Manifest != nil {
			printItems(res.Manifest.Items)
		}
		return nil
	},
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore ID|NAME",
	Short: "Restore a checkpoint onto the live system",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := newApp(cmd, "checkpoint.restore")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.RestoreCheckpoint(cmd.Context(), args[0], dryRun)
		if err != nil {
			return fmt.Errorf("restoring checkpoint: %w", err)
		}
		printRestore(res)

		if res.Degraded() {
			if code := a.Config().Restore.DegradedExitCode; code != 0 {
				return &exitCodeError{code: code}
			}
		}
		return nil
	},
}

var checkpointListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List checkpoints, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, "checkpoint.list")
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.ListCheckpoints()
		if err != nil {
			return err
		}
		if format != ui.FormatTable {
			return ui.Encode(os.Stdout, format, list)
		}
		if len(list) == 0 {
			fmt.Println("No checkpoints.")
			return nil
		}
		rows := make([][]string, 0, len(list))
		for _, c := range list {
			enc := ""
			if c.Encrypted {
				enc = "yes"
			}
			rows = append(rows, []string{c.ID, c.Name, c.CreatedAt.Local().Format("2006-01-02 15:04:05"), string(c.Form), enc, ui.Bytes(c.Size)})
		}
		fmt.Println(ui.Table([]string{"ID", "NAME", "CREATED", "FORM", "ENCRYPTED", "SIZE"}, rows))
		return nil
	},
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show ID|NAME",
	Short: "Show a checkpoint's manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, "checkpoint.show")
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.ShowCheckpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if format != ui.FormatTable {
			return ui.Encode(os.Stdout, format, d)
		}

		m := d.Manifest
		fmt.Print(ui.KeyValues("",
			ui.KV("id", d.Info.ID),
			ui.KV("name", d.Info.Name),
			ui.KV("created", d.Info.CreatedAt.Local().Format("2006-01-02 15:04:05")),
			ui.KV("form", string(d.Info.Form)),
			ui.KV("path", d.Info.Path),
			ui.KV("host", m.Hostname),
			ui.KV("kernel", m.Facts.Kernel),
			ui.KV("complete", strconv.FormatBool(m.Complete)),
		))
		var cats []string
		for c, on := range m.Captures {
			if on {
				cats = append(cats, string(c))
			}
		}
		sort.Strings(cats)
		fmt.Print(ui.KeyValues("", ui.KV("captures", fmt.Sprint(cats))))
		if m.Health != nil {
			fmt.Print(ui.KeyValues("", ui.KV("health", fmt.Sprintf("%s (%d)", ui.Status(string(m.Health.State)), m.Health.Score))))
		}
		if m.DataBase != "" {
			fmt.Print(ui.KeyValues("", ui.KV("linked from", fmt.Sprintf("%s (%d linked, %d copied)", m.DataBase, m.DataStats.Linked, m.DataStats.Copied))))
		}
		printItems(m.Items)
		if len(d.Transaction) > 0 {
			fmt.Println(ui.Muted(fmt.Sprintf("%d transaction log entries", len(d.Transaction))))
		}
		return nil
	},
}

var checkpointVerifyCmd = &cobra.Command{
	Use:   "verify ID|NAME",
	Short: "Check a checkpoint's integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, "checkpoint.verify")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.VerifyCheckpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if format != ui.FormatTable {
			if err := ui.Encode(os.Stdout, format, report); err != nil {
				return err
			}
		} else if report.OK {
			fmt.Println(ui.SuccessMsg("%s verified (%d files)", report.ID, report.FilesChecked))
		} else {
			for _, f := range report.Findings {
				fmt.Println(ui.WarnMsg("%s", f))
			}
		}
		if !report.OK {
			return fmt.Errorf("%s: %w", report.ID, ckpt.ErrVerification)
		}
		return nil
	},
}

var checkpointCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove checkpoints past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("retention-days")

		a, err := newApp(cmd, "checkpoint.cleanup")
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.CleanupCheckpoints(cmd.Context(), days)
		if err != nil {
			return err
		}
		for _, id := range removed {
			fmt.Println(ui.Muted("removed " + id))
		}
		fmt.Println(ui.SuccessMsg("Removed %d checkpoint(s)", len(removed)))
		return nil
	},
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete one checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "checkpoint.delete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteCheckpoint(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println(ui.SuccessMsg("Deleted %s", args[0]))
		return nil
	},
}

func printItems(items []ckpt.ItemRecord) {
	if len(items) == 0 {
		return
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{string(it.Category), it.Target, ui.Status(string(it.Status)), it.Detail})
	}
	fmt.Println(ui.Table([]string{"CATEGORY", "TARGET", "STATUS", "DETAIL"}, rows))
}

func printRestore(res *ckpt.RestoreResult) {
	if res.DryRun {
		fmt.Println(ui.InfoMsg("Dry run: restore of %s would", ui.Bold(res.CheckpointID)))
		for _, act := range res.Actions {
			fmt.Println("  " + act)
		}
		return
	}
	switch {
	case res.Degraded():
		fmt.Println(ui.WarnMsg("Restored %s with discrepancies", ui.Bold(res.CheckpointID)))
	default:
		fmt.Println(ui.SuccessMsg("Restored %s", ui.Bold(res.CheckpointID)))
	}
	for _, f := range res.Findings {
		fmt.Println("  " + ui.WarnMsg("%s", f))
	}
	if len(res.MovedAside) > 0 {
		live := make([]string, 0, len(res.MovedAside))
		for p := range res.MovedAside {
			live = append(live, p)
		}
		sort.Strings(live)
		pairs := make([]ui.Pair, 0, len(live))
		for _, p := range live {
			pairs = append(pairs, ui.KV(p, res.MovedAside[p]))
		}
		fmt.Println(ui.Muted("previous state kept at:"))
		fmt.Print(ui.KeyValues("  ", pairs...))
	}
	if res.LogPath != "" {
		fmt.Println(ui.Muted("transaction log: " + res.LogPath))
	}
}

func init() {
	checkpointCreateCmd.Flags().Bool("dry-run", false, "Show what would be captured without writing anything")
	checkpointRestoreCmd.Flags().Bool("dry-run", false, "Show what would be restored without changing anything")
	checkpointCleanupCmd.Flags().Int("retention-days", -1, "Remove checkpoints older than this many days (default from config)")

	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointVerifyCmd)
	checkpointCmd.AddCommand(checkpointCleanupCmd)
	checkpointCmd.AddCommand(checkpointDeleteCmd)
}
