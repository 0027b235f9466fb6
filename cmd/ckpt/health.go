package main

import (
	"fmt"
	"os"
	"strconv"

	"ckpt-go/internal/app"
	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/ui"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Score and monitor service health",
}

var healthCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one health scoring pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, "health.check")
		if err != nil {
			return err
		}
		defer a.Close()

		report := a.CheckHealth(cmd.Context())
		if format != ui.FormatTable {
			return ui.Encode(os.Stdout, format, report)
		}
		printHealthReport(report)
		return nil
	},
}

var healthStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status recorded by the monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		a, err := newApp(cmd, "health.status")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.HealthStatus()
		if err != nil {
			return err
		}
		if format != ui.FormatTable {
			return ui.Encode(os.Stdout, format, st)
		}
		last := "never"
		if !st.LastCheck.IsZero() {
			last = st.LastCheck.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Print(ui.KeyValues("",
			ui.KV("status", ui.Status(string(st.Status))),
			ui.KV("score", strconv.Itoa(st.Score)),
			ui.KV("consecutive failures", strconv.Itoa(st.ConsecutiveFailures)),
			ui.KV("last check", last),
		))
		return nil
	},
}

var healthMonitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll health and roll back after repeated failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		maxFailures, _ := cmd.Flags().GetInt("max-failures")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		a, err := newApp(cmd, "health.monitor")
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println(ui.InfoMsg("Monitoring health (ctrl-c to stop)"))
		res, err := a.Monitor(cmd.Context(), app.MonitorParams{
			Interval:    interval,
			MaxFailures: maxFailures,
			MetricsAddr: metricsAddr,
		})
		if err != nil {
			return err
		}
		if !res.Triggered {
			fmt.Println(ui.Muted(fmt.Sprintf("stopped after %d checks, last status %s", res.Ticks, res.Final.Status)))
			return nil
		}
		fmt.Println(ui.WarnMsg("Health failed %d consecutive checks", res.Final.ConsecutiveFailures))
		if res.Rollback != nil {
			fmt.Println(ui.InfoMsg("Rolled back to %s", ui.Bold(res.Rollback.CheckpointID)))
			if res.Rollback.Restore != nil {
				printRestore(res.Rollback.Restore)
			}
		}
		return nil
	},
}

func printHealthReport(r ckpt.HealthReport) {
	fmt.Print(ui.KeyValues("",
		ui.KV("state", ui.Status(string(r.State))),
		ui.KV("score", strconv.Itoa(r.Score)),
	))
	if len(r.Checks) == 0 {
		return
	}
	rows := make([][]string, 0, len(r.Checks))
	for _, c := range r.Checks {
		result := ui.Status("ok")
		if !c.Passed {
			result = ui.Status("failed")
		}
		rows = append(rows, []string{c.Name, c.Kind, strconv.Itoa(c.Weight), result, c.Detail})
	}
	fmt.Println(ui.Table([]string{"CHECK", "KIND", "WEIGHT", "RESULT", "DETAIL"}, rows))
}

func init() {
	healthMonitorCmd.Flags().Duration("interval", 0, "Time between checks (default from config)")
	healthMonitorCmd.Flags().Int("max-failures", 0, "Consecutive unhealthy checks before rollback (default from config)")
	healthMonitorCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")

	healthCmd.AddCommand(healthCheckCmd)
	healthCmd.AddCommand(healthStatusCmd)
	healthCmd.AddCommand(healthMonitorCmd)
}
