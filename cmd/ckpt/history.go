package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"ckpt-go/internal/ui"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View the operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		format, err := outputFormat()
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "history")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if format != ui.FormatTable {
			return ui.Encode(os.Stdout, format, ops)
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		rows := make([][]string, 0, len(ops))
		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			rows = append(rows, []string{
				"#" + strconv.FormatInt(op.ID, 10),
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				ui.Status(op.Status),
				duration,
				op.Parameters,
			})
		}
		fmt.Println(ui.Table([]string{"ID", "OPERATION", "STARTED", "STATUS", "DURATION", "PARAMETERS"}, rows))
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
