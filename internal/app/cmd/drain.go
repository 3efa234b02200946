package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"companion-gateway/internal/drain"
)

var (
	drainReason string
	drainGrace  time.Duration
)

// drainCmd 通过管理接口排空实例
var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain a gateway instance before deployment",
	Long: `Drain a gateway instance through its admin listener.

Example:
  companion-gateway drain start --reason deploy --grace 60s
  companion-gateway drain status
  companion-gateway drain complete`,
}

var drainStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Stop accepting streams and ask devices to reconnect elsewhere",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st drain.Status
		err := callAPI(cmd.Context(), http.MethodPost, joinURL(adminURL, "/admin/drain"), map[string]interface{}{
			"reason":            drainReason,
			"max_grace_seconds": int(drainGrace / time.Second),
		}, &st)
		if err != nil {
			return err
		}
		printDrainStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var drainStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show drain progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st drain.Status
		if err := callAPI(cmd.Context(), http.MethodGet, joinURL(adminURL, "/admin/drain"), nil, &st); err != nil {
			return err
		}
		printDrainStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var drainCompleteCmd = &cobra.Command{
	Use:   "complete",
	Short: "Wait for the drain to finish, force-closing what remains",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st drain.Status
		if err := callAPI(cmd.Context(), http.MethodPost, joinURL(adminURL, "/admin/drain/complete"), nil, &st); err != nil {
			return err
		}
		printDrainStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	drainStartCmd.Flags().StringVar(&drainReason, "reason", "deploy", "Reason sent to devices")
	drainStartCmd.Flags().DurationVar(&drainGrace, "grace", 0, "Maximum grace period (0 uses the configured default)")

	drainCmd.AddCommand(drainStartCmd)
	drainCmd.AddCommand(drainStatusCmd)
	drainCmd.AddCommand(drainCompleteCmd)
}

func printDrainStatus(w io.Writer, st drain.Status) {
	state := string(st.State)
	switch st.State {
	case drain.StateCompleted, drain.StateDrained:
		state = colorOK(state)
	case drain.StateDraining:
		state = colorWarn(state)
	}
	fmt.Fprintln(w)
	printRow(w, "State", state)
	if st.Reason != "" {
		printRow(w, "Reason", st.Reason)
	}
	if st.Deadline != nil {
		printRow(w, "Deadline", st.Deadline.Format(time.RFC3339))
	}
	printRow(w, "Remaining", st.Remaining)
	printRow(w, "Force Closed", st.ForceClosed)
	if st.Dropped > 0 {
		printRow(w, "Dropped", colorWarn(st.Dropped))
	} else {
		printRow(w, "Dropped", colorFaint(0))
	}
	fmt.Fprintln(w)
}
