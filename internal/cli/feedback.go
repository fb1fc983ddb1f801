package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

var trendWindow time.Duration

func init() {
	rootCmd.AddCommand(feedbackCmd, trendCmd)
	trendCmd.Flags().DurationVar(&trendWindow, "window", time.Hour, "Lookback window")
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <traceId> <fp|tp>",
	Short: "Label an audited decision as a false or true positive",
	Long:  "Attaches reviewer ground truth to a past decision. The first label wins;\nlabelling an already labelled record reports the existing label.",
	Args:  cobra.ExactArgs(2),
	RunE:  runFeedback,
}

var trendCmd = &cobra.Command{
	Use:   "trend",
	Short: "Show contributed risk per time slot",
	RunE:  runTrend,
}

func runFeedback(cmd *cobra.Command, args []string) error {
	status, ok := model.ParseFeedbackStatus(args[1])
	if !ok {
		return fmt.Errorf("invalid label %q: use fp (1) or tp (2)", args[1])
	}
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		res, err := rt.engine.SubmitFeedback(ctx, args[0], status)
		if err != nil {
			return err
		}
		if !res.Changed {
			fmt.Printf("%s already labelled %s\n", res.TraceID, res.Status)
			return nil
		}
		fmt.Printf("%s labelled %s\n", res.TraceID, res.Status)
		return nil
	})
}

func runTrend(cmd *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		points, err := rt.engine.GetTrend(ctx, trendWindow)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			fmt.Println("No audited events in window.")
			return nil
		}
		for _, p := range points {
			fmt.Printf("%s  %10.2f  %d events\n", p.Slot.Local().Format("2006-01-02 15:04"), p.TotalScore, p.Events)
		}
		return nil
	})
}
