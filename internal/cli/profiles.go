package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	profilesPage int
	profilesSize int
	profilesJSON bool
)

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesListCmd, profilesGetCmd)
	profilesListCmd.Flags().IntVar(&profilesPage, "page", 1, "Page number")
	profilesListCmd.Flags().IntVar(&profilesSize, "size", 20, "Page size")
	profilesListCmd.Flags().BoolVar(&profilesJSON, "json", false, "Print JSON instead of a table")
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect user risk profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List risk profiles, highest score first",
	RunE:  runProfilesList,
}

var profilesGetCmd = &cobra.Command{
	Use:   "get <appUserId>",
	Short: "Show one user's profile and the action a new event would get",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesGet,
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		page, err := rt.engine.ListProfiles(ctx, profilesPage, profilesSize)
		if err != nil {
			return err
		}
		if profilesJSON {
			return printJSON(page)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tSCORE\tLEVEL\tUPDATED")
		for _, p := range page.Items {
			fmt.Fprintf(tw, "%s\t%.2f\t%s\t%s\n", p.AppUserID, p.CurrentScore, p.RiskLevel, p.LastUpdateTime.Format(time.RFC3339))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Printf("\npage %d, %d of %d profiles\n", page.Page, len(page.Items), page.Total)
		return nil
	})
}

func runProfilesGet(cmd *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		st, err := rt.engine.CheckStatus(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(st)
	})
}
