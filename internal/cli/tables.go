package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

var (
	tableLevel       int
	tableCoefficient float64
	tablesJSON       bool
)

func init() {
	rootCmd.AddCommand(tablesCmd)
	tablesCmd.AddCommand(tablesListCmd, tablesAddCmd, tablesUpdateCmd, tablesDeleteCmd)

	tablesListCmd.Flags().BoolVar(&tablesJSON, "json", false, "Print JSON instead of a table")
	for _, c := range []*cobra.Command{tablesAddCmd, tablesUpdateCmd} {
		c.Flags().IntVar(&tableLevel, "level", 1, "Sensitivity level (1-4)")
		c.Flags().Float64Var(&tableCoefficient, "coefficient", 1, "Risk coefficient (> 0)")
	}
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Manage the sensitive-table registry",
	Long:  "Sensitive tables carry a coefficient that multiplies the rule score of\nevery statement touching them. Changes apply to the next evaluated event.",
}

var tablesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sensitive tables",
	RunE:  runTablesList,
}

var tablesAddCmd = &cobra.Command{
	Use:   "add <table>",
	Short: "Register a sensitive table",
	Args:  cobra.ExactArgs(1),
	RunE:  runTablesAdd,
}

var tablesUpdateCmd = &cobra.Command{
	Use:   "update <id> <table>",
	Short: "Change a sensitive table entry",
	Args:  cobra.ExactArgs(2),
	RunE:  runTablesUpdate,
}

var tablesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a sensitive table entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runTablesDelete,
}

func runTablesList(cmd *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		tables := rt.engine.ListSensitiveTables()
		if tablesJSON {
			return printJSON(tables)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTABLE\tLEVEL\tCOEFFICIENT")
		for _, t := range tables {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%g\n", t.ID, t.TableName, t.SensitivityLevel, t.Coefficient)
		}
		return tw.Flush()
	})
}

func runTablesAdd(cmd *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		t, err := rt.engine.CreateSensitiveTable(ctx, model.SensitiveTable{
			TableName:        args[0],
			SensitivityLevel: tableLevel,
			Coefficient:      tableCoefficient,
		})
		if err != nil {
			return err
		}
		return printJSON(t)
	})
}

func runTablesUpdate(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		t, err := rt.engine.UpdateSensitiveTable(ctx, model.SensitiveTable{
			ID:               id,
			TableName:        args[1],
			SensitivityLevel: tableLevel,
			Coefficient:      tableCoefficient,
		})
		if err != nil {
			return err
		}
		return printJSON(t)
	})
}

func runTablesDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		if err := rt.engine.DeleteSensitiveTable(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Deleted sensitive table %d\n", id)
		return nil
	})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
