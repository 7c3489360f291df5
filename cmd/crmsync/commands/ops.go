package commands

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/crmsync/am"
	"github.com/teranos/crmsync/cache"
	"github.com/teranos/crmsync/crm"
	"github.com/teranos/crmsync/db"
	"github.com/teranos/crmsync/display"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/store"
)

// OpsCmd lists the operations journaled for one entity.
var OpsCmd = &cobra.Command{
	Use:   "ops <entity-type> <id>",
	Short: "Show the journaled operations of one entity",
	Long: `List the operations committed locally on one entity, oldest first,
from the database at database.path.

Examples:
  crmsync ops contract c-1
  crmsync ops opportunity o-3 --paths   # include changed paths`,
	Args: cobra.ExactArgs(2),
	RunE: runOps,
}

var opsPaths bool

func init() {
	OpsCmd.Flags().BoolVar(&opsPaths, "paths", false, "Show the paths each operation changed")
	OpsCmd.Flags().BoolP("json", "j", false, "Output operations as JSON")
}

func runOps(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	entityType, id := args[0], args[1]
	if _, ok := crm.Schemas()[entityType]; !ok {
		return errors.WithHint(
			errors.NewInvalidRequestError("unknown entity type %q", entityType),
			"one of: "+strings.Join(entityTypes(), ", "))
	}

	conn, err := db.OpenWithMigrations(cfg.Database.Path, logger.ComponentLogger("db"))
	if err != nil {
		return err
	}
	defer conn.Close()

	ops, err := cache.NewSQLStore(conn, logger.Logger).Operations(cmd.Context(), entityType, id)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd, ops)
	}
	if len(ops) == 0 {
		pterm.Info.Printfln("No operations journaled for %s %s", entityType, id)
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(opsTable(ops, opsPaths)).Render()
}

func opsTable(ops []store.Operation, paths bool) pterm.TableData {
	header := []string{"Committed", "Kind", "Ref", "Changes"}
	if paths {
		header = append(header, "Paths")
	}
	rows := pterm.TableData{header}
	for _, op := range ops {
		row := []string{
			op.CommittedAt.Local().Format(time.DateTime),
			string(op.Kind),
			op.Ref,
			strconv.Itoa(len(op.Diff)),
		}
		if paths {
			p := make([]string, 0, len(op.Diff))
			for _, c := range op.Diff {
				p = append(p, string(c.Op)+" "+c.Path)
			}
			row = append(row, strings.Join(p, ", "))
		}
		rows = append(rows, row)
	}
	return rows
}

func entityTypes() []string {
	schemas := crm.Schemas()
	out := make([]string, 0, len(schemas))
	for t := range schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
