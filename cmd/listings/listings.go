// Package listings implements the listings command: a quick operator
// view of recently reconciled rows.
package listings

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/carsight/worker/internal/config"
	"github.com/carsight/worker/internal/database"
	"github.com/carsight/worker/internal/domain"
)

const defaultLimit = 20

// Command returns the listings command.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listings",
		Short: "List recently reconciled listings",
		RunE:  run,
	}

	cmd.Flags().Int("limit", defaultLimit, "number of rows to show")

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return fmt.Errorf("failed to read limit flag: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	repo := database.NewListingRepository(db, cfg.Worker.UpsertBatchSize)
	rows, err := repo.ListRecent(cmd.Context(), domain.SourceCarsensor, limit)
	if err != nil {
		return fmt.Errorf("failed to list listings: %w", err)
	}

	if len(rows) == 0 {
		fmt.Println("No listings found")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"External ID", "Make", "Model", "Year", "Color", "Price JPY", "Price RUB", "Active", "Last Seen"})
	for _, row := range rows {
		t.AppendRow(table.Row{
			row.ExternalID,
			row.Make,
			row.Model,
			intOrDash(row.Year),
			strOrDash(row.Color),
			intOrDash(row.PriceJPY),
			intOrDash(row.PriceRUB),
			row.IsActive,
			row.LastSeenAt.Format("2006-01-02 15:04"),
		})
	}
	t.Render()

	return nil
}

func strOrDash(v *string) string {
	if v == nil || *v == "" {
		return "-"
	}
	return *v
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}
