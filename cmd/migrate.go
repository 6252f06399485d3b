package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/neo/debatearena_backend/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply any pending schema migrations to the contest database.
The serve command does this automatically on startup; migrate exists
for running them separately, e.g. in a deploy step.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err == nil {
			fmt.Println("Loaded environment from .env")
		}

		db, err := database.New(envOr("DATA_DIR", "data"))
		if err != nil {
			return fmt.Errorf("migration failed: %v", err)
		}
		defer db.Close()

		fmt.Println("Database is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
