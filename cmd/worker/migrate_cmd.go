package main

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/fastyrai/turingagents/migrations"
	"github.com/fastyrai/turingagents/pkg/configuration"
)

func newMigrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := configuration.Use()

			db, err := sql.Open("pgx", conf.Database.Opts)
			if err != nil {
				return fmt.Errorf("db open failed: %w", err)
			}
			defer db.Close()

			goose.SetBaseFS(migrations.FS)
			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}

			if down {
				if err := goose.Down(db, "."); err != nil {
					return fmt.Errorf("migrate down failed: %w", err)
				}
				cmd.Println("migrations rolled back one version")
				return nil
			}
			if err := goose.Up(db, "."); err != nil {
				return fmt.Errorf("migrate up failed: %w", err)
			}
			cmd.Println("migrations applied")
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration instead of applying")
	return cmd
}
