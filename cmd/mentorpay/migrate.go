package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malwarebo/mentorpay/config/db"
	migrations "github.com/malwarebo/mentorpay/db"
)

func migrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if err := cfg.Database.Validate(); err != nil {
				return fmt.Errorf("database config: %w", err)
			}

			database, err := db.CreateDB(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			m, err := migrations.CreateSchemaMigrator(database.GetDB())
			if err != nil {
				return err
			}

			if status {
				statuses, err := m.Status()
				if err != nil {
					return err
				}
				for _, s := range statuses {
					mark := " "
					if s.Applied {
						mark = "x"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s_%s\n", mark, s.Version, s.Name)
				}
				return nil
			}

			ran, err := m.Up()
			for _, name := range ran {
				printSuccess("Applied " + name)
			}
			if err != nil {
				return err
			}
			if len(ran) == 0 {
				printInfo("Schema is up to date")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "list migrations and whether they are applied")
	return cmd
}
