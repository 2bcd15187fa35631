/*
Copyright 2024 Paylane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package main provides the CLI commands for managing database migrations.
This includes commands for applying and rolling back migrations.
*/

package main

import (
	"fmt"
	"log"

	"github.com/paylane/paylane"
	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/database"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
)

const migrationSchema = "paylane"

// migrateCommands creates the root command for migration-related operations.
func migrateCommands(_ *paylaneInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "start paylane migration",
	}

	cmd.AddCommand(migrateUpCommands())
	cmd.AddCommand(migrateDownCommands())

	return cmd
}

func runMigrations(direction migrate.MigrationDirection) (int, error) {
	migrations := migrate.EmbedFileSystemMigrationSource{
		FileSystem: paylane.SQLFiles,
		Root:       "sql",
	}

	cnf, err := config.Fetch()
	if err != nil {
		return 0, fmt.Errorf("error fetching config: %v", err)
	}

	db, err := database.ConnectDB(cnf.DataSource.Dns)
	if err != nil {
		return 0, fmt.Errorf("error connecting to database: %v", err)
	}
	defer db.Close()

	// the migration bookkeeping table lives next to the ledger tables
	migrate.SetSchema(migrationSchema)
	return migrate.Exec(db, "postgres", migrations, direction)
}

// migrateUpCommands creates the command for applying migrations.
func migrateUpCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use: "up",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := runMigrations(migrate.Up)
			if err != nil {
				log.Printf("Error migrating up: %v", err)
				return
			}
			fmt.Printf("Applied %d migrations!\n", n)
		},
	}

	return cmd
}

// migrateDownCommands creates the command for rolling back migrations.
func migrateDownCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use: "down",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := runMigrations(migrate.Down)
			if err != nil {
				log.Printf("Error migrating down: %v", err)
				return
			}
			fmt.Printf("Rolled back %d migrations!\n", n)
		},
	}

	return cmd
}
