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
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/paylane/paylane"
	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/database"
	"github.com/paylane/paylane/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Paylane represents the CLI application, encapsulating the root Cobra command.
type Paylane struct {
	cmd *cobra.Command
}

// paylaneInstance holds the engine and the configuration it was built from.
type paylaneInstance struct {
	paylane *paylane.Paylane
	cnf     *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration file and builds the engine before any command runs.
func preRun(app *paylaneInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newPaylane, err := setupPaylane(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.paylane = newPaylane
		app.cnf = cnf

		return nil
	}
}

// setupPaylane connects to the ledger store and creates the engine over it.
func setupPaylane(cfg *config.Configuration) (*paylane.Paylane, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newPaylane, err := paylane.NewPaylane(db)
	if err != nil {
		return nil, fmt.Errorf("error creating paylane: %v", err)
	}
	return newPaylane, nil
}

// NewCLI creates the command-line interface with the start, workers, migrate and config
// subcommands.
func NewCLI() *Paylane {
	var configFile string
	p := &paylaneInstance{}

	var rootCmd = &cobra.Command{
		Use:   "paylane",
		Short: "Payment lifecycle and resilience engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./paylane.json", "Configuration file for paylane")

	rootCmd.PersistentPreRunE = preRun(p, &configFile)

	rootCmd.AddCommand(serverCommands(p))
	rootCmd.AddCommand(workerCommands(p))
	rootCmd.AddCommand(migrateCommands(p))
	rootCmd.AddCommand(configCommands())

	return &Paylane{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Paylane) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
