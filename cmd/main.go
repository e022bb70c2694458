/*
Copyright 2024 FieldSync Authors.

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

	"github.com/farmforce/fieldsync"
	"github.com/farmforce/fieldsync/config"
	"github.com/farmforce/fieldsync/database"
	"github.com/farmforce/fieldsync/internal/notification"
	"github.com/farmforce/fieldsync/salesforce"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Fieldsync represents the CLI application, encapsulating the root Cobra command.
type Fieldsync struct {
	cmd *cobra.Command
}

// fieldsyncInstance holds the service instance and its configuration, shared
// by every subcommand through the persistent pre-run hook.
type fieldsyncInstance struct {
	fieldsync *fieldsync.Fieldsync
	cnf       *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the service instance
// before running any command.
func preRun(app *fieldsyncInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("fieldsync.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newFieldsync, err := setupFieldsync(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.fieldsync = newFieldsync
		app.cnf = cnf

		return nil
	}
}

// setupFieldsync wires the datasource and the Salesforce client into a new
// service instance based on the provided configuration.
func setupFieldsync(cfg *config.Configuration) (*fieldsync.Fieldsync, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	sf, err := salesforce.NewClient()
	if err != nil {
		return nil, fmt.Errorf("error creating salesforce client: %v", err)
	}

	newFieldsync, err := fieldsync.NewFieldsync(db, sf)
	if err != nil {
		return nil, fmt.Errorf("error creating fieldsync: %v", err)
	}
	return newFieldsync, nil
}

// NewCLI creates the command-line interface for the sync service.
func NewCLI() *Fieldsync {
	var configFile string
	f := &fieldsyncInstance{}

	var rootCmd = &cobra.Command{
		Use:   "fieldsync",
		Short: "Salesforce field data sync service",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./fieldsync.json", "Configuration file for fieldsync")

	rootCmd.PersistentPreRunE = preRun(f)

	rootCmd.AddCommand(serverCommands(f))
	rootCmd.AddCommand(workerCommands(f))
	rootCmd.AddCommand(migrateCommands(f))
	rootCmd.AddCommand(configCommands())

	return &Fieldsync{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Fieldsync) executeCLI() {
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
