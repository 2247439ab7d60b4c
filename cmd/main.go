/*
Copyright 2024 Blnk Finance Authors.

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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nuomoria/postbox"
	"github.com/nuomoria/postbox/config"
	"github.com/nuomoria/postbox/database"
	"github.com/nuomoria/postbox/internal/notification"
)

// Postbox is the CLI application.
type Postbox struct {
	cmd *cobra.Command
}

// postboxInstance carries the service and configuration built in preRun to every command.
type postboxInstance struct {
	postbox *postbox.Postbox
	cnf     *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration file and builds the service before any command runs.
func preRun(app *postboxInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		// migrate and config only need the configuration
		if cmd.Name() == "config" || (cmd.Parent() != nil && cmd.Parent().Name() == "migrate") {
			return nil
		}

		newPostbox, err := setupPostbox(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.postbox = newPostbox
		return nil
	}
}

func setupPostbox(cfg *config.Configuration) (*postbox.Postbox, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newPostbox, err := postbox.NewPostbox(db)
	if err != nil {
		return nil, fmt.Errorf("error creating postbox: %v", err)
	}
	return newPostbox, nil
}

func NewCLI() *Postbox {
	var configFile string
	p := &postboxInstance{}

	var rootCmd = &cobra.Command{
		Use:          "postbox",
		Short:        "Transactional email outbox dispatcher",
		SilenceUsage: true,
		Run:          func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./postbox.json", "Configuration file for postbox")
	rootCmd.PersistentPreRunE = preRun(p, &configFile)

	rootCmd.AddCommand(serverCommands(p))
	rootCmd.AddCommand(workerCommands(p))
	rootCmd.AddCommand(dispatchCommands(p))
	rootCmd.AddCommand(migrateCommands(p))
	rootCmd.AddCommand(configCommands())

	return &Postbox{cmd: rootCmd}
}

func (w Postbox) executeCLI() {
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
